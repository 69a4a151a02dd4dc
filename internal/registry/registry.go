// Package registry creates market instances and keeps the aggregate volume
// counters they report into.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/pool-markets/internal/market"
	"github.com/atmx/pool-markets/internal/model"
)

var (
	ErrUnknownMarket = errors.New("registry: unknown market")
	ErrDuplicate     = errors.New("registry: market already registered")
)

// DefaultQueueSize is the volume queue buffer used when none is configured.
const DefaultQueueSize = 1024

// Option configures a Registry.
type Option func(*Registry)

// WithMarketOptions appends options applied to every market the registry
// creates or restores.
func WithMarketOptions(opts ...market.Option) Option {
	return func(r *Registry) { r.marketOpts = append(r.marketOpts, opts...) }
}

// WithQueueSize sets the volume queue buffer.
func WithQueueSize(n int) Option {
	return func(r *Registry) { r.queueSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// Stats summarizes every registered market.
type Stats struct {
	Markets     int            `json:"markets"`
	ByState     map[string]int `json:"by_state"`
	TotalVolume *uint256.Int   `json:"total_volume"`
}

// Registry owns the set of markets. Markets report volume through a
// VolumeQueue, so a slow or failing registry never blocks a stake.
type Registry struct {
	factory    common.Address
	marketOpts []market.Option
	queueSize  int
	queue      *VolumeQueue
	log        *slog.Logger

	mu      sync.RWMutex
	markets map[string]*market.Market
	order   []string
	volumes map[string]*uint256.Int
	total   *uint256.Int
}

// New creates a registry that initializes markets as factory.
func New(factory common.Address, opts ...Option) *Registry {
	r := &Registry{
		factory:   factory,
		queueSize: DefaultQueueSize,
		log:       slog.Default(),
		markets:   make(map[string]*market.Market),
		volumes:   make(map[string]*uint256.Int),
		total:     new(uint256.Int),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.queue = NewVolumeQueue(r, r.queueSize, r.log)
	r.marketOpts = append([]market.Option{market.WithVolumeReporter(r.queue)}, r.marketOpts...)
	return r
}

// Factory returns the address markets are initialized with.
func (r *Registry) Factory() common.Address { return r.factory }

// Queue returns the volume queue markets report into.
func (r *Registry) Queue() *VolumeQueue { return r.queue }

// Run drains the volume queue until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	return r.queue.Run(ctx)
}

// Create allocates an id, builds a market and initializes it with cfg.
func (r *Registry) Create(ctx context.Context, cfg model.Config) (*market.Market, error) {
	m := market.New(uuid.NewString(), r.factory, r.marketOpts...)
	if err := m.InitializeOnce(ctx, r.factory, cfg); err != nil {
		return nil, err
	}
	if err := r.add(m, nil); err != nil {
		return nil, err
	}
	r.log.Info("market created", "market_id", m.ID(), "question", cfg.Question)
	return m, nil
}

// Restore registers a market rebuilt from a persisted snapshot.
func (r *Registry) Restore(snap model.Snapshot) (*market.Market, error) {
	m, err := market.Restore(snap, r.marketOpts...)
	if err != nil {
		return nil, err
	}
	if err := r.add(m, snap.TotalVolume); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Registry) add(m *market.Market, volume *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.markets[m.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, m.ID())
	}
	v := new(uint256.Int)
	if volume != nil {
		v.Set(volume)
		r.total.Add(r.total, v)
	}
	r.markets[m.ID()] = m
	r.volumes[m.ID()] = v
	r.order = append(r.order, m.ID())
	return nil
}

// Get returns the market with id.
func (r *Registry) Get(id string) (*market.Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[id]
	return m, ok
}

// List returns every market in registration order.
func (r *Registry) List() []*market.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*market.Market, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.markets[id])
	}
	return out
}

// ReportVolume adds amount to the market's and the global counters.
func (r *Registry) ReportVolume(_ context.Context, marketID string, amount *uint256.Int) error {
	if amount == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.volumes[marketID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	if _, overflow := new(uint256.Int).AddOverflow(r.total, amount); overflow {
		return fmt.Errorf("registry: volume overflow for %s", marketID)
	}
	v.Add(v, amount)
	r.total.Add(r.total, amount)
	return nil
}

// Volume returns the volume reported for marketID.
func (r *Registry) Volume(marketID string) (*uint256.Int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.volumes[marketID]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// TotalVolume returns the volume reported across all markets.
func (r *Registry) TotalVolume() *uint256.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total.Clone()
}

// Stats returns market counts by state and the global volume.
func (r *Registry) Stats() Stats {
	markets := r.List()
	s := Stats{
		Markets:     len(markets),
		ByState:     make(map[string]int),
		TotalVolume: r.TotalVolume(),
	}
	for _, m := range markets {
		s.ByState[m.State().String()]++
	}
	return s
}
