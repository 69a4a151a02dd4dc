// Package market composes the pricing engine, ledger, lifecycle machine and
// settlement calculator into a single binary market instance.
//
// Every mutating entry point runs under the market's mutex and either fully
// applies or leaves state untouched. Collaborators (persister, event sinks,
// volume reporter, payer) are only ever called after the lock is released.
// Snapshots are saved and events published in commit order.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/pool-markets/internal/amm"
	"github.com/atmx/pool-markets/internal/ledger"
	"github.com/atmx/pool-markets/internal/lifecycle"
	"github.com/atmx/pool-markets/internal/metrics"
	"github.com/atmx/pool-markets/internal/model"
	"github.com/atmx/pool-markets/internal/settlement"
)

// VolumeReporter receives advisory stake volume after a stake commits.
type VolumeReporter interface {
	ReportVolume(ctx context.Context, marketID string, amount *uint256.Int) error
}

// Payer moves a claimed amount out of the market.
type Payer interface {
	Pay(ctx context.Context, payout model.Payout) error
}

// EventSink receives committed events in sequence order.
type EventSink interface {
	Publish(ctx context.Context, events []model.Event) error
}

// Persister durably stores market snapshots.
type Persister interface {
	SaveMarket(ctx context.Context, snap model.Snapshot) error
}

// Option configures a Market.
type Option func(*Market)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Market) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Market) { m.log = l }
}

// WithVolumeReporter sets the advisory volume reporter.
func WithVolumeReporter(r VolumeReporter) Option {
	return func(m *Market) { m.reporter = r }
}

// WithPayer sets the payer used by Claim.
func WithPayer(p Payer) Option {
	return func(m *Market) { m.payer = p }
}

// WithEventSink sets where committed events are published.
func WithEventSink(s EventSink) Option {
	return func(m *Market) { m.sink = s }
}

// WithPersister sets where a snapshot is saved after every state change.
func WithPersister(p Persister) Option {
	return func(m *Market) { m.persister = p }
}

// StakeRequest is one stake. Value is what the participant actually sent
// and must equal Amount.
type StakeRequest struct {
	Participant common.Address
	Side        model.Side
	Amount      *uint256.Int
	Value       *uint256.Int
}

// StakeResult reports a committed stake.
type StakeResult struct {
	Shares   *uint256.Int
	Position model.Position
	Pools    model.Pools
	Price    uint64
}

// Market is one binary market. The zero value is not usable; call New or
// Restore.
type Market struct {
	id      string
	factory common.Address

	mu          sync.RWMutex
	initialized bool
	cfg         model.Config
	createdAt   time.Time
	ledger      *ledger.Ledger
	machine     *lifecycle.Machine
	basis       *model.SettlementBasis
	eventSeq    uint64

	// flushMu is acquired before mu is released, so saves and publishes
	// run in the order their changes were committed.
	flushMu sync.Mutex

	now       func() time.Time
	log       *slog.Logger
	reporter  VolumeReporter
	payer     Payer
	sink      EventSink
	persister Persister
}

// New returns an uninitialized market. Only factory may initialize it.
func New(id string, factory common.Address, opts ...Option) *Market {
	m := &Market{
		id:      id,
		factory: factory,
		ledger:  ledger.New(),
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restore rebuilds a market from a persisted snapshot.
func Restore(snap model.Snapshot, opts ...Option) (*Market, error) {
	m := New(snap.ID, snap.Factory, opts...)
	if !snap.Initialized {
		return m, nil
	}
	if snap.State == model.StateResolved && !snap.Outcome.Valid() {
		return nil, fmt.Errorf("market %s: resolved without a valid outcome", snap.ID)
	}

	m.initialized = true
	m.cfg = snap.Config.Clone()
	m.createdAt = snap.CreatedAt
	m.ledger = ledger.Restore(snap.Pools, snap.TotalVolume, snap.StakeCount, snap.Positions)
	m.machine = lifecycle.Restore(snap.Config.Authority, snap.Config.EndTime, snap.State, snap.Outcome, snap.ResolvedAt, snap.CancelledAt)
	m.eventSeq = snap.EventSeq
	if snap.State.Terminal() {
		b := m.ledger.Basis()
		if snap.Basis != nil {
			b = snap.Basis.Clone()
		}
		m.basis = &b
	}
	metrics.Markets.WithLabelValues(snap.State.String()).Inc()
	return m, nil
}

// ID returns the market identifier.
func (m *Market) ID() string { return m.id }

// Factory returns the address allowed to initialize the market.
func (m *Market) Factory() common.Address { return m.factory }

// InitializeOnce fixes the market configuration. Only the factory may call
// it, and only once.
func (m *Market) InitializeOnce(ctx context.Context, caller common.Address, cfg model.Config) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return m.reject("initialize", model.ErrAlreadyInitialized)
	}
	if caller != m.factory {
		m.mu.Unlock()
		return m.reject("initialize", model.ErrUnauthorized)
	}
	now := m.now()
	if err := cfg.Validate(now); err != nil {
		m.mu.Unlock()
		return m.reject("initialize", err)
	}

	m.initialized = true
	m.cfg = cfg.Clone()
	m.createdAt = now
	m.machine = lifecycle.New(cfg.Authority, cfg.EndTime)

	ev := m.newEvent(model.EventInitialized, now)
	ev.Question = cfg.Question
	end := cfg.EndTime
	ev.EndTime = &end
	m.unlockAndFlush(ctx, m.commit(ev))

	metrics.Markets.WithLabelValues(model.StateActive.String()).Inc()
	m.log.Info("market initialized", "market_id", m.id, "question", cfg.Question, "end_time", cfg.EndTime)
	return nil
}

// Stake buys shares of req.Side with req.Amount. Checks run in the order:
// initialized, state and timing, participant, side, stake bounds, value,
// shares.
func (m *Market) Stake(ctx context.Context, req StakeRequest) (StakeResult, error) {
	m.mu.Lock()
	res, evs, err := m.stakeLocked(req)
	if err != nil {
		m.mu.Unlock()
		return StakeResult{}, m.reject("stake", err)
	}
	m.unlockAndFlush(ctx, evs)

	metrics.StakesTotal.WithLabelValues(req.Side.String()).Inc()
	metrics.AddAmount(metrics.StakeVolume.WithLabelValues(req.Side.String()), req.Amount)
	m.log.Info("stake placed",
		"market_id", m.id,
		"participant", req.Participant.Hex(),
		"side", req.Side.String(),
		"amount", req.Amount.Dec(),
		"shares", res.Shares.Dec(),
		"price", res.Price,
	)
	m.reportVolume(ctx, req.Amount)
	return res, nil
}

func (m *Market) stakeLocked(req StakeRequest) (StakeResult, []model.Event, error) {
	if !m.initialized {
		return StakeResult{}, nil, model.ErrNotInitialized
	}
	now := m.now()
	if err := m.machine.CheckStake(now); err != nil {
		return StakeResult{}, nil, err
	}
	if req.Participant == (common.Address{}) {
		return StakeResult{}, nil, model.ErrInvalidParticipant
	}
	if !req.Side.Valid() {
		return StakeResult{}, nil, model.ErrInvalidSide
	}
	if req.Amount == nil || req.Amount.Lt(m.cfg.MinStake) {
		return StakeResult{}, nil, model.ErrBelowMinStake
	}
	if req.Amount.Gt(m.cfg.MaxStake) {
		return StakeResult{}, nil, model.ErrAboveMaxStake
	}
	if req.Value == nil || !req.Value.Eq(req.Amount) {
		return StakeResult{}, nil, model.ErrValueMismatch
	}

	q, err := amm.Execute(m.ledger.Pools(), req.Side, req.Amount)
	if err != nil {
		return StakeResult{}, nil, err
	}
	if !m.ledger.CanApply(req.Side, req.Amount, q.Shares) {
		return StakeResult{}, nil, amm.ErrOverflow
	}
	pos := m.ledger.ApplyStake(req.Participant, req.Side, req.Amount, q.Shares)

	ev := m.newEvent(model.EventStaked, now)
	participant := req.Participant
	price := q.Price
	ev.Participant = &participant
	ev.Side = req.Side
	ev.Amount = req.Amount.Clone()
	ev.Shares = q.Shares.Clone()
	ev.Price = &price

	return StakeResult{
		Shares:   q.Shares,
		Position: pos,
		Pools:    m.ledger.Pools(),
		Price:    q.Price,
	}, m.commit(ev), nil
}

// Resolve records outcome. Only the resolution authority may resolve, and
// only at or after the end time.
func (m *Market) Resolve(ctx context.Context, caller common.Address, outcome model.Side) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return m.reject("resolve", model.ErrNotInitialized)
	}
	now := m.now()
	if err := m.machine.Resolve(caller, outcome, now); err != nil {
		m.mu.Unlock()
		return m.reject("resolve", err)
	}
	basis := m.ledger.Basis()
	m.basis = &basis

	ev := m.newEvent(model.EventResolved, now)
	ev.Outcome = outcome
	m.unlockAndFlush(ctx, m.commit(ev))

	metrics.Markets.WithLabelValues(model.StateActive.String()).Dec()
	metrics.Markets.WithLabelValues(model.StateResolved.String()).Inc()
	m.log.Info("market resolved", "market_id", m.id, "outcome", outcome.String(), "total_pool", basis.TotalPool.Dec())
	return nil
}

// Cancel voids the market so every participant can reclaim a share-weighted
// refund. Cancellation is allowed at any time while Active.
func (m *Market) Cancel(ctx context.Context, caller common.Address) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return m.reject("cancel", model.ErrNotInitialized)
	}
	now := m.now()
	if err := m.machine.Cancel(caller, now); err != nil {
		m.mu.Unlock()
		return m.reject("cancel", err)
	}
	basis := m.ledger.Basis()
	m.basis = &basis
	m.unlockAndFlush(ctx, m.commit(m.newEvent(model.EventCancelled, now)))

	metrics.Markets.WithLabelValues(model.StateActive.String()).Dec()
	metrics.Markets.WithLabelValues(model.StateCancelled.String()).Inc()
	m.log.Info("market cancelled", "market_id", m.id, "total_pool", basis.TotalPool.Dec())
	return nil
}

// Claim withdraws participant's payout (resolved) or refund (cancelled).
// The claimed flag is set and saved before the payer runs, so neither a
// reentrant Claim nor a restart after the transfer can pay twice. If the
// save or the payer fails the flag is cleared again and no event is
// published.
func (m *Market) Claim(ctx context.Context, participant common.Address) (model.Payout, error) {
	m.mu.Lock()
	payout, err := m.claimLocked(participant)
	if err != nil {
		m.mu.Unlock()
		return model.Payout{}, m.reject("claim", err)
	}
	if err := m.unlockAndFlush(ctx, nil); err != nil {
		m.rollbackClaim(ctx, participant)
		return model.Payout{}, fmt.Errorf("market %s: record claim %s: %w", m.id, participant.Hex(), err)
	}

	if m.payer != nil {
		if err := m.payer.Pay(ctx, payout); err != nil {
			m.rollbackClaim(ctx, participant)
			metrics.PayoutFailures.Inc()
			m.log.Error("payout failed, claim rolled back",
				"market_id", m.id,
				"participant", participant.Hex(),
				"amount", payout.Amount.Dec(),
				"error", err,
			)
			return model.Payout{}, fmt.Errorf("market %s: pay %s: %w", m.id, participant.Hex(), err)
		}
	}

	ev := m.newEvent(model.EventClaimed, payout.Timestamp)
	ev.Participant = &participant
	ev.Amount = payout.Amount.Clone()
	ev.Refund = payout.Refund
	m.mu.Lock()
	m.unlockAndFlush(ctx, m.commit(ev))

	kind := "payout"
	if payout.Refund {
		kind = "refund"
	}
	metrics.ClaimsTotal.WithLabelValues(kind).Inc()
	metrics.AddAmount(metrics.ClaimedValue.WithLabelValues(kind), payout.Amount)
	m.log.Info("claim paid", "market_id", m.id, "participant", participant.Hex(), "amount", payout.Amount.Dec(), "kind", kind)
	return payout, nil
}

func (m *Market) rollbackClaim(ctx context.Context, participant common.Address) {
	m.mu.Lock()
	m.ledger.UnmarkClaimed(participant)
	m.unlockAndFlush(ctx, nil)
}

func (m *Market) claimLocked(participant common.Address) (model.Payout, error) {
	if !m.initialized {
		return model.Payout{}, model.ErrNotInitialized
	}
	if err := m.machine.CheckSettleable(); err != nil {
		return model.Payout{}, err
	}
	pos, _ := m.ledger.Position(participant)
	if pos.Claimed {
		return model.Payout{}, model.ErrAlreadyClaimed
	}
	outcome, _ := m.machine.Outcome()
	c, err := settlement.Claimable(settlement.Terminal{
		State:   m.machine.State(),
		Outcome: outcome,
		Basis:   *m.basis,
	}, pos)
	if err != nil {
		return model.Payout{}, err
	}
	if !m.ledger.MarkClaimed(participant) {
		return model.Payout{}, model.ErrAlreadyClaimed
	}
	return model.Payout{
		ID:          uuid.NewString(),
		MarketID:    m.id,
		Participant: participant,
		Amount:      c.Amount,
		Refund:      c.Refund,
		Timestamp:   m.now().UTC(),
	}, nil
}

// Question returns the market question, empty before initialization.
func (m *Market) Question() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Question
}

// Description returns the market description.
func (m *Market) Description() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Description
}

// EndTime returns the end of trading.
func (m *Market) EndTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.EndTime
}

// Config returns a copy of the market configuration.
func (m *Market) Config() model.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// Initialized reports whether InitializeOnce has succeeded.
func (m *Market) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// TotalVolume returns the cumulative stake volume.
func (m *Market) TotalVolume() *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ledger.Volume()
}

// IsResolved reports whether the market resolved and to which outcome.
func (m *Market) IsResolved() (bool, model.Side) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.machine == nil {
		return false, 0
	}
	outcome, ok := m.machine.Outcome()
	return ok, outcome
}

// State returns the lifecycle state. Uninitialized markets report Active.
func (m *Market) State() model.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.machine == nil {
		return model.StateActive
	}
	return m.machine.State()
}

// Pools returns a copy of the outcome pools.
func (m *Market) Pools() model.Pools {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ledger.Pools()
}

// Position returns participant's holdings; unknown participants get an
// empty position.
func (m *Market) Position(participant common.Address) model.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, _ := m.ledger.Position(participant)
	return p
}

// Stats returns the aggregate counters.
func (m *Market) Stats() model.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ledger.Stats()
}

// Price returns the YES price in whole percent.
func (m *Market) Price() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return amm.Price(m.ledger.Pools())
}

// Snapshot returns the full persisted state.
func (m *Market) Snapshot() model.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Market) snapshotLocked() model.Snapshot {
	snap := model.Snapshot{
		ID:          m.id,
		Factory:     m.factory,
		Initialized: m.initialized,
		Config:      m.cfg.Clone(),
		CreatedAt:   m.createdAt,
		Pools:       m.ledger.Pools(),
		TotalVolume: m.ledger.Volume(),
		StakeCount:  m.ledger.StakeCount(),
		Positions:   m.ledger.Positions(),
		EventSeq:    m.eventSeq,
	}
	if m.machine != nil {
		snap.State = m.machine.State()
		if outcome, ok := m.machine.Outcome(); ok {
			snap.Outcome = outcome
			at := m.machine.ResolvedAt()
			snap.ResolvedAt = &at
		}
		if snap.State == model.StateCancelled {
			at := m.machine.CancelledAt()
			snap.CancelledAt = &at
		}
	}
	if m.basis != nil {
		b := m.basis.Clone()
		snap.Basis = &b
	}
	return snap
}

func (m *Market) newEvent(typ model.EventType, at time.Time) model.Event {
	return model.Event{
		ID:        uuid.NewString(),
		MarketID:  m.id,
		Type:      typ,
		Timestamp: at.UTC(),
	}
}

// commit assigns sequence numbers. Callers hold m.mu.
func (m *Market) commit(evs ...model.Event) []model.Event {
	for i := range evs {
		m.eventSeq++
		evs[i].Seq = m.eventSeq
	}
	return evs
}

// unlockAndFlush releases m.mu, then saves the snapshot taken under it and
// publishes evs. A save failure is logged and returned; the in-memory change
// stays committed. Callers hold m.mu.
func (m *Market) unlockAndFlush(ctx context.Context, evs []model.Event) error {
	var snap model.Snapshot
	if m.persister != nil {
		snap = m.snapshotLocked()
	}
	m.flushMu.Lock()
	m.mu.Unlock()
	defer m.flushMu.Unlock()

	var err error
	if m.persister != nil {
		if err = m.persister.SaveMarket(context.WithoutCancel(ctx), snap); err != nil {
			metrics.SnapshotSaveFailures.Inc()
			m.log.Error("snapshot save failed", "market_id", m.id, "event_seq", snap.EventSeq, "error", err)
		}
	}
	m.publish(ctx, evs)
	return err
}

func (m *Market) publish(ctx context.Context, evs []model.Event) {
	if m.sink == nil || len(evs) == 0 {
		return
	}
	if err := m.sink.Publish(context.WithoutCancel(ctx), evs); err != nil {
		metrics.EventPublishFailures.Inc()
		m.log.Warn("event publish failed", "market_id", m.id, "error", err)
	}
}

func (m *Market) reportVolume(ctx context.Context, amount *uint256.Int) {
	if m.reporter == nil {
		return
	}
	if err := m.reporter.ReportVolume(context.WithoutCancel(ctx), m.id, amount.Clone()); err != nil {
		metrics.VolumeReportFailures.Inc()
		m.log.Warn("volume report failed", "market_id", m.id, "amount", amount.Dec(), "error", err)
	}
}

func (m *Market) reject(op string, err error) error {
	code := model.CodeOf(err)
	if code == "" {
		code = "Internal"
	}
	metrics.Rejections.WithLabelValues(op, code).Inc()
	m.log.Debug("operation rejected", "market_id", m.id, "op", op, "code", code, "error", err)
	return err
}
