package registry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/holiman/uint256"

	"github.com/atmx/pool-markets/internal/market"
)

// ErrQueueFull is returned when the volume buffer has no room.
var ErrQueueFull = errors.New("registry: volume queue full")

type volumeReport struct {
	marketID string
	amount   *uint256.Int
}

// VolumeQueue decouples markets from the registry. ReportVolume never
// blocks; a worker started by Run forwards reports to the target.
type VolumeQueue struct {
	target market.VolumeReporter
	ch     chan volumeReport
	log    *slog.Logger
}

// NewVolumeQueue creates a queue with a buffer of size reports.
func NewVolumeQueue(target market.VolumeReporter, size int, log *slog.Logger) *VolumeQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &VolumeQueue{target: target, ch: make(chan volumeReport, size), log: log}
}

// ReportVolume enqueues a report, failing with ErrQueueFull if the buffer
// is full.
func (q *VolumeQueue) ReportVolume(_ context.Context, marketID string, amount *uint256.Int) error {
	select {
	case q.ch <- volumeReport{marketID: marketID, amount: amount.Clone()}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of queued reports.
func (q *VolumeQueue) Len() int { return len(q.ch) }

// Run forwards reports until ctx is cancelled, then flushes what is
// already buffered.
func (q *VolumeQueue) Run(ctx context.Context) error {
	for {
		select {
		case rep := <-q.ch:
			q.forward(ctx, rep)
		case <-ctx.Done():
			q.flush()
			return nil
		}
	}
}

func (q *VolumeQueue) flush() {
	ctx := context.Background()
	for {
		select {
		case rep := <-q.ch:
			q.forward(ctx, rep)
		default:
			return
		}
	}
}

func (q *VolumeQueue) forward(ctx context.Context, rep volumeReport) {
	if err := q.target.ReportVolume(ctx, rep.marketID, rep.amount); err != nil {
		q.log.Warn("volume report dropped", "market_id", rep.marketID, "amount", rep.amount.Dec(), "error", err)
	}
}
