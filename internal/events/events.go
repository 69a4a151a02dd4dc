// Package events provides sinks for committed market events.
package events

import (
	"context"
	"errors"

	"github.com/atmx/pool-markets/internal/model"
)

// Sink receives committed events in sequence order.
type Sink interface {
	Publish(ctx context.Context, events []model.Event) error
}

// Fanout publishes to every sink and joins their errors. A failing sink
// does not stop the others.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, evs []model.Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, evs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
