// Package counter counts qualifying participation rows per venue.
package counter

import (
	"context"
	"fmt"

	"github.com/coder/quartz"

	"github.com/kalambet/scene/internal/activity"
)

// Store is the subset of activity.Store the counter reads.
type Store interface {
	Count(ctx context.Context, stream activity.Stream, f activity.Filter, w activity.Window) (int, error)
	VenueIDs(ctx context.Context, stream activity.Stream, w activity.Window) ([]string, error)
}

// Counter resolves each stream's window against the clock on every call;
// results are never memoized here.
type Counter struct {
	store Store
	clock quartz.Clock
}

// New creates a Counter. A nil clock means the wall clock.
func New(store Store, clock quartz.Clock) *Counter {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Counter{store: store, clock: clock}
}

// Window returns the resolved window of stream at the current instant.
func (c *Counter) Window(stream activity.Stream) activity.Window {
	return activity.WindowFor(stream).At(c.clock.Now())
}

// Count returns the number of qualifying rows of stream for venueID.
func (c *Counter) Count(ctx context.Context, venueID string, stream activity.Stream) (int, error) {
	if !stream.Valid() {
		return 0, fmt.Errorf("%w: unknown metric %q", activity.ErrInvalidPayload, stream)
	}
	return c.store.Count(ctx, stream, activity.Filter{VenueID: venueID}, c.Window(stream))
}

// CountAll returns qualifying row counts for every venue with at least one
// qualifying row. It issues a single bulk read.
func (c *Counter) CountAll(ctx context.Context, stream activity.Stream) (map[string]int, error) {
	if !stream.Valid() {
		return nil, fmt.Errorf("%w: unknown metric %q", activity.ErrInvalidPayload, stream)
	}
	ids, err := c.store.VenueIDs(ctx, stream, c.Window(stream))
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, id := range ids {
		counts[id]++
	}
	return counts, nil
}
