// Package feed consumes participation change feeds and turns each insert
// into a count refresh, an escalation evaluation and cache invalidation.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"

	"github.com/kalambet/scene/internal/activity"
	"github.com/kalambet/scene/internal/escalation"
	"github.com/kalambet/scene/internal/metrics"
)

// Source opens insert-only subscriptions.
type Source interface {
	SubscribeInserts(ctx context.Context, stream activity.Stream, f activity.Filter) (activity.Subscription, error)
}

// Counter recomputes a venue's windowed count.
type Counter interface {
	Count(ctx context.Context, venueID string, stream activity.Stream) (int, error)
}

// Dispatcher delivers notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, n escalation.Notification) error
}

// Invalidator is told when a cached aggregate for venueID and stream is stale.
type Invalidator interface {
	Invalidate(venueID string, stream activity.Stream)
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(venueID string, stream activity.Stream)

func (f InvalidatorFunc) Invalidate(venueID string, stream activity.Stream) { f(venueID, stream) }

// Options configures a Consumer. Source, Catalog, Counter and Dispatcher
// are required.
type Options struct {
	Source     Source
	Catalog    activity.VenueCatalog
	Counter    Counter
	Dispatcher Dispatcher
	Evaluator  escalation.Evaluator

	// Ledger, when set, makes guarded rules fire once per night across
	// every process sharing the store.
	Ledger escalation.Ledger

	// VenueID scopes every subscription to one venue. Empty means global.
	VenueID string
	Streams []activity.Stream

	// MaxBackoff caps the wait between resubscribe attempts.
	MaxBackoff time.Duration

	Clock   quartz.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type event struct {
	stream activity.Stream
	rec    activity.Record
}

// Consumer runs one task loop over every subscribed stream. Events are
// handled one at a time, to completion, in the order they arrive. The
// escalation state is owned by that loop.
type Consumer struct {
	source       Source
	catalog      activity.VenueCatalog
	counter      Counter
	dispatcher   Dispatcher
	evaluator    escalation.Evaluator
	ledger       escalation.Ledger
	filter       activity.Filter
	streams      []activity.Stream
	maxBackoff   time.Duration
	clock        quartz.Clock
	metrics      *metrics.Metrics
	logger       *slog.Logger
	invalidators []Invalidator

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a Consumer.
func New(opts Options) *Consumer {
	streams := opts.Streams
	if len(streams) == 0 {
		streams = activity.Streams
	}
	evaluator := opts.Evaluator
	if evaluator.Rules == nil {
		evaluator.Rules = escalation.DefaultRules
	}
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	return &Consumer{
		source:     opts.Source,
		catalog:    opts.Catalog,
		counter:    opts.Counter,
		dispatcher: opts.Dispatcher,
		evaluator:  evaluator,
		ledger:     opts.Ledger,
		filter:     activity.Filter{VenueID: opts.VenueID},
		streams:    streams,
		maxBackoff: maxBackoff,
		clock:      clock,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "feed"),
		ready:      make(chan struct{}),
	}
}

// AddInvalidator registers a cache to be told about stale aggregates. It
// must be called before Run.
func (c *Consumer) AddInvalidator(inv Invalidator) {
	c.invalidators = append(c.invalidators, inv)
}

// Ready is closed once every stream has its first subscription.
func (c *Consumer) Ready() <-chan struct{} {
	return c.ready
}

// Run subscribes to every stream and handles events until ctx is
// cancelled. All subscriptions are released before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan event)
	var (
		wg         sync.WaitGroup
		subscribed sync.WaitGroup
	)
	subscribed.Add(len(c.streams))
	for _, stream := range c.streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pump(ctx, stream, events, subscribed.Done)
		}()
	}
	go func() {
		subscribed.Wait()
		c.readyOnce.Do(func() { close(c.ready) })
	}()

	c.logger.Info("change feed consumer started", "streams", len(c.streams), "venue_id", c.filter.VenueID)

	var state escalation.State
	for {
		select {
		case <-ctx.Done():
			cancel()
			wg.Wait()
			c.logger.Info("change feed consumer stopped", "guards", state.Len())
			return nil
		case ev := <-events:
			state = c.handle(ctx, state, ev)
		}
	}
}

// pump keeps one subscription alive, resubscribing with backoff when the
// feed fails, and forwards its records to out.
func (c *Consumer) pump(ctx context.Context, stream activity.Stream, out chan<- event, subscribed func()) {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0 // retry until cancelled
	eb.MaxInterval = c.maxBackoff
	if eb.InitialInterval > c.maxBackoff {
		eb.InitialInterval = c.maxBackoff
	}
	bkoff := backoff.WithContext(eb, ctx)

	logger := c.logger.With("stream", string(stream))
	signalled := false
	signal := func() {
		if !signalled {
			signalled = true
			subscribed()
		}
	}
	defer signal()

	first := true
	for {
		var sub activity.Subscription
		err := backoff.Retry(func() error {
			s, err := c.source.SubscribeInserts(ctx, stream, c.filter)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("subscribing to change feed failed", "error", err)
				}
				return err
			}
			sub = s
			return nil
		}, bkoff)
		if err != nil {
			return
		}
		signal()
		if !first {
			c.metrics.Resubscribed(string(stream))
			logger.Info("change feed resubscribed")
		}
		first = false

		delivered := false
		for rec := range sub.Records() {
			select {
			case out <- event{stream: stream, rec: rec}:
				delivered = true
			case <-ctx.Done():
				sub.Cancel()
				return
			}
		}
		err = sub.Err()
		sub.Cancel()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("subscription closed")
		}
		logger.Warn("change feed failed", "error", err)

		if delivered {
			bkoff.Reset()
		}
		wait := bkoff.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		timer := c.clock.NewTimer(wait, "feed", "resubscribe")
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// handle processes one event and returns the next escalation state.
// Failures are logged and swallowed; they never stop the loop.
func (c *Consumer) handle(ctx context.Context, state escalation.State, ev event) escalation.State {
	stream := string(ev.stream)
	venueID := ev.rec.VenueID
	logger := c.logger.With("stream", stream, "venue_id", venueID)
	c.metrics.EventConsumed(stream)

	if venueID == "" {
		c.metrics.EventDropped(stream, metrics.DropUnresolvedVenue)
		return state
	}

	venue, err := c.catalog.GetVenue(ctx, venueID)
	if errors.Is(err, activity.ErrNotFound) {
		logger.Debug("dropping event for unresolved venue")
		c.metrics.EventDropped(stream, metrics.DropUnresolvedVenue)
		return state
	}
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("venue lookup failed", "error", err)
			c.metrics.EventDropped(stream, metrics.DropVenueLookup)
		}
		return state
	}

	// Reviews and messages escalate on the record alone.
	var count int
	if c.evaluator.NeedsCount(ev.stream) {
		count, err = c.counter.Count(ctx, venueID, ev.stream)
		if ctx.Err() != nil {
			// Torn down while the count was in flight; the result is discarded.
			return state
		}
		if err != nil {
			logger.Warn("count refresh failed", "error", err)
			c.metrics.CountFailed(stream)
			return state
		}
	}

	next, notes := c.evaluator.Evaluate(state, escalation.Observation{
		Stream:    ev.stream,
		VenueID:   venueID,
		VenueName: venue.Name,
		Count:     count,
		Record:    ev.rec,
	})

	for _, inv := range c.invalidators {
		inv.Invalidate(venueID, ev.stream)
	}

	if c.ledger != nil && len(notes) > 0 {
		notes, err = escalation.Claim(ctx, c.ledger, c.clock.Now(), notes)
		if err != nil {
			logger.Warn("escalation ledger claim failed", "error", err)
		}
	}

	for _, n := range notes {
		logger.Debug("escalation fired", "rule", n.RuleID, "count", count)
		if err := c.dispatcher.Dispatch(ctx, n); err != nil {
			logger.Warn("notification dispatch failed", "rule", n.RuleID, "error", err)
		}
	}
	return next
}
