// Package scene is the read and write surface the API and CLI use. It
// caches per-venue counts until the change feed reports them stale.
package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/scene/internal/activity"
	"github.com/kalambet/scene/internal/counter"
	"github.com/kalambet/scene/internal/crowd"
	"github.com/kalambet/scene/internal/metrics"
	"github.com/kalambet/scene/internal/participation"
)

// Store is everything the service needs from storage.
type Store interface {
	activity.Store
	activity.VenueCatalog
	SaveVenue(ctx context.Context, v activity.Venue) (activity.Venue, error)
	ListVenues(ctx context.Context) ([]activity.Venue, error)
	Ratings(ctx context.Context, venueID string, w activity.Window) ([]activity.Rating, error)
	Recent(ctx context.Context, stream activity.Stream, venueID string, limit int) ([]activity.Record, error)
}

// Dashboard filters.
const (
	FilterAll      = ""
	FilterTrending = "trending"
	FilterVibing   = "vibing"
)

// MessageLimit caps how much chat history is returned.
const MessageLimit = 100

// CrowdState is the derived view of one venue right now.
type CrowdState struct {
	VenueID          string `json:"venue_id"`
	Label            string `json:"label"`
	IntensityPercent int    `json:"intensity_percent"`
	IsTrending       bool   `json:"is_trending"`
	Count            int    `json:"count"`
	PullingUp        int    `json:"pulling_up"`
}

// VenueCrowd pairs a venue with its crowd state for dashboards.
type VenueCrowd struct {
	Venue activity.Venue `json:"venue"`
	Crowd CrowdState     `json:"crowd"`
}

// Options configures a Service.
type Options struct {
	Clock    quartz.Clock
	CacheTTL time.Duration
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type cacheKey struct {
	venueID string
	stream  activity.Stream
}

type cacheEntry struct {
	count int
	at    time.Time
}

// Service serves crowd state, participation and feedback summaries.
type Service struct {
	store     Store
	counter   *counter.Counter
	submitter *participation.Submitter
	clock     quartz.Clock
	ttl       time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
	// gen is bumped by Invalidate so an in-flight count started before the
	// invalidation never repopulates the cache.
	gen   map[cacheKey]uint64
	group singleflight.Group
}

// New creates a Service over store. A zero CacheTTL defaults to 15 seconds;
// a negative one disables caching.
func New(store Store, opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	ttl := opts.CacheTTL
	if ttl == 0 {
		ttl = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		counter:   counter.New(store, clock),
		submitter: participation.NewSubmitter(store, clock),
		clock:     clock,
		ttl:       ttl,
		metrics:   opts.Metrics,
		logger:    logger,
		cache:     make(map[cacheKey]cacheEntry),
		gen:       make(map[cacheKey]uint64),
	}
}

// Counter returns the windowed counter the service reads through.
func (s *Service) Counter() *counter.Counter {
	return s.counter
}

// Invalidate drops the cached count for venueID and stream. The change-feed
// consumer calls it after every insert.
func (s *Service) Invalidate(venueID string, stream activity.Stream) {
	key := cacheKey{venueID, stream}
	s.mu.Lock()
	delete(s.cache, key)
	s.gen[key]++
	s.mu.Unlock()
	s.group.Forget(key.flightKey())
}

func (k cacheKey) flightKey() string {
	return k.venueID + "|" + string(k.stream)
}

// count returns a cached count when fresh, recomputing it otherwise.
// Concurrent misses for the same key share one query.
func (s *Service) count(ctx context.Context, venueID string, stream activity.Stream) (int, error) {
	key := cacheKey{venueID, stream}

	// Fast path: read lock for cache hit.
	s.mu.RLock()
	e, ok := s.cache[key]
	gen := s.gen[key]
	s.mu.RUnlock()
	if ok && s.ttl > 0 && s.clock.Now().Before(e.at.Add(s.ttl)) {
		s.metrics.CacheLookup(true)
		return e.count, nil
	}
	s.metrics.CacheLookup(false)

	v, err, _ := s.group.Do(key.flightKey(), func() (any, error) {
		n, err := s.counter.Count(ctx, venueID, stream)
		if err != nil {
			return 0, err
		}
		if s.ttl > 0 {
			s.mu.Lock()
			if s.gen[key] == gen {
				s.cache[key] = cacheEntry{count: n, at: s.clock.Now()}
			}
			s.mu.Unlock()
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// GetCrowdState returns the displayed level of a venue.
func (s *Service) GetCrowdState(ctx context.Context, venueID string) (CrowdState, error) {
	if _, err := s.store.GetVenue(ctx, venueID); err != nil {
		return CrowdState{}, err
	}
	vibes, err := s.count(ctx, venueID, activity.Vibes)
	if err != nil {
		return CrowdState{}, fmt.Errorf("counting vibes: %w", err)
	}
	pulling, err := s.count(ctx, venueID, activity.PullingUp)
	if err != nil {
		return CrowdState{}, fmt.Errorf("counting arrivals: %w", err)
	}
	return crowdState(venueID, vibes, pulling), nil
}

func crowdState(venueID string, vibes, pulling int) CrowdState {
	level := crowd.LevelFor(vibes)
	return CrowdState{
		VenueID:          venueID,
		Label:            level.Label,
		IntensityPercent: level.IntensityPercent,
		IsTrending:       crowd.IsTrending(vibes),
		Count:            vibes,
		PullingUp:        pulling,
	}
}

// GetParticipationAvailability reports whether id may participate in
// stream at venueID right now. Streams that need a signed-in user are
// unavailable to anonymous identities.
func (s *Service) GetParticipationAvailability(ctx context.Context, venueID string, stream activity.Stream, id activity.Identity) (bool, error) {
	if !stream.Valid() {
		return false, fmt.Errorf("%w: unknown metric %q", activity.ErrInvalidPayload, stream)
	}
	if _, err := s.store.GetVenue(ctx, venueID); err != nil {
		return false, err
	}
	switch stream {
	case activity.Reviews, activity.Messages:
		if !id.Authenticated() {
			return false, nil
		}
	}
	if stream == activity.Messages {
		return true, nil
	}
	done, err := s.submitter.Guard().HasParticipated(ctx, venueID, stream, id)
	if err != nil {
		return false, err
	}
	return !done, nil
}

// SubmitParticipation validates and records a participation event.
func (s *Service) SubmitParticipation(ctx context.Context, venueID string, stream activity.Stream, id activity.Identity, p participation.Payload) (activity.Record, error) {
	if _, err := s.store.GetVenue(ctx, venueID); err != nil {
		return activity.Record{}, err
	}
	rec, err := s.submitter.Submit(ctx, venueID, stream, id, p)
	switch {
	case err == nil:
		s.metrics.Submission(string(stream), "ok")
		s.Invalidate(venueID, stream)
	case errors.Is(err, activity.ErrDuplicateParticipation):
		s.metrics.Submission(string(stream), "duplicate")
	default:
		s.metrics.Submission(string(stream), "rejected")
	}
	return rec, err
}

// GetFeedbackSummary buckets the venue's ratings from the last 24 hours.
func (s *Service) GetFeedbackSummary(ctx context.Context, venueID string) (crowd.FeedbackSummary, error) {
	if _, err := s.store.GetVenue(ctx, venueID); err != nil {
		return crowd.FeedbackSummary{}, err
	}
	ratings, err := s.store.Ratings(ctx, venueID, s.counter.Window(activity.Reviews))
	if err != nil {
		return crowd.FeedbackSummary{}, err
	}
	return crowd.Summarize(ratings), nil
}

// Dashboard returns every venue with its crowd state, busiest first.
// filter narrows to trending venues or venues with any vibes.
func (s *Service) Dashboard(ctx context.Context, filter string) ([]VenueCrowd, error) {
	switch filter {
	case FilterAll, FilterTrending, FilterVibing:
	default:
		return nil, fmt.Errorf("%w: unknown filter %q", activity.ErrInvalidPayload, filter)
	}

	venues, err := s.store.ListVenues(ctx)
	if err != nil {
		return nil, err
	}
	vibes, err := s.counter.CountAll(ctx, activity.Vibes)
	if err != nil {
		return nil, err
	}
	pulling, err := s.counter.CountAll(ctx, activity.PullingUp)
	if err != nil {
		return nil, err
	}

	out := make([]VenueCrowd, 0, len(venues))
	for _, v := range venues {
		cs := crowdState(v.ID, vibes[v.ID], pulling[v.ID])
		if filter == FilterTrending && !cs.IsTrending {
			continue
		}
		if filter == FilterVibing && cs.Count == 0 {
			continue
		}
		out = append(out, VenueCrowd{Venue: v, Crowd: cs})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Crowd.Count > out[j].Crowd.Count
	})
	return out, nil
}

// Venues lists the catalog.
func (s *Service) Venues(ctx context.Context) ([]activity.Venue, error) {
	return s.store.ListVenues(ctx)
}

// Venue resolves a single venue.
func (s *Service) Venue(ctx context.Context, id string) (activity.Venue, error) {
	return s.store.GetVenue(ctx, id)
}

// AddVenue saves a venue to the catalog.
func (s *Service) AddVenue(ctx context.Context, v activity.Venue) (activity.Venue, error) {
	return s.store.SaveVenue(ctx, v)
}

// Messages returns the venue's latest chat messages, oldest first.
func (s *Service) Messages(ctx context.Context, venueID string) ([]activity.Record, error) {
	if _, err := s.store.GetVenue(ctx, venueID); err != nil {
		return nil, err
	}
	return s.store.Recent(ctx, activity.Messages, venueID, MessageLimit)
}
