// Package participation answers whether an identity already took part in a
// venue's current window, and records new participation.
package participation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/kalambet/scene/internal/activity"
)

const (
	MinETAMinutes     = 1
	MaxETAMinutes     = 240
	MaxReviewRunes    = 1000
	MaxMessageRunes   = 500
	DefaultETAMinutes = 30
)

// ETAChoices are the arrival estimates offered to users.
var ETAChoices = []int{15, 30, 45, 60}

// Store is the subset of activity.Store used here.
type Store interface {
	Insert(ctx context.Context, stream activity.Stream, rec activity.Record) error
	QueryOne(ctx context.Context, stream activity.Stream, f activity.Filter, w activity.Window) (activity.Record, error)
}

// Guard checks for prior participation. It is advisory: it reads, and the
// caller writes later, so two racing submissions can both pass.
type Guard struct {
	store Store
	clock quartz.Clock
}

// NewGuard creates a Guard. A nil clock means the wall clock.
func NewGuard(store Store, clock quartz.Clock) *Guard {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Guard{store: store, clock: clock}
}

// HasParticipated reports whether a row of stream for venueID matching id
// exists within the stream's window. An empty identity never matches.
func (g *Guard) HasParticipated(ctx context.Context, venueID string, stream activity.Stream, id activity.Identity) (bool, error) {
	if id.IsZero() {
		return false, nil
	}
	w := activity.WindowFor(stream).At(g.clock.Now())
	_, err := g.store.QueryOne(ctx, stream, activity.Filter{VenueID: venueID, Identity: id}, w)
	if errors.Is(err, activity.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Payload carries the stream-specific part of a submission.
type Payload struct {
	ETAMinutes int    `json:"eta_minutes,omitempty"`
	Rating     string `json:"rating,omitempty"`
	Content    string `json:"content,omitempty"`
}

// Submitter validates and records participation.
type Submitter struct {
	store Store
	guard *Guard
	clock quartz.Clock
}

// NewSubmitter creates a Submitter. A nil clock means the wall clock.
func NewSubmitter(store Store, clock quartz.Clock) *Submitter {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Submitter{store: store, guard: NewGuard(store, clock), clock: clock}
}

// Guard returns the guard the submitter consults.
func (s *Submitter) Guard() *Guard {
	return s.guard
}

// Submit validates p, runs the duplicate check for windowed streams and
// inserts the row. Chat is never deduplicated.
func (s *Submitter) Submit(ctx context.Context, venueID string, stream activity.Stream, id activity.Identity, p Payload) (activity.Record, error) {
	rec, err := s.Build(venueID, stream, id, p)
	if err != nil {
		return activity.Record{}, err
	}

	if stream != activity.Messages {
		done, err := s.guard.HasParticipated(ctx, venueID, stream, id)
		if err != nil {
			return activity.Record{}, err
		}
		if done {
			return activity.Record{}, activity.ErrDuplicateParticipation
		}
	}

	if err := s.store.Insert(ctx, stream, rec); err != nil {
		return activity.Record{}, err
	}
	return rec, nil
}

// Build validates a submission and turns it into a record without touching
// the store.
func (s *Submitter) Build(venueID string, stream activity.Stream, id activity.Identity, p Payload) (activity.Record, error) {
	if strings.TrimSpace(venueID) == "" {
		return activity.Record{}, fmt.Errorf("%w: venue id is required", activity.ErrInvalidPayload)
	}
	if id.IsZero() {
		return activity.Record{}, fmt.Errorf("%w: no device or user id", activity.ErrInvalidPayload)
	}

	now := s.clock.Now()
	rec := activity.Record{
		ID:        uuid.NewString(),
		Stream:    stream,
		VenueID:   venueID,
		DeviceID:  id.DeviceID,
		UserID:    id.UserID,
		CreatedAt: now,
	}

	switch stream {
	case activity.Vibes:
	case activity.PullingUp:
		eta := p.ETAMinutes
		if eta == 0 {
			eta = DefaultETAMinutes
		}
		if eta < MinETAMinutes || eta > MaxETAMinutes {
			return activity.Record{}, fmt.Errorf("%w: eta must be between %d and %d minutes", activity.ErrInvalidPayload, MinETAMinutes, MaxETAMinutes)
		}
		rec.ETAMinutes = eta
		rec.ExpiresAt = now.Add(time.Duration(eta) * time.Minute)
	case activity.Reviews:
		if !id.Authenticated() {
			return activity.Record{}, activity.ErrAuthRequired
		}
		r, err := activity.ParseRating(p.Rating)
		if err != nil {
			return activity.Record{}, err
		}
		content := strings.TrimSpace(p.Content)
		if utf8.RuneCountInString(content) > MaxReviewRunes {
			return activity.Record{}, fmt.Errorf("%w: feedback text exceeds %d characters", activity.ErrInvalidPayload, MaxReviewRunes)
		}
		rec.Rating = r
		rec.Content = content
	case activity.Messages:
		if !id.Authenticated() {
			return activity.Record{}, activity.ErrAuthRequired
		}
		content := strings.TrimSpace(p.Content)
		n := utf8.RuneCountInString(content)
		if n == 0 || n > MaxMessageRunes {
			return activity.Record{}, fmt.Errorf("%w: message must be 1 to %d characters", activity.ErrInvalidPayload, MaxMessageRunes)
		}
		rec.Content = content
	default:
		return activity.Record{}, fmt.Errorf("%w: unknown metric %q", activity.ErrInvalidPayload, stream)
	}
	return rec, nil
}
