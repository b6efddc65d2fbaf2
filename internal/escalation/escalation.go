// Package escalation decides which notifications a new observation fires.
//
// Evaluation is a pure function of the prior guard state and the
// observation. The owner threads the returned state into the next call;
// nothing here is shared or mutated in place.
package escalation

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/scene/internal/activity"
)

// Observation is one change-feed event with the count recomputed after it.
type Observation struct {
	Stream    activity.Stream
	VenueID   string
	VenueName string
	Count     int
	Record    activity.Record
}

// Notification is a dispatch request produced by a rule.
type Notification struct {
	RuleID    string `json:"rule_id"`
	VenueID   string `json:"venue_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	TargetURL string `json:"url"`
	Guarded   bool   `json:"-"`
}

type guardKey struct {
	venueID string
	ruleID  string
}

// State is the set of (venue, rule) pairs whose guarded rules have fired.
// The zero value is an empty state. States are never modified after they
// are returned.
type State struct {
	fired map[guardKey]struct{}
}

// Fired reports whether ruleID already fired for venueID.
func (s State) Fired(venueID, ruleID string) bool {
	_, ok := s.fired[guardKey{venueID, ruleID}]
	return ok
}

// Len returns the number of guards held.
func (s State) Len() int {
	return len(s.fired)
}

func (s State) with(keys []guardKey) State {
	if len(keys) == 0 {
		return s
	}
	next := make(map[guardKey]struct{}, len(s.fired)+len(keys))
	for k := range s.fired {
		next[k] = struct{}{}
	}
	for _, k := range keys {
		next[k] = struct{}{}
	}
	return State{fired: next}
}

// Evaluator applies a rule table. BaseURL prefixes notification targets.
type Evaluator struct {
	Rules   []Rule
	BaseURL string
}

// NewEvaluator returns an evaluator over DefaultRules.
func NewEvaluator(baseURL string) Evaluator {
	return Evaluator{Rules: DefaultRules, BaseURL: baseURL}
}

// Evaluate runs the default table with relative target URLs.
func Evaluate(prior State, obs Observation) (State, []Notification) {
	return NewEvaluator("").Evaluate(prior, obs)
}

// Evaluate returns the state after obs and the notifications it fires, in
// rule order.
func (e Evaluator) Evaluate(prior State, obs Observation) (State, []Notification) {
	var (
		out   []Notification
		fired []guardKey
	)
	for _, r := range e.Rules {
		if r.Stream != obs.Stream || !r.Match(obs) {
			continue
		}
		if r.Guarded {
			if prior.Fired(obs.VenueID, r.ID) {
				continue
			}
			fired = append(fired, guardKey{obs.VenueID, r.ID})
		}
		out = append(out, Notification{
			RuleID:    r.ID,
			VenueID:   obs.VenueID,
			Title:     r.Title(obs),
			Body:      r.Body(obs),
			TargetURL: e.TargetURL(obs.VenueID),
			Guarded:   r.Guarded,
		})
	}
	return prior.with(fired), out
}

// NeedsCount reports whether any rule for stream reads the windowed count.
func (e Evaluator) NeedsCount(stream activity.Stream) bool {
	for _, r := range e.Rules {
		if r.Stream == stream && r.Counted {
			return true
		}
	}
	return false
}

// TargetURL returns the page a notification click opens.
func (e Evaluator) TargetURL(venueID string) string {
	return strings.TrimRight(e.BaseURL, "/") + "/club/" + url.PathEscape(venueID)
}

// Ledger records guarded firings durably so that several processes agree
// on which one fired.
type Ledger interface {
	ClaimEscalation(ctx context.Context, venueID, ruleID, epoch string) (bool, error)
}

// nightOffset shifts the epoch boundary so a night out that crosses
// midnight stays in one epoch.
const nightOffset = 6 * time.Hour

// Epoch names the night t belongs to, as the UTC date of t minus six hours.
func Epoch(t time.Time) string {
	return t.UTC().Add(-nightOffset).Format("2006-01-02")
}

// Claim drops guarded notifications another process already claimed for
// the epoch of now. Unguarded notifications pass through. A ledger error
// keeps the notification, since the in-memory guard already admitted it.
func Claim(ctx context.Context, l Ledger, now time.Time, notes []Notification) ([]Notification, error) {
	if l == nil {
		return notes, nil
	}
	epoch := Epoch(now)
	out := notes[:0:0]
	var firstErr error
	for _, n := range notes {
		if !n.Guarded {
			out = append(out, n)
			continue
		}
		ok, err := l.ClaimEscalation(ctx, n.VenueID, n.RuleID, epoch)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			out = append(out, n)
			continue
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, firstErr
}
