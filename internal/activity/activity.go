// Package activity defines the vocabulary shared by the aggregation engine:
// participation streams, records, identity filters, time windows and the
// store collaborator contract.
package activity

import (
	"fmt"
	"strings"
	"time"
)

// Stream names one insert-only entity stream. The value doubles as the
// backing table name in storage.
type Stream string

const (
	Vibes     Stream = "vibes"      // activity events
	PullingUp Stream = "pulling_up" // arrival intents
	Reviews   Stream = "reviews"    // night feedback
	Messages  Stream = "messages"   // venue chat
)

// Streams lists every participation stream in a stable order.
var Streams = []Stream{Vibes, PullingUp, Reviews, Messages}

func (s Stream) String() string { return string(s) }

// Valid reports whether s is one of the known streams.
func (s Stream) Valid() bool {
	switch s {
	case Vibes, PullingUp, Reviews, Messages:
		return true
	}
	return false
}

// ParseStream accepts a stream name or one of its user-facing aliases.
func ParseStream(name string) (Stream, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "vibes", "vibe":
		return Vibes, nil
	case "pulling_up", "pulling-up", "pullup", "pull_up", "intent":
		return PullingUp, nil
	case "reviews", "review", "feedback":
		return Reviews, nil
	case "messages", "message", "chat":
		return Messages, nil
	}
	return "", fmt.Errorf("unknown metric %q", name)
}

// Identity is a participant as seen by the store. The device and user ids
// are never unified: a row belongs to an identity if either field matches.
type Identity struct {
	DeviceID string `json:"device_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// IsZero reports whether the identity carries no id at all.
func (i Identity) IsZero() bool {
	return i.DeviceID == "" && i.UserID == ""
}

// Authenticated reports whether a signed-in user is present.
func (i Identity) Authenticated() bool {
	return i.UserID != ""
}

// Record is one row of any participation stream. Fields that do not apply
// to a stream are left zero.
type Record struct {
	ID        string    `json:"id"`
	Stream    Stream    `json:"stream"`
	VenueID   string    `json:"venue_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// Arrival intents.
	ETAMinutes int       `json:"eta_minutes,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`

	// Feedback.
	Rating Rating `json:"rating,omitempty"`

	// Feedback text or chat message body.
	Content string `json:"content,omitempty"`
}

// Identity returns the participant that created the record.
func (r Record) Identity() Identity {
	return Identity{DeviceID: r.DeviceID, UserID: r.UserID}
}

// Filter narrows a query. Empty fields do not constrain.
type Filter struct {
	VenueID  string
	Identity Identity
}

// Venue is a physical location from the external catalog.
type Venue struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	Address     string    `json:"address,omitempty"`
	Genre       string    `json:"genre,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
