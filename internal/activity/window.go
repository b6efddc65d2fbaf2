package activity

import "time"

// WindowKind selects how a window bounds qualifying rows.
type WindowKind int

const (
	// WindowNone counts every row ever inserted.
	WindowNone WindowKind = iota
	// WindowTrailing counts rows with created_at >= now - Span.
	WindowTrailing
	// WindowTTL counts rows with expires_at >= now.
	WindowTTL
)

const (
	VibeWindow   = 20 * time.Minute
	ReviewWindow = 24 * time.Hour
)

// WindowSpec describes a window independently of the current instant.
type WindowSpec struct {
	Kind WindowKind
	Span time.Duration
}

// Trailing returns a trailing window of the given span.
func Trailing(span time.Duration) WindowSpec {
	return WindowSpec{Kind: WindowTrailing, Span: span}
}

// TTL returns a window bounded by each row's own expiry.
func TTL() WindowSpec {
	return WindowSpec{Kind: WindowTTL}
}

// At resolves the spec against now. The result is what the store filters on.
func (w WindowSpec) At(now time.Time) Window {
	switch w.Kind {
	case WindowTrailing:
		return Window{Kind: WindowTrailing, Bound: now.Add(-w.Span)}
	case WindowTTL:
		return Window{Kind: WindowTTL, Bound: now}
	}
	return Window{Kind: WindowNone}
}

// Window is a resolved window: rows qualify when their created_at
// (trailing) or expires_at (TTL) is at or after Bound.
type Window struct {
	Kind  WindowKind
	Bound time.Time
}

// Contains reports whether r qualifies for the window.
func (w Window) Contains(r Record) bool {
	switch w.Kind {
	case WindowTrailing:
		return !r.CreatedAt.Before(w.Bound)
	case WindowTTL:
		return !r.ExpiresAt.Before(w.Bound)
	}
	return true
}

// WindowFor returns the counting window of a stream.
func WindowFor(s Stream) WindowSpec {
	switch s {
	case Vibes:
		return Trailing(VibeWindow)
	case PullingUp:
		return TTL()
	case Reviews:
		return Trailing(ReviewWindow)
	}
	return WindowSpec{Kind: WindowNone}
}
