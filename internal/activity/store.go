package activity

import "context"

// Store is the narrow collaborator contract the engine consumes. It is
// deliberately store-agnostic; internal/storage provides a SQLite version.
type Store interface {
	Insert(ctx context.Context, stream Stream, rec Record) error
	Count(ctx context.Context, stream Stream, f Filter, w Window) (int, error)
	// QueryOne returns the newest matching row, or ErrNotFound.
	QueryOne(ctx context.Context, stream Stream, f Filter, w Window) (Record, error)
	// VenueIDs returns the venue id of every qualifying row in one bulk read.
	VenueIDs(ctx context.Context, stream Stream, w Window) ([]string, error)
	SubscribeInserts(ctx context.Context, stream Stream, f Filter) (Subscription, error)
}

// Subscription yields newly inserted records of one stream in insert order.
// Records is closed after Cancel or when the feed fails; Err then reports
// the failure (nil after a plain Cancel).
type Subscription interface {
	Records() <-chan Record
	Err() error
	Cancel()
}

// VenueCatalog resolves venue ids. Missing venues yield ErrNotFound.
type VenueCatalog interface {
	GetVenue(ctx context.Context, id string) (Venue, error)
}
