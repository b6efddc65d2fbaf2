package activity

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record or venue does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnresolvedVenue marks a venue reference that cannot be fetched.
	ErrUnresolvedVenue = fmt.Errorf("unresolved venue: %w", ErrNotFound)

	// ErrDuplicateParticipation means the identity already participated
	// in the current window. It is a user-facing condition, not a failure.
	ErrDuplicateParticipation = errors.New("already did that")

	// ErrAuthRequired is returned when a stream needs a signed-in user.
	ErrAuthRequired = errors.New("must be signed in")

	// ErrInvalidPayload is returned for malformed submissions.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrPermissionDenied means notifications are not permitted. Callers
	// treat it as a silent no-op.
	ErrPermissionDenied = errors.New("notification permission denied")
)

// StoreError wraps a failed store read or write. The core never retries it.
type StoreError struct {
	Op     string
	Stream Stream
	Err    error
}

func (e *StoreError) Error() string {
	if e.Stream == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Stream, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// WrapStoreError returns nil for a nil err and passes ErrNotFound through
// unchanged so callers can keep matching it directly.
func WrapStoreError(op string, stream Stream, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Stream: stream, Err: err}
}
