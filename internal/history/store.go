// Package history persists conversation sessions.
//
// Every backend implements Store with the same contract: appends are atomic
// per batch, reload order equals append order, and sessions are never
// hard-deleted. A Catalog hands out one Store per bot mode so each mode keeps
// its own storage namespace.
package history

import (
	"context"
	"errors"
	"fmt"
)

// Store is the message store contract shared by every backend.
type Store interface {
	// Load returns the session with id. found is false when it does not exist.
	Load(ctx context.Context, id string) (s Session, found bool, err error)
	// Append atomically adds msgs to the session, creating it from seed when absent.
	Append(ctx context.Context, id string, seed Seed, msgs ...Message) (Session, error)
	// Upsert fully replaces the stored session.
	Upsert(ctx context.Context, s Session) (Session, error)
	// ListByUser returns the user's sessions, most recently updated first.
	ListByUser(ctx context.Context, userID string) ([]Session, error)
	// RefreshSystem sets the content of a blank leading system message.
	// Sessions whose first message is not a blank system message are left alone.
	RefreshSystem(ctx context.Context, id, content string) error
}

// Catalog resolves the Store that backs a bot mode.
type Catalog interface {
	ForMode(mode string) Store
	Close(ctx context.Context) error
}

// ErrStoreUnavailable marks failures of the backing store itself (network,
// disk, timeouts) as opposed to invalid input.
var ErrStoreUnavailable = errors.New("store unavailable")

// UnavailableError reports which backend operation failed.
type UnavailableError struct {
	Backend string
	Op      string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap exposes both ErrStoreUnavailable and the underlying cause.
func (e *UnavailableError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

func unavailable(backend, op string, err error) error {
	return &UnavailableError{Backend: backend, Op: op, Err: err}
}
