// Package session tracks which session is active for each user.
//
// A Directory holds one pointer per user: the bot mode the user is in and the
// id of the session that mode's history is appended to. Every operation is a
// single atomic upsert on the backing store, so concurrent callers on
// different replicas converge without read-modify-write races.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/comigor/chatcore/internal/history"
)

// Pointer is a user's active (mode, session) pair.
type Pointer struct {
	UserID                 string
	BotMode                string
	ActiveSessionID        string
	ActiveSessionCreatedAt time.Time
	Version                int64

	// Derived is set when the pointer was rebuilt from the message store
	// because the directory backend failed.
	Derived bool
	// Ephemeral is set when the pointer only exists in this process.
	Ephemeral bool
}

// Degraded reports whether the pointer did not come from the directory backend.
func (p Pointer) Degraded() bool { return p.Derived || p.Ephemeral }

// Directory maps users to their active session.
type Directory interface {
	// Resolve returns the user's pointer, creating it in the default mode
	// when absent. A non-empty mode different from the stored one switches
	// the user to it; an empty mode keeps the stored one.
	Resolve(ctx context.Context, userID, mode string) (Pointer, error)
	// SetMode switches the user to mode, keeping the active session id.
	SetMode(ctx context.Context, userID, mode string) (Pointer, error)
	// Reset starts a new session for the user. Repeating a reset with the same
	// non-empty token returns the pointer produced by the first call.
	Reset(ctx context.Context, userID, token string) (Pointer, error)
	Close() error
}

var (
	ErrEmptyUser = errors.New("user id cannot be empty")
	ErrEmptyMode = errors.New("mode cannot be empty")
)

// Options are shared by every Directory backend.
type Options struct {
	// DefaultMode is stored when a pointer is created without a mode.
	DefaultMode string
	// Modes are searched, newest session first, when a pointer is derived
	// without a requested mode. Empty means only DefaultMode.
	Modes []string
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// newSessionID allocates the id and creation time of a fresh session.
func (o Options) newSessionID(userID string) (string, time.Time) {
	at := o.now().UTC().Truncate(time.Microsecond)
	return history.NewID(userID, at), at
}
