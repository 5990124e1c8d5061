package session

import (
	"context"
	"errors"

	"github.com/comigor/chatcore/internal/history"
	"github.com/comigor/chatcore/internal/logger"
)

// Fallback keeps conversations going while the primary directory is down.
//
// When the primary fails, the pointer is rebuilt from the user's most
// recently updated session in the message store (Derived), looking across
// all modes when the caller did not ask for one. When that fails
// too, a process-local pointer is used (Ephemeral) so repeated turns during
// the outage still share one session.
type Fallback struct {
	primary Directory
	catalog history.Catalog
	opts    Options
	local   *Memory
}

// NewFallback wraps primary. catalog is used to derive pointers on failure.
func NewFallback(primary Directory, catalog history.Catalog, opts Options) *Fallback {
	return &Fallback{primary: primary, catalog: catalog, opts: opts, local: NewMemory(opts)}
}

func (f *Fallback) Resolve(ctx context.Context, userID, mode string) (Pointer, error) {
	p, err := f.primary.Resolve(ctx, userID, mode)
	if err == nil || !recoverable(ctx, err) {
		return p, err
	}
	logger.L.Warn("session directory unavailable; deriving pointer", "user_id", userID, "mode", mode, "error", err)
	return f.derive(ctx, userID, mode, func() (Pointer, error) {
		return f.local.Resolve(ctx, userID, mode)
	})
}

func (f *Fallback) SetMode(ctx context.Context, userID, mode string) (Pointer, error) {
	p, err := f.primary.SetMode(ctx, userID, mode)
	if err == nil || !recoverable(ctx, err) {
		return p, err
	}
	logger.L.Warn("session directory unavailable; deriving pointer for mode switch", "user_id", userID, "mode", mode, "error", err)
	return f.derive(ctx, userID, mode, func() (Pointer, error) {
		return f.local.SetMode(ctx, userID, mode)
	})
}

// Reset cannot be derived from history, so a failing primary always yields
// an ephemeral pointer.
func (f *Fallback) Reset(ctx context.Context, userID, token string) (Pointer, error) {
	p, err := f.primary.Reset(ctx, userID, token)
	if err == nil || !recoverable(ctx, err) {
		return p, err
	}
	logger.L.Warn("session directory unavailable; using ephemeral session", "user_id", userID, "error", err)
	p, err = f.local.Reset(ctx, userID, token)
	p.Ephemeral = true
	return p, err
}

func (f *Fallback) Close() error {
	return f.primary.Close()
}

func (f *Fallback) derive(ctx context.Context, userID, mode string, ephemeral func() (Pointer, error)) (Pointer, error) {
	var (
		best     history.Session
		bestMode string
		lastErr  error
	)
	for _, m := range f.candidates(mode) {
		sessions, err := f.catalog.ForMode(m).ListByUser(ctx, userID)
		if err != nil {
			lastErr = err
			continue
		}
		if len(sessions) > 0 && (bestMode == "" || sessions[0].LastUpdatedAt.After(best.LastUpdatedAt)) {
			best, bestMode = sessions[0], m
		}
	}
	if bestMode != "" {
		return Pointer{
			UserID:                 userID,
			BotMode:                bestMode,
			ActiveSessionID:        best.ID,
			ActiveSessionCreatedAt: best.CreatedAt,
			Derived:                true,
		}, nil
	}
	if lastErr != nil {
		logger.L.Warn("message store unavailable; using ephemeral session", "user_id", userID, "mode", mode, "error", lastErr)
	}
	p, err := ephemeral()
	p.Ephemeral = true
	return p, err
}

// candidates lists the modes whose stores may hold the user's latest session.
// Without a requested mode every configured mode is searched.
func (f *Fallback) candidates(mode string) []string {
	if mode != "" {
		return []string{mode}
	}
	out := []string{f.opts.DefaultMode}
	for _, m := range f.opts.Modes {
		if m != f.opts.DefaultMode {
			out = append(out, m)
		}
	}
	return out
}

// recoverable separates backend failures from caller mistakes and cancellation.
func recoverable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, ErrEmptyUser) && !errors.Is(err, ErrEmptyMode)
}
