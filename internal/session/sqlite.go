package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/chatcore/internal/history"
	"github.com/comigor/chatcore/internal/logger"
)

// SQLite keeps pointers in a local SQLite table.
type SQLite struct {
	db   *sql.DB
	opts Options
}

const pointerColumns = `user_id, bot_mode, active_session_id, active_session_created_at, version`

// OpenSQLite opens (and creates) the database at path.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLite, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open session directory: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS session_pointers (
		user_id TEXT PRIMARY KEY,
		bot_mode TEXT NOT NULL,
		active_session_id TEXT NOT NULL,
		active_session_created_at TEXT NOT NULL,
		last_reset_token TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session_pointers table: %w", err)
	}
	logger.L.Info("sqlite session directory initialized", "path", path)
	return &SQLite{db: db, opts: opts}, nil
}

// Resolve arguments: ?1 user, ?2 requested mode, ?3 default mode,
// ?4 fresh session id, ?5 now.
const resolveSQL = `
INSERT INTO session_pointers (user_id, bot_mode, active_session_id, active_session_created_at, version, updated_at)
VALUES (?1, CASE WHEN ?2 = '' THEN ?3 ELSE ?2 END, ?4, ?5, 1, ?5)
ON CONFLICT(user_id) DO UPDATE SET
	bot_mode = CASE WHEN ?2 <> '' THEN ?2 ELSE bot_mode END,
	version = version + CASE WHEN ?2 <> '' AND ?2 <> bot_mode THEN 1 ELSE 0 END,
	updated_at = CASE WHEN ?2 <> '' AND ?2 <> bot_mode THEN ?5 ELSE updated_at END
RETURNING ` + pointerColumns

// Reset arguments: ?1 user, ?2 default mode, ?3 fresh session id, ?4 now,
// ?5 idempotency token.
const resetSQL = `
INSERT INTO session_pointers (user_id, bot_mode, active_session_id, active_session_created_at, last_reset_token, version, updated_at)
VALUES (?1, ?2, ?3, ?4, ?5, 1, ?4)
ON CONFLICT(user_id) DO UPDATE SET
	active_session_id = CASE WHEN ?5 <> '' AND ?5 = last_reset_token THEN active_session_id ELSE ?3 END,
	active_session_created_at = CASE WHEN ?5 <> '' AND ?5 = last_reset_token THEN active_session_created_at ELSE ?4 END,
	version = version + CASE WHEN ?5 <> '' AND ?5 = last_reset_token THEN 0 ELSE 1 END,
	updated_at = CASE WHEN ?5 <> '' AND ?5 = last_reset_token THEN updated_at ELSE ?4 END,
	last_reset_token = ?5
RETURNING ` + pointerColumns

func (s *SQLite) Resolve(ctx context.Context, userID, mode string) (Pointer, error) {
	if userID == "" {
		return Pointer{}, ErrEmptyUser
	}
	id, at := s.opts.newSessionID(userID)
	p, err := withRetry(ctx, func() (Pointer, error) {
		return scanPointer(s.db.QueryRowContext(ctx, resolveSQL, userID, mode, s.opts.DefaultMode, id, history.FormatTime(at)))
	})
	if err != nil {
		return Pointer{}, fmt.Errorf("resolve session for %s: %w", userID, err)
	}
	return p, nil
}

func (s *SQLite) SetMode(ctx context.Context, userID, mode string) (Pointer, error) {
	if strings.TrimSpace(mode) == "" {
		return Pointer{}, ErrEmptyMode
	}
	return s.Resolve(ctx, userID, mode)
}

func (s *SQLite) Reset(ctx context.Context, userID, token string) (Pointer, error) {
	if userID == "" {
		return Pointer{}, ErrEmptyUser
	}
	id, at := s.opts.newSessionID(userID)
	p, err := withRetry(ctx, func() (Pointer, error) {
		return scanPointer(s.db.QueryRowContext(ctx, resetSQL, userID, s.opts.DefaultMode, id, history.FormatTime(at), token))
	})
	if err != nil {
		return Pointer{}, fmt.Errorf("reset session for %s: %w", userID, err)
	}
	return p, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func scanPointer(row *sql.Row) (Pointer, error) {
	var p Pointer
	var created string
	if err := row.Scan(&p.UserID, &p.BotMode, &p.ActiveSessionID, &created, &p.Version); err != nil {
		return Pointer{}, err
	}
	p.ActiveSessionCreatedAt = history.ParseTime(created)
	return p, nil
}

// isBusy reports SQLite lock contention between connections.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry retries op while the database reports lock contention.
func withRetry(ctx context.Context, op func() (Pointer, error)) (Pointer, error) {
	delay := 10 * time.Millisecond
	for attempt := 0; ; attempt++ {
		p, err := op()
		if !isBusy(err) || attempt == 4 {
			return p, err
		}
		select {
		case <-ctx.Done():
			return Pointer{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
