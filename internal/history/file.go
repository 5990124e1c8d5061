package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/comigor/chatcore/internal/logger"
)

// document is the persisted session shape shared by the file and Mongo backends.
type document struct {
	ID            string         `json:"id" bson:"_id"`
	SessionID     string         `json:"session_id" bson:"session_id"`
	CreatedAt     string         `json:"created_at" bson:"created_at"`
	UserID        string         `json:"user_id" bson:"user_id"`
	BotMode       string         `json:"bot_mode" bson:"bot_mode"`
	Messages      []Message      `json:"messages" bson:"messages"`
	SessionInfo   map[string]any `json:"session_info,omitempty" bson:"session_info,omitempty"`
	LastUpdatedAt string         `json:"last_updated_at" bson:"last_updated_at"`
}

func toDocument(s Session) document {
	s = Normalize(s)
	return document{
		ID:            s.ID,
		SessionID:     s.ID,
		CreatedAt:     FormatTime(s.CreatedAt),
		UserID:        s.UserID,
		BotMode:       s.BotMode,
		Messages:      s.Messages,
		SessionInfo:   s.SessionInfo,
		LastUpdatedAt: FormatTime(s.LastUpdatedAt),
	}
}

func fromDocument(d document) Session {
	id := d.ID
	if id == "" {
		id = d.SessionID
	}
	msgs := d.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	return Normalize(Session{
		ID:            id,
		UserID:        d.UserID,
		BotMode:       d.BotMode,
		CreatedAt:     ParseTime(d.CreatedAt),
		LastUpdatedAt: ParseTime(d.LastUpdatedAt),
		Messages:      msgs,
		SessionInfo:   d.SessionInfo,
	})
}

// FileCatalog stores each mode under its own sub-directory of a root dir.
type FileCatalog struct {
	root  string
	locks *userLocks

	mu     sync.Mutex
	stores map[string]*File
}

// NewFileCatalog creates root if needed.
func NewFileCatalog(root string) (*FileCatalog, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	return &FileCatalog{root: root, locks: newUserLocks(), stores: make(map[string]*File)}, nil
}

// ForMode returns the file store of mode.
func (c *FileCatalog) ForMode(mode string) Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stores[mode]; ok {
		return s
	}
	s := &File{dir: filepath.Join(c.root, mode), locks: c.locks, now: time.Now}
	c.stores[mode] = s
	return s
}

// Close is a no-op.
func (c *FileCatalog) Close(context.Context) error { return nil }

// File keeps one JSON file per user holding that user's most recent session.
// Superseded sessions are moved to <user>.<session id>.json so they stay
// loadable by id.
//
// Writes are whole-file replacements (temp file + rename), so readers never
// see a partial write. Writers are serialized per user inside this process
// only: two processes sharing the same directory can lose updates. Use the
// Mongo backend when more than one replica writes.
type File struct {
	dir   string
	locks *userLocks
	now   func() time.Time
}

const fileBackend = "file"

func validateKey(key string) error {
	switch {
	case key == "":
		return errors.New("key cannot be empty")
	case strings.Contains(key, ".."):
		return errors.New("key cannot contain '..'")
	case strings.ContainsAny(key, "/\\"):
		return errors.New("key cannot contain path separators")
	case strings.Contains(key, "\x00"):
		return errors.New("key cannot contain null bytes")
	}
	return nil
}

func (f *File) currentPath(userID string) string {
	return filepath.Join(f.dir, userID+".json")
}

func (f *File) archivePath(userID, id string) string {
	return filepath.Join(f.dir, userID+"."+id+".json")
}

func (f *File) userFor(id string) (string, error) {
	userID := UserFromID(id)
	if userID == "" {
		return "", fmt.Errorf("session id %q does not name a user", id)
	}
	if err := validateKey(userID); err != nil {
		return "", fmt.Errorf("invalid session id %q: %w", id, err)
	}
	if err := validateKey(id); err != nil {
		return "", fmt.Errorf("invalid session id %q: %w", id, err)
	}
	return userID, nil
}

// read returns the document at path. A missing or empty file is reported as
// not found; an undecodable file is moved aside and also reported as not found.
func (f *File) read(path string) (document, bool, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return document{}, false, nil
	}
	if err != nil {
		return document{}, false, unavailable(fileBackend, "read", err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return document{}, false, nil
	}
	var d document
	if err := json.Unmarshal(b, &d); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, f.now().UnixNano())
		logger.L.Warn("history file is not valid JSON; moving it aside", "path", path, "moved_to", aside, "error", err)
		if rerr := os.Rename(path, aside); rerr != nil {
			return document{}, false, unavailable(fileBackend, "quarantine", rerr)
		}
		return document{}, false, nil
	}
	return d, true, nil
}

func (f *File) write(path string, d document) error {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return unavailable(fileBackend, "mkdir", err)
	}
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", d.ID, err)
	}
	tmp, err := os.CreateTemp(f.dir, ".history-*.tmp")
	if err != nil {
		return unavailable(fileBackend, "write", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return unavailable(fileBackend, "write", err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable(fileBackend, "write", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return unavailable(fileBackend, "rename", err)
	}
	return nil
}

// locate finds the file that holds id, either the current or an archive file.
func (f *File) locate(userID, id string) (string, document, bool, error) {
	cur := f.currentPath(userID)
	d, ok, err := f.read(cur)
	if err != nil {
		return "", document{}, false, err
	}
	if ok && d.ID == id {
		return cur, d, true, nil
	}
	arch := f.archivePath(userID, id)
	d, ok, err = f.read(arch)
	if err != nil || !ok {
		return "", document{}, false, err
	}
	return arch, d, true, nil
}

func (f *File) Load(ctx context.Context, id string) (Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, false, err
	}
	userID, err := f.userFor(id)
	if err != nil {
		return Session{}, false, err
	}
	_, d, ok, err := f.locate(userID, id)
	if err != nil || !ok {
		return Session{}, false, err
	}
	return fromDocument(d), true, nil
}

func (f *File) Append(ctx context.Context, id string, seed Seed, msgs ...Message) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	userID, err := f.userFor(id)
	if err != nil {
		return Session{}, err
	}
	unlock := f.locks.lock(f.dir + "/" + userID)
	defer unlock()

	now := f.now()
	path, d, ok, err := f.locate(userID, id)
	if err != nil {
		return Session{}, err
	}
	var s Session
	if ok {
		s = fromDocument(d)
	} else {
		if seed.UserID == "" {
			seed.UserID = userID
		}
		s = newSession(id, seed, now)
		path = f.currentPath(userID)
		if err := f.supersede(userID, id); err != nil {
			return Session{}, err
		}
	}
	s.Messages = append(s.Messages, msgs...)
	s.LastUpdatedAt = now
	if err := f.write(path, toDocument(s)); err != nil {
		return Session{}, err
	}
	return Normalize(s), nil
}

// supersede archives the user's current session when a different id takes
// its place.
func (f *File) supersede(userID, id string) error {
	cur, ok, err := f.read(f.currentPath(userID))
	if err != nil || !ok || cur.ID == id || cur.ID == "" {
		return err
	}
	if err := f.write(f.archivePath(userID, cur.ID), cur); err != nil {
		return err
	}
	logger.L.Info("archived superseded session", "user_id", userID, "session_id", cur.ID, "replaced_by", id)
	return nil
}

func (f *File) Upsert(ctx context.Context, s Session) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	userID, err := f.userFor(s.ID)
	if err != nil {
		return Session{}, err
	}
	unlock := f.locks.lock(f.dir + "/" + userID)
	defer unlock()

	s.LastUpdatedAt = f.now()
	if s.UserID == "" {
		s.UserID = userID
	}
	path, _, ok, err := f.locate(userID, s.ID)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		path = f.currentPath(userID)
		cur, curOK, err := f.read(path)
		if err != nil {
			return Session{}, err
		}
		if curOK && ParseTime(cur.CreatedAt).After(s.CreatedAt) {
			// An older session being migrated in must not displace the newer one.
			path = f.archivePath(userID, s.ID)
		} else if err := f.supersede(userID, s.ID); err != nil {
			return Session{}, err
		}
	}
	if err := f.write(path, toDocument(s)); err != nil {
		return Session{}, err
	}
	return Normalize(s), nil
}

func (f *File) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(userID); err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	paths, err := filepath.Glob(filepath.Join(f.dir, globEscape(userID)+".*.json"))
	if err != nil {
		return nil, err
	}
	paths = append([]string{f.currentPath(userID)}, paths...)

	var out []Session
	seen := make(map[string]bool)
	for _, p := range paths {
		d, ok, err := f.read(p)
		if err != nil {
			return nil, err
		}
		if !ok || d.UserID != userID || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		out = append(out, fromDocument(d))
	}
	sortRecentFirst(out)
	return out, nil
}

func (f *File) RefreshSystem(ctx context.Context, id, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	userID, err := f.userFor(id)
	if err != nil {
		return err
	}
	unlock := f.locks.lock(f.dir + "/" + userID)
	defer unlock()

	path, d, ok, err := f.locate(userID, id)
	if err != nil || !ok {
		return err
	}
	if !refreshSystem(d.Messages, content) {
		return nil
	}
	d.LastUpdatedAt = FormatTime(f.now())
	return f.write(path, d)
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}

// userLocks hands out one mutex per key and forgets it once unused.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*refLock)}
}

func (u *userLocks) lock(key string) func() {
	u.mu.Lock()
	l, ok := u.locks[key]
	if !ok {
		l = &refLock{}
		u.locks[key] = l
	}
	l.refs++
	u.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		u.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(u.locks, key)
		}
		u.mu.Unlock()
	}
}
