package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCatalog keeps sessions in process memory. Nothing survives a restart;
// it backs development runs and tests.
type MemoryCatalog struct {
	mu     sync.Mutex
	stores map[string]*Memory
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{stores: make(map[string]*Memory)}
}

// ForMode returns the in-memory store of mode.
func (c *MemoryCatalog) ForMode(mode string) Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stores[mode]
	if !ok {
		s = NewMemory()
		c.stores[mode] = s
	}
	return s
}

// Close is a no-op.
func (c *MemoryCatalog) Close(context.Context) error { return nil }

// Memory is a Store held in a map.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]Session
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]Session), now: time.Now}
}

func (m *Memory) Load(_ context.Context, id string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false, nil
	}
	return Normalize(s), true, nil
}

func (m *Memory) Append(_ context.Context, id string, seed Seed, msgs ...Message) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	s, ok := m.sessions[id]
	if !ok {
		if seed.UserID == "" {
			seed.UserID = UserFromID(id)
		}
		s = newSession(id, seed, now)
	}
	s.Messages = append(append([]Message(nil), s.Messages...), msgs...)
	s.LastUpdatedAt = now
	s = Normalize(s)
	m.sessions[id] = s
	return Normalize(s), nil
}

func (m *Memory) Upsert(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.LastUpdatedAt = m.now()
	s = Normalize(s)
	m.sessions[s.ID] = s
	return Normalize(s), nil
}

func (m *Memory) ListByUser(_ context.Context, userID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, Normalize(s))
		}
	}
	sortRecentFirst(out)
	return out, nil
}

func (m *Memory) RefreshSystem(_ context.Context, id, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !refreshSystem(s.Messages, content) {
		return nil
	}
	s.LastUpdatedAt = m.now()
	m.sessions[id] = Normalize(s)
	return nil
}

func newSession(id string, seed Seed, now time.Time) Session {
	created := seed.CreatedAt
	if created.IsZero() {
		created = now
	}
	return Session{
		ID:          id,
		UserID:      seed.UserID,
		BotMode:     seed.BotMode,
		CreatedAt:   created,
		Messages:    append([]Message{}, seed.Prefix...),
		SessionInfo: seed.SessionInfo,
	}
}

// refreshSystem replaces a blank leading system message in place.
func refreshSystem(msgs []Message, content string) bool {
	if len(msgs) == 0 || msgs[0].Role != RoleSystem || !IsBlank(msgs[0].Content) {
		return false
	}
	msgs[0].Content = content
	return true
}

func sortRecentFirst(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastUpdatedAt.After(sessions[j].LastUpdatedAt)
	})
}
