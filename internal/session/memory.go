package session

import (
	"context"
	"strings"
	"sync"
)

// Memory is a process-local Directory.
type Memory struct {
	mu       sync.Mutex
	opts     Options
	pointers map[string]memoryPointer
}

type memoryPointer struct {
	Pointer
	lastResetToken string
}

// NewMemory creates an empty directory.
func NewMemory(opts Options) *Memory {
	return &Memory{opts: opts, pointers: make(map[string]memoryPointer)}
}

func (m *Memory) Resolve(_ context.Context, userID, mode string) (Pointer, error) {
	if userID == "" {
		return Pointer{}, ErrEmptyUser
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pointers[userID]
	if !ok {
		id, at := m.opts.newSessionID(userID)
		p.Pointer = Pointer{UserID: userID, BotMode: m.opts.DefaultMode, ActiveSessionID: id, ActiveSessionCreatedAt: at, Version: 1}
		if mode != "" {
			p.BotMode = mode
		}
	} else if mode != "" && mode != p.BotMode {
		p.BotMode = mode
		p.Version++
	}
	m.pointers[userID] = p
	return p.Pointer, nil
}

func (m *Memory) SetMode(ctx context.Context, userID, mode string) (Pointer, error) {
	if strings.TrimSpace(mode) == "" {
		return Pointer{}, ErrEmptyMode
	}
	return m.Resolve(ctx, userID, mode)
}

func (m *Memory) Reset(_ context.Context, userID, token string) (Pointer, error) {
	if userID == "" {
		return Pointer{}, ErrEmptyUser
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pointers[userID]
	if ok && token != "" && token == p.lastResetToken {
		return p.Pointer, nil
	}
	id, at := m.opts.newSessionID(userID)
	if !ok {
		p.Pointer = Pointer{UserID: userID, BotMode: m.opts.DefaultMode}
	}
	p.ActiveSessionID = id
	p.ActiveSessionCreatedAt = at
	p.Version++
	p.lastResetToken = token
	m.pointers[userID] = p
	return p.Pointer, nil
}

func (m *Memory) Close() error { return nil }
