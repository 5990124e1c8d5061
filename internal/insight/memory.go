package insight

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory keeps insights in process memory.
type Memory struct {
	mu    sync.Mutex
	items []Insight
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) Add(_ context.Context, in Insight) (Insight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, err := prepare(in, m.now())
	if err != nil {
		return Insight{}, err
	}
	m.items = append(m.items, in)
	return in, nil
}

func (m *Memory) List(_ context.Context, q Query) ([]Insight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return selectNewest(m.items, q), nil
}

// selectNewest filters items by q and returns at most q.limit() of them,
// newest first.
func selectNewest(items []Insight, q Query) []Insight {
	var out []Insight
	for _, in := range items {
		if q.matches(in) {
			out = append(out, in)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > q.limit() {
		out = out[:q.limit()]
	}
	return out
}
