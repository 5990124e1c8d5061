package router

import (
	"context"
	"sync"
)

// lanes serializes work per key. Each key gets a one-slot semaphore that is
// dropped once nobody holds or waits for it.
type lanes struct {
	mu sync.Mutex
	m  map[string]*lane
}

type lane struct {
	sem  chan struct{}
	refs int
}

func newLanes() *lanes {
	return &lanes{m: make(map[string]*lane)}
}

// acquire blocks until key is free or ctx is done. The returned func
// releases the lane and must be called exactly once.
func (l *lanes) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ln, ok := l.m[key]
	if !ok {
		ln = &lane{sem: make(chan struct{}, 1)}
		l.m[key] = ln
	}
	ln.refs++
	l.mu.Unlock()

	select {
	case ln.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-ln.sem
				l.unref(key, ln)
			})
		}, nil
	case <-ctx.Done():
		l.unref(key, ln)
		return nil, ctx.Err()
	}
}

func (l *lanes) unref(key string, ln *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln.refs--
	if ln.refs == 0 {
		delete(l.m, key)
	}
}

func (l *lanes) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
