package async

import (
	"context"
	"fmt"
	"sync"
)

// KeyedGuard runs functions sequentially per key while different keys proceed concurrently.
// The engine holds a symbol's guard across the whole risk-check-then-place sequence.
type KeyedGuard struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

// NewKeyedGuard constructs an empty guard.
func NewKeyedGuard() *KeyedGuard {
	return &KeyedGuard{slots: make(map[string]*slot)}
}

// Do waits for exclusive use of key, then runs fn. Waiting aborts when ctx ends.
func (g *KeyedGuard) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	s := g.acquireRef(key)
	defer g.releaseRef(key, s)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("keyed guard %s: %w", key, ctx.Err())
	}
	defer func() { <-s.sem }()
	return fn(ctx)
}

// Len reports how many keys are currently held or awaited.
func (g *KeyedGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}

func (g *KeyedGuard) acquireRef(key string) *slot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		g.slots[key] = s
	}
	s.refs++
	return s
}

func (g *KeyedGuard) releaseRef(key string, s *slot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(g.slots, key)
	}
}
