// Package strategy defines the capability interface trading strategies implement and the
// registry the engine polls them through.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/livecore/internal/schema"
)

// ErrUnknownStrategy is returned for names that are not registered.
var ErrUnknownStrategy = errors.New("strategy not registered")

// Strategy turns market data into order intents. Implementations are called from one
// goroutine at a time per instance.
type Strategy interface {
	Name() string
	Warmup(ctx context.Context, bars []schema.Bar) error
	OnBar(ctx context.Context, bar schema.Bar) ([]schema.OrderIntent, error)
	OnTimer(ctx context.Context, now time.Time) ([]schema.OrderIntent, error)
}

// Closer is implemented by strategies holding resources released on replacement or removal.
type Closer interface {
	Close()
}

// Entry is one registered strategy and its execution mode.
type Entry struct {
	Strategy     Strategy
	Mode         schema.StrategyMode
	Symbols      []string
	Timeframe    time.Duration
	RegisteredAt time.Time
}

// Name returns the registered strategy name.
func (e Entry) Name() string {
	return e.Strategy.Name()
}

// Wants reports whether the entry consumes bars of symbol at timeframe.
func (e Entry) Wants(symbol string, timeframe time.Duration) bool {
	if e.Timeframe != 0 && e.Timeframe != timeframe {
		return false
	}
	if len(e.Symbols) == 0 {
		return true
	}
	for _, s := range e.Symbols {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}

// Registry maps strategy names to entries. Readers see an immutable snapshot; every write
// builds a new map and swaps it in.
type Registry struct {
	mu      sync.Mutex
	entries atomic.Pointer[map[string]Entry]
	clock   func() time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	r := &Registry{clock: time.Now}
	empty := map[string]Entry{}
	r.entries.Store(&empty)
	return r
}

// Register adds or atomically replaces a strategy. The replaced instance, if any, is closed.
func (r *Registry) Register(s Strategy, mode schema.StrategyMode, symbols []string, timeframe time.Duration) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("register strategy: nil strategy")
	}
	name := normalise(s.Name())
	if name == "" {
		return false, fmt.Errorf("register strategy: name required")
	}
	if _, err := schema.ParseStrategyMode(string(mode)); err != nil {
		return false, fmt.Errorf("register strategy %s: %w", name, err)
	}
	upper := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			upper = append(upper, sym)
		}
	}

	r.mu.Lock()
	next := r.copyLocked()
	previous, replaced := next[name]
	next[name] = Entry{Strategy: s, Mode: mode, Symbols: upper, Timeframe: timeframe, RegisteredAt: r.clock().UTC()}
	r.entries.Store(&next)
	r.mu.Unlock()

	if replaced && previous.Strategy != s {
		closeStrategy(previous.Strategy)
	}
	return replaced, nil
}

// SetMode changes the mode of a registered strategy and returns the previous mode.
func (r *Registry) SetMode(name string, mode schema.StrategyMode) (schema.StrategyMode, error) {
	if _, err := schema.ParseStrategyMode(string(mode)); err != nil {
		return "", err
	}
	key := normalise(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.copyLocked()
	entry, ok := next[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	previous := entry.Mode
	entry.Mode = mode
	next[key] = entry
	r.entries.Store(&next)
	return previous, nil
}

// SetModes moves every strategy for which include returns true to mode and returns the
// names changed.
func (r *Registry) SetModes(mode schema.StrategyMode, include func(Entry) bool) ([]string, error) {
	if _, err := schema.ParseStrategyMode(string(mode)); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.copyLocked()
	var changed []string
	for name, entry := range next {
		if include != nil && !include(entry) {
			continue
		}
		if entry.Mode == mode {
			continue
		}
		entry.Mode = mode
		next[name] = entry
		changed = append(changed, name)
	}
	r.entries.Store(&next)
	sort.Strings(changed)
	return changed, nil
}

// Remove unregisters and closes a strategy.
func (r *Registry) Remove(name string) error {
	key := normalise(name)
	r.mu.Lock()
	next := r.copyLocked()
	entry, ok := next[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	delete(next, key)
	r.entries.Store(&next)
	r.mu.Unlock()

	closeStrategy(entry.Strategy)
	return nil
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (Entry, bool) {
	entry, ok := (*r.entries.Load())[normalise(name)]
	return entry, ok
}

// Mode returns the mode of name, or disabled when unknown.
func (r *Registry) Mode(name string) (schema.StrategyMode, bool) {
	entry, ok := r.Get(name)
	if !ok {
		return schema.ModeDisabled, false
	}
	return entry.Mode, true
}

// Snapshot returns every entry ordered by name.
func (r *Registry) Snapshot() []Entry {
	current := *r.entries.Load()
	out := make([]Entry, 0, len(current))
	for _, entry := range current {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Active counts strategies that are not disabled.
func (r *Registry) Active() int {
	n := 0
	for _, entry := range *r.entries.Load() {
		if entry.Mode != schema.ModeDisabled {
			n++
		}
	}
	return n
}

// Close closes every registered strategy.
func (r *Registry) Close() {
	for _, entry := range r.Snapshot() {
		closeStrategy(entry.Strategy)
	}
}

func (r *Registry) copyLocked() map[string]Entry {
	current := *r.entries.Load()
	next := make(map[string]Entry, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	return next
}

func normalise(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func closeStrategy(s Strategy) {
	if c, ok := s.(Closer); ok {
		c.Close()
	}
}
