package controlbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/schema"
)

// MemoryBus is an in-process bus backed by bounded channels.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	consumers []*consumer
	once      sync.Once
}

type consumer struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan schema.Command
	mu     sync.Mutex
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{cfg: cfg.normalize(), ctx: ctx, cancel: cancel}
}

// Publish fans cmd out to every subscriber. A subscriber whose queue is full misses the
// command and the publish reports an unavailable error after delivering to the rest.
func (b *MemoryBus) Publish(ctx context.Context, cmd schema.Command) (int, error) {
	const op = "controlbus/publish"
	if err := validate(op, cmd); err != nil {
		return 0, err
	}
	if b.ctx.Err() != nil {
		return 0, errs.New(op, errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("publish context: %w", err)
	}

	b.mu.RLock()
	consumers := append([]*consumer(nil), b.consumers...)
	b.mu.RUnlock()

	delivered, dropped := 0, 0
	for _, con := range consumers {
		if con.offer(cmd) {
			delivered++
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		return delivered, errs.New(op, errs.CodeUnavailable,
			errs.WithMessage("subscriber queue full"),
			errs.WithField("dropped", fmt.Sprint(dropped)))
	}
	return delivered, nil
}

// Subscribe registers a subscriber with a bounded queue.
func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan schema.Command, error) {
	if b.ctx.Err() != nil {
		return nil, errs.New("controlbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	ctx, cancel := context.WithCancel(ctx)
	con := &consumer{ctx: ctx, cancel: cancel, ch: make(chan schema.Command, b.cfg.BufferSize)}

	b.mu.Lock()
	b.consumers = append(b.consumers, con)
	b.mu.Unlock()

	go b.observe(con)
	return con.ch, nil
}

// Close shuts down the bus and closes every subscription.
func (b *MemoryBus) Close() {
	b.once.Do(func() {
		b.cancel()
		b.mu.Lock()
		for _, con := range b.consumers {
			con.close()
		}
		b.consumers = nil
		b.mu.Unlock()
	})
}

func (b *MemoryBus) observe(con *consumer) {
	select {
	case <-con.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, candidate := range b.consumers {
		if candidate == con {
			b.consumers = append(b.consumers[:i], b.consumers[i+1:]...)
			break
		}
	}
	con.close()
}

func (c *consumer) offer(cmd schema.Command) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- cmd:
		return true
	default:
		return false
	}
}

func (c *consumer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	close(c.ch)
}

func errInvalid(op, msg string) error {
	return errs.New(op, errs.CodeInvalid, errs.WithMessage(msg))
}
