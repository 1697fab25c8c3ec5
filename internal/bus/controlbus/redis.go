package controlbus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/schema"
)

// RedisConfig configures a Redis pub/sub bus.
type RedisConfig struct {
	Channel    string
	BufferSize int
	// MaxSubscribeTries bounds the initial SUBSCRIBE confirmation attempts.
	MaxSubscribeTries uint
}

// RedisBus publishes JSON-encoded commands on a Redis channel. Malformed payloads are
// logged and skipped so one bad publisher cannot stop a subscriber.
type RedisBus struct {
	client *redis.Client
	cfg    RedisConfig
	logger *zap.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus wraps client. The caller owns the client's lifetime.
func NewRedisBus(client *redis.Client, cfg RedisConfig, logger *zap.Logger) *RedisBus {
	if strings.TrimSpace(cfg.Channel) == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.MaxSubscribeTries == 0 {
		cfg.MaxSubscribeTries = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, cfg: cfg, logger: logger}
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, cmd schema.Command) (int, error) {
	const op = "controlbus/redis.publish"
	if err := validate(op, cmd); err != nil {
		return 0, err
	}
	payload, err := schema.EncodeCommand(cmd)
	if err != nil {
		return 0, errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	n, err := b.client.Publish(ctx, b.cfg.Channel, payload).Result()
	if err != nil {
		return 0, errs.Connectivity(op, err)
	}
	return int(n), nil
}

// Subscribe implements Bus. go-redis re-establishes the subscription after connection
// loss; the initial confirmation is retried with backoff.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan schema.Command, error) {
	const op = "controlbus/redis.subscribe"
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	b.mu.Unlock()

	pubsub, err := backoff.Retry(ctx, func() (*redis.PubSub, error) {
		ps := b.client.Subscribe(ctx, b.cfg.Channel)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		return ps, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(b.cfg.MaxSubscribeTries))
	if err != nil {
		return nil, errs.Connectivity(op, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	out := make(chan schema.Command, b.cfg.BufferSize)
	go b.pump(ctx, pubsub, out)
	return out, nil
}

func (b *RedisBus) pump(ctx context.Context, pubsub *redis.PubSub, out chan<- schema.Command) {
	defer close(out)
	defer b.release(pubsub)
	messages := pubsub.Channel(redis.WithChannelSize(b.cfg.BufferSize))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			cmd, err := schema.DecodeCommand([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("discarding malformed command", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			select {
			case out <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *RedisBus) release(pubsub *redis.PubSub) {
	b.mu.Lock()
	for i, ps := range b.subs {
		if ps == pubsub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	if err := pubsub.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		b.logger.Debug("close subscription", zap.Error(err))
	}
}

// Close ends every subscription. It does not close the client.
func (b *RedisBus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := append([]*redis.PubSub(nil), b.subs...)
	b.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
}
