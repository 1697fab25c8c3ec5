package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/livecore/errs"
)

func TestPoolRunsQueuedTasksOnShutdown(t *testing.T) {
	pool, err := NewPool(2, 16, nil)
	require.NoError(t, err)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			time.Sleep(time.Millisecond)
			ran.Add(1)
			return nil
		}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	require.Equal(t, int32(10), ran.Load())

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.Is(err, errs.CodeUnavailable), "expected unavailable after close, got %v", err)
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []error
	)
	pool, err := NewPool(1, 4, func(err error) {
		mu.Lock()
		seen = append(seen, err)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { panic("kaboom") }))
	require.NoError(t, pool.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
}

func TestPoolRejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	pool, err := NewPool(1, 0, nil)
	require.NoError(t, err)
	defer func() {
		close(block)
		_ = pool.Shutdown(context.Background())
	}()
	started := make(chan struct{})
	go func() {
		for {
			err := pool.Submit(context.Background(), func(context.Context) error {
				close(started)
				<-block
				return nil
			})
			if err == nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	<-started
	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.Is(err, errs.CodeUnavailable), "expected capacity error, got %v", err)
}

func TestNewPoolValidatesWorkers(t *testing.T) {
	_, err := NewPool(0, 1, nil)
	require.True(t, errs.Is(err, errs.CodeInvalid), "expected invalid error, got %v", err)
}

func TestKeyedGuardSerialisesSameKey(t *testing.T) {
	g := NewKeyedGuard()
	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Do(context.Background(), "SPY", func(context.Context) error {
				n := active.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxSeen.Load(), "expected exclusive execution")
	require.Zero(t, g.Len(), "expected slots released")
}

func TestKeyedGuardAllowsDifferentKeysConcurrently(t *testing.T) {
	g := NewKeyedGuard()
	inside := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go func() {
		_ = g.Do(context.Background(), "SPY", func(context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	var done atomic.Bool
	go func() {
		_ = g.Do(context.Background(), "QQQ", func(context.Context) error { return nil })
		done.Store(true)
	}()
	require.Eventually(t, done.Load, time.Second, 5*time.Millisecond, "different key blocked behind SPY")
}

func TestKeyedGuardHonoursContext(t *testing.T) {
	g := NewKeyedGuard()
	release := make(chan struct{})
	inside := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), "SPY", func(context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := g.Do(ctx, "SPY", func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
