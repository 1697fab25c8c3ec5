package controlbus

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/schema"
)

func TestMemoryBusPublishWithoutSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()
	n, err := bus.Publish(context.Background(), schema.NewCommand(schema.CommandFlattenAll, time.Now()))
	if err != nil || n != 0 {
		t.Fatalf("publish: n=%d err=%v", n, err)
	}
}

func TestMemoryBusRejectsEmptyType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()
	if _, err := bus.Publish(context.Background(), schema.Command{}); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestMemoryBusFansOut(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	defer bus.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	b, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	cmd := schema.NewCommand(schema.CommandTradingEnabled, time.Now())
	enabled := true
	cmd.Enabled = &enabled
	n, err := bus.Publish(ctx, cmd)
	if err != nil || n != 2 {
		t.Fatalf("publish: n=%d err=%v", n, err)
	}
	for _, ch := range []<-chan schema.Command{a, b} {
		select {
		case got := <-ch:
			if got.MessageID != cmd.MessageID || got.Enabled == nil || !*got.Enabled {
				t.Fatalf("unexpected command %+v", got)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for command")
		}
	}
}

func TestMemoryBusFullQueueReported(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1})
	defer bus.Close()
	if _, err := bus.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ctx := context.Background()
	if _, err := bus.Publish(ctx, schema.NewCommand(schema.CommandCancelAllOrders, time.Now())); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if _, err := bus.Publish(ctx, schema.NewCommand(schema.CommandCancelAllOrders, time.Now())); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestMemoryBusSubscriptionClosesWithContext(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	ch, _ := bus.Subscribe(context.Background())
	bus.Close()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if _, err := bus.Publish(context.Background(), schema.NewCommand(schema.CommandFlattenAll, time.Now())); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable after close, got %v", err)
	}
}
