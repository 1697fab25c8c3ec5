//go:build integration

package statestore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStore(t *testing.T) {
	store := NewRedis(startRedis(t))
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Set(ctx, KeyMarketOpen, "true", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, err := store.Get(ctx, KeyMarketOpen); err != nil || v != "true" {
		t.Fatalf("get: %q %v", v, err)
	}
	for _, v := range []string{"1", "2", "3"} {
		if err := store.Push(ctx, KeyAuditLog, v, 2); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	got, err := store.Range(ctx, KeyAuditLog, 0)
	if err != nil || len(got) != 2 || got[0] != "3" {
		t.Fatalf("range: %v %v", got, err)
	}

	if err := store.Delete(ctx, KeyMarketOpen, KeyAuditLog, "missing"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, KeyMarketOpen); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted value gone, got %v", err)
	}
	if n, err := store.Len(ctx, KeyAuditLog); err != nil || n != 0 {
		t.Fatalf("expected deleted list empty, got %d %v", n, err)
	}
	if err := store.Delete(ctx); err != nil {
		t.Fatalf("empty delete: %v", err)
	}
}
