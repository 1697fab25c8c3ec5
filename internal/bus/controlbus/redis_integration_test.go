//go:build integration

package controlbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/livecore/internal/schema"
)

func TestRedisBusRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
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
	defer func() { _ = container.Terminate(context.Background()) }()
	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "6379/tcp")
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer client.Close()

	bus := NewRedisBus(client, RedisConfig{}, nil)
	defer bus.Close()
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// A malformed payload must not stop the subscriber.
	if err := client.Publish(ctx, DefaultChannel, "{not json").Err(); err != nil {
		t.Fatalf("raw publish: %v", err)
	}
	cmd := schema.NewCommand(schema.CommandEmergencyStop, time.Now())
	cmd.Reason = "manual"
	cmd.Flatten = true
	n, err := bus.Publish(ctx, cmd)
	if err != nil || n != 1 {
		t.Fatalf("publish: n=%d err=%v", n, err)
	}
	select {
	case got := <-ch:
		if got.Type != schema.CommandEmergencyStop || !got.Flatten || got.Reason != "manual" {
			t.Fatalf("unexpected command %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for command")
	}
}
