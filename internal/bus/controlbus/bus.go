// Package controlbus carries operator and controller commands to engines over a
// publish/subscribe channel.
package controlbus

import (
	"context"

	"github.com/coachpo/livecore/internal/schema"
)

// DefaultChannel is the channel engines subscribe to.
const DefaultChannel = "engine:commands"

// Bus distributes commands to every current subscriber.
type Bus interface {
	// Publish delivers cmd and returns the number of subscribers that received it.
	Publish(ctx context.Context, cmd schema.Command) (int, error)
	// Subscribe returns a channel closed when ctx ends or the bus closes.
	Subscribe(ctx context.Context) (<-chan schema.Command, error)
	Close()
}

// MemoryConfig configures the in-memory bus buffer sizing.
type MemoryConfig struct {
	BufferSize int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	return c
}

func validate(op string, cmd schema.Command) error {
	if cmd.Type == "" {
		return errInvalid(op, "command type required")
	}
	return nil
}
