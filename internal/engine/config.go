package engine

import (
	"fmt"

	"github.com/manpreetbhatti/bubbles/internal/color"
	"github.com/manpreetbhatti/bubbles/internal/protocol"
)

type Config struct {
	// MaxPending caps the events in flight to a single connection.
	MaxPending int
	// ContainerLimit caps the stubs of one catch-up batch.
	ContainerLimit int
	Colors         color.Config
}

func DefaultConfig() Config {
	return Config{
		MaxPending:     2048,
		ContainerLimit: protocol.ContainerLimit,
		Colors:         color.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.MaxPending <= 0 {
		return fmt.Errorf("engine: max pending must be positive, got %d", c.MaxPending)
	}
	if c.ContainerLimit <= 0 || c.ContainerLimit > protocol.ContainerLimit {
		return fmt.Errorf("engine: container limit %d out of range 1..%d", c.ContainerLimit, protocol.ContainerLimit)
	}
	if err := c.Colors.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}
