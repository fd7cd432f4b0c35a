package swarm

import (
	"errors"

	"github.com/baderanaas/gossipnet/pkg/gossip"
)

const (
	DefaultQueueSize   = 64
	DefaultEventBuffer = 256
)

// Config holds configuration for the swarm
type Config struct {
	// QueueSize bounds the outbound RPC queue of each link.
	QueueSize int
	// EventBuffer is the capacity of the events channel.
	EventBuffer    int
	MaxMessageSize int
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = gossip.DefaultMaxMessageSize
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.QueueSize <= 0 {
		return errors.New("queue size must be positive")
	}
	if c.EventBuffer <= 0 {
		return errors.New("event buffer must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("max message size must be positive")
	}
	return nil
}
