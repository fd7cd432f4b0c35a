package node

import (
	"errors"
	"fmt"
	"io"

	"github.com/benbjohnson/clock"

	"github.com/baderanaas/gossipnet/pkg/gossip"
	"github.com/baderanaas/gossipnet/pkg/swarm"
	"github.com/baderanaas/gossipnet/pkg/transport"
	"github.com/baderanaas/gossipnet/pkg/upgrader"
)

const (
	DefaultListenAddr = "/ip4/0.0.0.0/tcp/0/ws"
	DefaultTopic      = "rnges.us"
)

// Config holds configuration for a node
type Config struct {
	// IdentityDir persists the node key. Empty means a fresh identity per run.
	IdentityDir string
	// HistoryDir enables the message journal.
	HistoryDir string

	ListenAddrs []string
	// Dial is an optional peer address to connect to on start.
	Dial string
	// Topic receives every line of operator input.
	Topic string

	// Input is the operator's line stream. Nil runs the node non-interactively.
	Input io.Reader

	// OnMessage is called on the loop goroutine for every delivered message.
	OnMessage func(msg *gossip.Message)

	Transport transport.Options
	Upgrader  upgrader.Config
	Swarm     swarm.Config
	Gossip    gossip.Params

	Clock clock.Clock
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.ListenAddrs == nil {
		c.ListenAddrs = []string{DefaultListenAddr}
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	c.Upgrader.SetDefaults()
	c.Gossip.SetDefaults()
	if c.Swarm.MaxMessageSize == 0 {
		c.Swarm.MaxMessageSize = c.Gossip.MaxMessageSize
	}
	c.Swarm.SetDefaults()
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Topic == "" {
		return errors.New("topic cannot be empty")
	}
	for _, addr := range c.ListenAddrs {
		if _, err := transport.ParseAddr(addr); err != nil {
			return fmt.Errorf("invalid listen address: %w", err)
		}
	}
	if err := c.Upgrader.Validate(); err != nil {
		return fmt.Errorf("upgrader config: %w", err)
	}
	if err := c.Gossip.Validate(); err != nil {
		return fmt.Errorf("gossip params: %w", err)
	}
	if err := c.Swarm.Validate(); err != nil {
		return fmt.Errorf("swarm config: %w", err)
	}
	return nil
}
