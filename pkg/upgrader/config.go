package upgrader

import (
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/protocol"
	yamux "github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	mplex "github.com/libp2p/go-libp2p-mplex"
)

// DefaultTimeout bounds the whole security and multiplexer negotiation.
const DefaultTimeout = 20 * time.Second

// Config holds configuration for the connection upgrader.
// Security and Muxers are in preference order.
type Config struct {
	Timeout  time.Duration
	Security []protocol.ID
	Muxers   []protocol.ID
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if len(c.Security) == 0 {
		c.Security = []protocol.ID{noise.ID, libp2ptls.ID}
	}
	if len(c.Muxers) == 0 {
		c.Muxers = []protocol.ID{yamux.ID, mplex.ID}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.New("upgrade timeout must be positive")
	}
	for _, id := range c.Security {
		if id != noise.ID && id != libp2ptls.ID {
			return fmt.Errorf("unsupported security protocol: %s", id)
		}
	}
	for _, id := range c.Muxers {
		if id != yamux.ID && id != mplex.ID {
			return fmt.Errorf("unsupported multiplexer: %s", id)
		}
	}
	return nil
}
