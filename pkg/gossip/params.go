package gossip

import (
	"errors"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultSeenCapacity      = 100000
	DefaultPendingLimit      = 128
	DefaultMaxProtocolErrors = 8
	DefaultMaxMessageSize    = 1 << 20
)

// Params holds the overlay tunables. Mesh degrees follow the gossipsub defaults.
type Params struct {
	// D is the target mesh degree; Dlo and Dhi bound it before the heartbeat
	// grafts or prunes.
	D   int
	Dlo int
	Dhi int

	HeartbeatInterval time.Duration

	SeenTTL      time.Duration
	SeenCapacity int

	// PendingLimit caps the messages queued per topic while no peer is reachable.
	PendingLimit int

	// MaxProtocolErrors is the number of malformed RPCs tolerated before a peer
	// is disconnected.
	MaxProtocolErrors int

	MaxMessageSize int
}

// DefaultParams returns the default overlay parameters.
func DefaultParams() Params {
	p := Params{}
	p.SetDefaults()
	return p
}

// SetDefaults sets sensible default values for unset fields
func (p *Params) SetDefaults() {
	gs := pubsub.DefaultGossipSubParams()
	if p.D == 0 {
		p.D = gs.D
	}
	if p.Dlo == 0 {
		p.Dlo = gs.Dlo
	}
	if p.Dhi == 0 {
		p.Dhi = gs.Dhi
	}
	if p.HeartbeatInterval == 0 {
		p.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if p.SeenTTL == 0 {
		p.SeenTTL = pubsub.TimeCacheDuration
	}
	if p.SeenCapacity == 0 {
		p.SeenCapacity = DefaultSeenCapacity
	}
	if p.PendingLimit == 0 {
		p.PendingLimit = DefaultPendingLimit
	}
	if p.MaxProtocolErrors == 0 {
		p.MaxProtocolErrors = DefaultMaxProtocolErrors
	}
	if p.MaxMessageSize == 0 {
		p.MaxMessageSize = DefaultMaxMessageSize
	}
}

// Validate checks if the parameters are consistent
func (p *Params) Validate() error {
	if p.D <= 0 || p.Dlo <= 0 || p.Dhi <= 0 {
		return errors.New("mesh degrees must be positive")
	}
	if p.Dlo > p.D || p.D > p.Dhi {
		return fmt.Errorf("mesh degrees must satisfy Dlo <= D <= Dhi, got %d/%d/%d", p.Dlo, p.D, p.Dhi)
	}
	if p.HeartbeatInterval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if p.SeenTTL <= 0 || p.SeenCapacity <= 0 {
		return errors.New("seen cache horizon and capacity must be positive")
	}
	if p.PendingLimit <= 0 {
		return errors.New("pending limit must be positive")
	}
	if p.MaxProtocolErrors <= 0 {
		return errors.New("max protocol errors must be positive")
	}
	if p.MaxMessageSize <= 0 {
		return errors.New("max message size must be positive")
	}
	return nil
}
