package node

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/baderanaas/gossipnet/pkg/swarm"
)

// tasks is the work the loop schedules. Node implements it.
type tasks interface {
	publish(line string)
	handleEvent(ev swarm.Event)
	heartbeat()
	listenAddrs() []ma.Multiaddr
	reportListenAddr(addr ma.Multiaddr)
}

// Loop is the single goroutine that owns the overlay and the connection table.
// Each Tick runs, in order: pending operator input, the network events ready
// at that moment, then housekeeping (heartbeat when due, new listen addresses).
type Loop struct {
	tasks    tasks
	input    <-chan string
	inputErr func() error
	events   <-chan swarm.Event
	ticker   *clock.Ticker

	// Values taken off a channel while waiting, handled first by the next Tick.
	heldLines  []string
	heldEvent  *swarm.Event
	inputEnded bool

	heartbeatDue bool
	announced    map[string]struct{}
}

// newLoop builds a loop. input may be nil for non-interactive nodes.
func newLoop(t tasks, input <-chan string, inputErr func() error, events <-chan swarm.Event, clk clock.Clock, interval time.Duration) *Loop {
	return &Loop{
		tasks:     t,
		input:     input,
		inputErr:  inputErr,
		events:    events,
		ticker:    clk.Ticker(interval),
		announced: make(map[string]struct{}),
	}
}

// Run waits for input, events or the heartbeat timer and ticks after every
// wake-up. It returns nil when ctx is done, or a *FatalInputError.
func (l *Loop) Run(ctx context.Context) error {
	defer l.ticker.Stop()
	for {
		if err := l.Tick(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-l.input:
			if !ok {
				l.inputEnded = true
				continue
			}
			l.heldLines = append(l.heldLines, line)
		case ev := <-l.events:
			l.heldEvent = &ev
		case <-l.ticker.C:
			l.heartbeatDue = true
		}
	}
}

// Tick does one round of work without blocking.
func (l *Loop) Tick() error {
	if err := l.drainInput(); err != nil {
		return err
	}
	l.drainEvents()
	l.housekeeping()
	return nil
}

func (l *Loop) drainInput() error {
	for _, line := range l.heldLines {
		l.tasks.publish(line)
	}
	l.heldLines = l.heldLines[:0]

drain:
	for l.input != nil && !l.inputEnded {
		select {
		case line, ok := <-l.input:
			if !ok {
				l.inputEnded = true
				continue
			}
			l.tasks.publish(line)
		default:
			break drain
		}
	}

	if l.inputEnded {
		var err error
		if l.inputErr != nil {
			err = l.inputErr()
		}
		return &FatalInputError{Err: err}
	}
	return nil
}

// drainEvents handles only what is queued now, so a busy network cannot
// starve input and housekeeping.
func (l *Loop) drainEvents() {
	if l.heldEvent != nil {
		ev := *l.heldEvent
		l.heldEvent = nil
		l.tasks.handleEvent(ev)
	}
	for n := len(l.events); n > 0; n-- {
		l.tasks.handleEvent(<-l.events)
	}
}

func (l *Loop) housekeeping() {
	select {
	case <-l.ticker.C:
		l.heartbeatDue = true
	default:
	}
	if l.heartbeatDue {
		l.heartbeatDue = false
		l.tasks.heartbeat()
	}

	for _, addr := range l.tasks.listenAddrs() {
		key := addr.String()
		if _, ok := l.announced[key]; ok {
			continue
		}
		l.announced[key] = struct{}{}
		l.tasks.reportListenAddr(addr)
	}
}
