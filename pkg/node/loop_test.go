package node

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/baderanaas/gossipnet/pkg/swarm"
)

const testInterval = 10 * time.Second

// recordingTasks logs every call the loop makes, in order.
type recordingTasks struct {
	mu    sync.Mutex
	calls []string
	addrs []ma.Multiaddr

	// onEvent runs inside handleEvent, e.g. to enqueue follow-up events.
	onEvent func(ev swarm.Event)
}

func (r *recordingTasks) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingTasks) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.calls
	r.calls = nil
	return out
}

func (r *recordingTasks) has(call string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (r *recordingTasks) publish(line string) { r.record("publish:" + line) }

func (r *recordingTasks) handleEvent(ev swarm.Event) {
	r.record("event:" + ev.Kind.String())
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

func (r *recordingTasks) heartbeat() { r.record("heartbeat") }

func (r *recordingTasks) listenAddrs() []ma.Multiaddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addrs
}

func (r *recordingTasks) reportListenAddr(addr ma.Multiaddr) { r.record("listen:" + addr.String()) }

type loopHarness struct {
	loop   *Loop
	tasks  *recordingTasks
	input  chan string
	events chan swarm.Event
	clock  *clock.Mock
}

func newLoopHarness(t *testing.T, interactive bool) *loopHarness {
	t.Helper()
	h := &loopHarness{
		tasks:  &recordingTasks{},
		events: make(chan swarm.Event, 16),
		clock:  clock.NewMock(),
	}
	var input <-chan string
	if interactive {
		h.input = make(chan string, 16)
		input = h.input
	}
	h.loop = newLoop(h.tasks, input, func() error { return io.EOF }, h.events, h.clock, testInterval)
	t.Cleanup(h.loop.ticker.Stop)
	return h
}

func TestTickPriorityOrder(t *testing.T) {
	h := newLoopHarness(t, true)
	h.tasks.addrs = []ma.Multiaddr{ma.StringCast("/ip4/127.0.0.1/tcp/4001/ws")}

	// Queue work for every stage before the tick, in reverse priority order.
	h.clock.Add(testInterval)
	h.events <- swarm.Event{Kind: swarm.Connected}
	h.events <- swarm.Event{Kind: swarm.Message}
	h.input <- "first"
	h.input <- "second"

	require.NoError(t, h.loop.Tick())
	require.Equal(t, []string{
		"publish:first",
		"publish:second",
		"event:connected",
		"event:message",
		"heartbeat",
		"listen:/ip4/127.0.0.1/tcp/4001/ws",
	}, h.tasks.take())
}

func TestTickReportsListenAddrsOnce(t *testing.T) {
	h := newLoopHarness(t, false)
	first := ma.StringCast("/ip4/127.0.0.1/tcp/4001/ws")
	h.tasks.addrs = []ma.Multiaddr{first}

	require.NoError(t, h.loop.Tick())
	require.NoError(t, h.loop.Tick())
	require.Equal(t, []string{"listen:" + first.String()}, h.tasks.take())

	second := ma.StringCast("/ip4/127.0.0.1/tcp/4002")
	h.tasks.addrs = []ma.Multiaddr{first, second}
	require.NoError(t, h.loop.Tick())
	require.Equal(t, []string{"listen:" + second.String()}, h.tasks.take())
}

func TestTickDrainsOnlyReadyEvents(t *testing.T) {
	h := newLoopHarness(t, false)
	h.tasks.onEvent = func(ev swarm.Event) {
		if ev.Kind == swarm.Connected {
			h.events <- swarm.Event{Kind: swarm.Message}
		}
	}
	h.events <- swarm.Event{Kind: swarm.Connected}

	require.NoError(t, h.loop.Tick())
	require.Equal(t, []string{"event:connected"}, h.tasks.take(), "events arriving during the tick wait for the next one")

	require.NoError(t, h.loop.Tick())
	require.Equal(t, []string{"event:message"}, h.tasks.take())
}

func TestTickHeartbeatOnlyWhenDue(t *testing.T) {
	h := newLoopHarness(t, false)

	require.NoError(t, h.loop.Tick())
	require.Empty(t, h.tasks.take())

	h.clock.Add(testInterval)
	require.NoError(t, h.loop.Tick())
	require.Equal(t, []string{"heartbeat"}, h.tasks.take())

	require.NoError(t, h.loop.Tick())
	require.Empty(t, h.tasks.take())
}

func TestTickInputClosedIsFatal(t *testing.T) {
	h := newLoopHarness(t, true)
	h.input <- "last words"
	close(h.input)

	err := h.loop.Tick()
	var fatal *FatalInputError
	require.ErrorAs(t, err, &fatal)
	require.ErrorIs(t, err, io.EOF)
	require.True(t, IsFatal(err))
	require.Equal(t, []string{"publish:last words"}, h.tasks.take(), "lines before the end are still published")
}

func TestTickNonInteractiveHasNoInput(t *testing.T) {
	h := newLoopHarness(t, false)
	require.NoError(t, h.loop.Tick())
	require.NoError(t, h.loop.Tick())
}

func TestRunWakesOnEverySource(t *testing.T) {
	h := newLoopHarness(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	h.input <- "typed"
	require.Eventually(t, func() bool { return h.tasks.has("publish:typed") }, 5*time.Second, 10*time.Millisecond)

	h.events <- swarm.Event{Kind: swarm.Disconnected}
	require.Eventually(t, func() bool { return h.tasks.has("event:disconnected") }, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		h.clock.Add(testInterval)
		return h.tasks.has("heartbeat")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is a normal shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunStopsOnFatalInput(t *testing.T) {
	h := newLoopHarness(t, true)

	done := make(chan error, 1)
	go func() { done <- h.loop.Run(context.Background()) }()
	close(h.input)

	select {
	case err := <-done:
		var fatal *FatalInputError
		require.True(t, errors.As(err, &fatal))
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept going without its input")
	}
}
