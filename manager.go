// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package butler

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/creachadair/butler/transport"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// A Manager owns a set of channels, polls them for input, and keeps a queue
// of deferred work to run between polls.
//
// A Manager is not safe for concurrent use. One goroutine should own the
// manager and drive it with [Manager.Step] or [Manager.Run].
type Manager struct {
	// Logger receives event loop diagnostics. If nil, logging is discarded.
	Logger *zap.Logger

	tctx       transport.Context
	channels   map[int]*Channel
	poller     *transport.Poller
	registered mapset.Set[*Channel]
	deferred   *queue.Queue[func()]
}

// NewManager constructs a manager that creates sockets with tctx.
func NewManager(tctx transport.Context) *Manager {
	return &Manager{
		tctx:       tctx,
		channels:   make(map[int]*Channel),
		poller:     transport.NewPoller(),
		registered: mapset.New[*Channel](),
		deferred:   queue.New[func()](),
	}
}

func (m *Manager) log() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

// uniqueKey returns the smallest positive integer that is not a key of v.
func uniqueKey[V any](v map[int]V) int {
	i := 1
	for {
		if _, ok := v[i]; !ok {
			return i
		}
		i++
	}
}

// CreateSocket creates a new socket from the transport context of m.
func (m *Manager) CreateSocket(kind transport.Kind, opts transport.Options) (transport.Socket, error) {
	return m.tctx.NewSocket(kind, opts)
}

// Add takes ownership of ch, assigns it a fresh id, and creates its socket.
func (m *Manager) Add(ch *Channel) error {
	if ch.mngr != nil {
		return &ChannelError{Op: "add", Message: "channel already has a manager"}
	}
	sock, err := m.CreateSocket(ch.kind, ch.opts)
	if err != nil {
		return err
	}
	ch.id = uniqueKey(m.channels)
	ch.mngr = m
	ch.sock = sock
	m.channels[ch.id] = ch
	m.log().Debug("channel added", zap.Int("id", ch.id), zap.Stringer("kind", ch.kind))
	return nil
}

// Remove unregisters ch from the poller and releases it from m. The channel
// socket is not closed.
func (m *Manager) Remove(ch *Channel) {
	m.Unregister(ch)
	if m.channels[ch.id] == ch {
		delete(m.channels, ch.id)
		ch.mngr = nil
	}
}

// Channels returns the channels of m in order of id.
func (m *Manager) Channels() []*Channel {
	out := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	slices.SortFunc(out, func(a, b *Channel) int { return a.id - b.id })
	return out
}

// Register adds ch to the poller. It is a no-op if ch is already registered.
func (m *Manager) Register(ch *Channel) {
	if ch.sock == nil || m.registered.Has(ch) {
		return
	}
	m.poller.Add(ch.sock, transport.PollIn)
	m.registered.Add(ch)
}

// Unregister removes ch from the poller. It is a no-op if ch is not registered.
func (m *Manager) Unregister(ch *Channel) {
	if !m.registered.Has(ch) {
		return
	}
	m.poller.Remove(ch.sock)
	m.registered.Remove(ch)
}

// IsRegistered reports whether ch is registered with the poller.
func (m *Manager) IsRegistered(ch *Channel) bool { return m.registered.Has(ch) }

// An Event reports the readiness of a channel.
type Event struct {
	Channel *Channel
	Events  transport.Events
}

// Wait waits up to timeout for input on any registered channel, and returns
// the ready channels. A zero timeout does not wait; a negative timeout waits
// until some channel is ready.
func (m *Manager) Wait(timeout time.Duration) []Event {
	rs := m.poller.Poll(timeout)
	if len(rs) == 0 {
		return nil
	}
	evs := make([]Event, 0, len(rs))
	for _, r := range rs {
		for ch := range m.registered {
			if ch.sock == r.Socket {
				evs = append(evs, Event{Channel: ch, Events: r.Events})
				break
			}
		}
	}
	return evs
}

// Defer adds fn to the end of the deferred work queue.
func (m *Manager) Defer(fn func()) { m.deferred.Add(fn) }

// Pending reports the number of deferred callbacks waiting to run.
func (m *Manager) Pending() int { return m.deferred.Len() }

// ProcessDeferred runs deferred callbacks. If all is false, it runs only the
// oldest one. Otherwise it runs every callback queued at the time of the
// call; callbacks deferred while these run wait for the next call.
func (m *Manager) ProcessDeferred(all bool) {
	if !all {
		if fn, ok := m.deferred.Pop(); ok {
			fn()
		}
		return
	}
	q := m.deferred
	m.deferred = queue.New[func()]()
	for fn, ok := q.Pop(); ok; fn, ok = q.Pop() {
		fn()
	}
}

// Shutdown unregisters and closes every channel of m.
func (m *Manager) Shutdown(linger time.Duration) error {
	var err error
	for _, ch := range m.Channels() {
		m.Unregister(ch)
		err = multierr.Append(err, ch.Close(linger))
	}
	m.log().Debug("channel manager shut down")
	return err
}

// Step runs one iteration of the event loop: it waits up to timeout for
// input, passes one message from each ready channel to its handler, and then
// runs one or all deferred callbacks. It reports whether any channel was
// ready.
func (m *Manager) Step(timeout time.Duration, all bool) bool {
	evs := m.Wait(timeout)
	for _, ev := range evs {
		h := ev.Channel.handler
		if h == nil || ev.Events&transport.PollIn == 0 {
			continue
		}
		if err := h.HandleInput(); err != nil && !errors.Is(err, transport.ErrWouldBlock) {
			m.log().Error("receive failed", zap.Int("channel", ev.Channel.id), zap.Error(err))
		}
	}
	m.ProcessDeferred(all)
	return len(evs) != 0
}

// DefaultPollTimeout is the poll timeout used by Run if none is set.
const DefaultPollTimeout = 100 * time.Millisecond

// LoopOptions control the behaviour of [Manager.Run].
type LoopOptions struct {
	// PollTimeout is the maximum time to wait for input in each iteration.
	// If zero, DefaultPollTimeout is used.
	PollTimeout time.Duration

	// ProcessAll runs all deferred callbacks in each iteration, rather than
	// only one.
	ProcessAll bool

	// If set, Idle is called after each iteration in which no channel was
	// ready.
	Idle func()
}

// Run runs the event loop of m until ctx ends.
func (m *Manager) Run(ctx context.Context, opts LoopOptions) error {
	timeout := opts.PollTimeout
	if timeout == 0 {
		timeout = DefaultPollTimeout
	}
	for ctx.Err() == nil {
		if !m.Step(timeout, opts.ProcessAll) && opts.Idle != nil {
			opts.Idle()
		}
	}
	return nil
}
