// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package butler

import (
	"fmt"
	"slices"
	"time"

	"github.com/creachadair/butler/transport"
	"go.uber.org/multierr"
)

// DefaultTimeout is the default send and receive timeout of a channel.
const DefaultTimeout = 100 * time.Millisecond

// A Channel is a socket owned by a [Manager], together with its endpoints
// and the handler that processes its inbound messages.
//
// A channel either binds or connects its endpoints, never both. The mode is
// fixed by the first endpoint opened and resets when the last one closes.
//
// A Channel is not safe for concurrent use. All the channels of a manager
// should be used only by the goroutine that runs its event loop.
type Channel struct {
	kind      transport.Kind
	identity  []byte
	direction Direction
	routed    bool
	poll      bool
	sndTO     time.Duration
	rcvTO     time.Duration
	opts      transport.Options

	id        int
	mngr      *Manager
	sock      transport.Socket
	mode      Mode
	endpoints []string
	handler   MessageHandler
	closed    bool
}

// A ChannelOption configures a channel at construction.
type ChannelOption func(*Channel)

// WithSendTimeout sets the default send timeout of a channel.
func WithSendTimeout(d time.Duration) ChannelOption { return func(c *Channel) { c.sndTO = d } }

// WithRecvTimeout sets the default receive timeout of a channel.
func WithRecvTimeout(d time.Duration) ChannelOption { return func(c *Channel) { c.rcvTO = d } }

// WithDirection overrides the direction implied by the socket kind.
func WithDirection(d Direction) ChannelOption { return func(c *Channel) { c.direction = d } }

// WithoutPoll keeps the channel out of the manager's poller. The owner of
// such a channel must poll it directly with [Channel.Poll].
func WithoutPoll() ChannelOption { return func(c *Channel) { c.poll = false } }

// WithHWM sets the high-water mark of the channel socket.
func WithHWM(n int) ChannelOption { return func(c *Channel) { c.opts.HWM = n } }

// NewChannel constructs an unmanaged channel of the given kind. The channel
// has no socket until it is added to a [Manager].
//
// The direction defaults from the kind: PUSH and PUB are outbound only, PULL
// and SUB are inbound only, and all others are bidirectional. A ROUTER
// channel is routed and reports unroutable messages as errors. An XPUB
// channel reports all subscription messages.
func NewChannel(kind transport.Kind, identity []byte, opts ...ChannelOption) *Channel {
	c := &Channel{
		kind:      kind,
		identity:  identity,
		direction: DirBoth,
		poll:      true,
		sndTO:     DefaultTimeout,
		rcvTO:     DefaultTimeout,
	}
	switch kind {
	case transport.Push, transport.Pub:
		c.direction = DirOut
	case transport.Pull, transport.Sub:
		c.direction = DirIn
	case transport.Router:
		c.routed = true
		c.opts.RouterMandatory = true
	case transport.XPub:
		c.opts.XPubVerbose = true
	}
	for _, opt := range opts {
		opt(c)
	}
	c.opts.Identity = identity
	return c
}

// ID reports the id assigned to c by its manager, or 0.
func (c *Channel) ID() int { return c.id }

// Kind reports the socket kind of c.
func (c *Channel) Kind() transport.Kind { return c.kind }

// Identity reports the socket identity of c.
func (c *Channel) Identity() []byte { return c.identity }

// Direction reports the permitted message directions of c.
func (c *Channel) Direction() Direction { return c.direction }

// Routed reports whether inbound messages on c carry a routing id frame.
func (c *Channel) Routed() bool { return c.routed }

// Mode reports whether c binds or connects its endpoints.
func (c *Channel) Mode() Mode { return c.mode }

// Endpoints returns a copy of the open endpoints of c.
func (c *Channel) Endpoints() []string { return slices.Clone(c.endpoints) }

// Manager returns the manager that owns c, or nil.
func (c *Channel) Manager() *Manager { return c.mngr }

// Handler returns the handler attached to c, or nil.
func (c *Channel) Handler() MessageHandler { return c.handler }

// UsesPoller reports whether c is registered with its manager's poller while
// it has open endpoints.
func (c *Channel) UsesPoller() bool { return c.poll }

// IsActive reports whether c has at least one open endpoint.
func (c *Channel) IsActive() bool { return len(c.endpoints) != 0 }

func (c *Channel) String() string { return fmt.Sprintf("Channel(%d, %v)", c.id, c.kind) }

// SetHandler attaches h to c, detaching any previously attached handler.
func (c *Channel) SetHandler(h MessageHandler) {
	if c.handler != nil {
		c.handler.Attach(nil)
	}
	c.handler = h
	if h != nil {
		h.Attach(c)
	}
}

func (c *Channel) checkOpen(op, endpoint string) error {
	if c.sock == nil || c.closed {
		return &ChannelError{Op: op, Endpoint: endpoint, Message: "channel is not open"}
	}
	return nil
}

func (c *Channel) checkNewEndpoint(op, endpoint string, want Mode) error {
	if err := c.checkOpen(op, endpoint); err != nil {
		return err
	} else if c.mode != ModeUnknown && c.mode != want {
		return &ChannelError{Op: op, Endpoint: endpoint, Message: fmt.Sprintf("channel is in %v mode", c.mode)}
	} else if c.kind == transport.Pair && len(c.endpoints) != 0 {
		return &ChannelError{Op: op, Endpoint: endpoint, Message: "PAIR channel permits only one endpoint"}
	} else if slices.Contains(c.endpoints, endpoint) {
		return &ChannelError{Op: op, Endpoint: endpoint, Message: "endpoint already open"}
	}
	return nil
}

// opened records a new endpoint, registering c with the poller if it is the
// first one.
func (c *Channel) opened(endpoint string, mode Mode) {
	if len(c.endpoints) == 0 && c.poll && c.mngr != nil {
		c.mngr.Register(c)
	}
	c.endpoints = append(c.endpoints, endpoint)
	c.mode = mode
}

// Bind binds c to endpoint and returns the address actually bound. If endpoint
// contains a wildcard, the result is the concrete address chosen.
func (c *Channel) Bind(endpoint string) (string, error) {
	if err := c.checkNewEndpoint("bind", endpoint, ModeBind); err != nil {
		return "", err
	}
	addr, err := c.sock.Bind(endpoint)
	if err != nil {
		return "", fmt.Errorf("bind %q: %w", endpoint, err)
	}
	c.opened(addr, ModeBind)
	return addr, nil
}

// Connect connects c to endpoint. On a routed channel, routingID is the
// identity used to address the peer at endpoint; it is ignored otherwise.
func (c *Channel) Connect(endpoint string, routingID RoutingID) error {
	if err := c.checkNewEndpoint("connect", endpoint, ModeConnect); err != nil {
		return err
	}
	var rid []byte
	if c.routed {
		rid = []byte(routingID)
	}
	if err := c.sock.Connect(endpoint, rid); err != nil {
		return fmt.Errorf("connect %q: %w", endpoint, err)
	}
	c.opened(endpoint, ModeConnect)
	return nil
}

// Unbind closes a bound endpoint, or all of them if endpoint == "".
func (c *Channel) Unbind(endpoint string) error {
	return c.closeEndpoints("unbind", endpoint, ModeBind, func(ep string) error { return c.sock.Unbind(ep) })
}

// Disconnect closes a connected endpoint, or all of them if endpoint == "".
func (c *Channel) Disconnect(endpoint string) error {
	return c.closeEndpoints("disconnect", endpoint, ModeConnect, func(ep string) error { return c.sock.Disconnect(ep) })
}

func (c *Channel) closeEndpoints(op, endpoint string, want Mode, closeFn func(string) error) error {
	if err := c.checkOpen(op, endpoint); err != nil {
		return err
	} else if c.mode != want {
		return &ChannelError{Op: op, Endpoint: endpoint, Message: fmt.Sprintf("channel is not in %v mode", want)}
	}
	targets := []string{endpoint}
	if endpoint == "" {
		targets = slices.Clone(c.endpoints)
	} else if !slices.Contains(c.endpoints, endpoint) {
		return &ChannelError{Op: op, Endpoint: endpoint, Message: "endpoint not open"}
	}
	var err error
	for _, ep := range targets {
		err = multierr.Append(err, closeFn(ep))
		c.endpoints = slices.DeleteFunc(c.endpoints, func(s string) bool { return s == ep })
	}
	if len(c.endpoints) == 0 {
		if c.mngr != nil {
			c.mngr.Unregister(c)
		}
		c.mode = ModeUnknown
	}
	return err
}

// Send sends a message with the default send timeout of c.
// It panics if c cannot send.
func (c *Channel) Send(frames [][]byte) error { return c.SendTimeout(frames, c.sndTO) }

// SendTimeout sends a message with the given timeout, which applies to this
// call only. It panics if c cannot send.
func (c *Channel) SendTimeout(frames [][]byte, timeout time.Duration) error {
	if c.direction&DirOut == 0 {
		panic(fmt.Sprintf("send on %v channel", c.direction))
	}
	if err := c.checkOpen("send", ""); err != nil {
		return err
	}
	return c.sock.Send(frames, timeout)
}

// Receive receives a message with the default receive timeout of c.
// It panics if c cannot receive.
func (c *Channel) Receive() ([][]byte, error) { return c.ReceiveTimeout(c.rcvTO) }

// ReceiveTimeout receives a message with the given timeout, which applies to
// this call only. It panics if c cannot receive.
func (c *Channel) ReceiveTimeout(timeout time.Duration) ([][]byte, error) {
	if c.direction&DirIn == 0 {
		panic(fmt.Sprintf("receive on %v channel", c.direction))
	}
	if err := c.checkOpen("receive", ""); err != nil {
		return nil, err
	}
	return c.sock.Recv(timeout)
}

// Poll waits up to timeout for a message to be ready on c, independent of the
// manager's poller, and reports whether one is.
func (c *Channel) Poll(timeout time.Duration) (bool, error) {
	if err := c.checkOpen("poll", ""); err != nil {
		return false, err
	}
	p := transport.NewPoller()
	p.Add(c.sock, transport.PollIn)
	defer p.Remove(c.sock)
	return len(p.Poll(timeout)) != 0, nil
}

// Subscribe adds a topic filter to a SUB or XSUB channel.
func (c *Channel) Subscribe(topic []byte) error { return c.subscription("subscribe", topic, 1) }

// Unsubscribe removes a topic filter from a SUB or XSUB channel.
func (c *Channel) Unsubscribe(topic []byte) error { return c.subscription("unsubscribe", topic, 0) }

func (c *Channel) subscription(op string, topic []byte, flag byte) error {
	if err := c.checkOpen(op, ""); err != nil {
		return err
	}
	switch c.kind {
	case transport.Sub:
		if flag == 1 {
			return c.sock.Subscribe(topic)
		}
		return c.sock.Unsubscribe(topic)
	case transport.XSub:
		return c.sock.Send([][]byte{append([]byte{flag}, topic...)}, c.sndTO)
	}
	return &ChannelError{Op: op, Message: fmt.Sprintf("not supported by %v channel", c.kind)}
}

// Close notifies the attached handler, then closes the socket of c. Pending
// outbound messages are kept for up to linger. Closing a closed or unmanaged
// channel is a no-op.
func (c *Channel) Close(linger time.Duration) error {
	if c.handler != nil {
		c.handler.Closing()
	}
	if c.sock == nil || c.closed {
		return nil
	}
	if c.mngr != nil {
		c.mngr.Unregister(c)
	}
	c.closed = true
	c.endpoints = nil
	c.mode = ModeUnknown
	return c.sock.Close(linger)
}
