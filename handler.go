// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package butler

import (
	"errors"
	"expvar"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/butler/transport"
	"go.uber.org/zap"
)

// DefaultResumeTimeout is the default time a session may remain suspended
// before it is cancelled.
const DefaultResumeTimeout = 10 * time.Second

// A Message is a protocol message that can be encoded as a sequence of frames.
type Message interface {
	Encode() [][]byte
}

// A Protocol validates and parses the messages of one protocol family.
type Protocol[M Message] interface {
	// HasGreeting reports whether the first message from a new peer must be a
	// greeting.
	HasGreeting() bool

	// Validate reports an error if frames are not a valid message sent by a
	// peer with the given origin. If greeting is true, the message must also
	// be a valid greeting. An origin of OriginAny skips the origin checks.
	Validate(frames [][]byte, origin Origin, greeting bool) error

	// Parse parses and validates frames as a message.
	Parse(frames [][]byte) (M, error)
}

// A MessageHandler processes the inbound messages of a channel.
type MessageHandler interface {
	// Attach is called by [Channel.SetHandler] to attach the handler to a
	// channel, or with nil to detach it.
	Attach(*Channel)

	// HandleInput receives one message from the attached channel and
	// processes it.
	HandleInput() error

	// Closing is called when the attached channel is about to close.
	Closing()
}

// SendOptions control the behaviour of [Handler.SendWith].
type SendOptions struct {
	// NoDefer reports transport errors to the caller instead of queueing the
	// message for a retry or cancelling the session.
	NoDefer bool

	// CancelOnError cancels the session on a transport error other than
	// would-block, instead of reporting it. It has no effect with NoDefer.
	CancelOnError bool

	// Timeout overrides the send timeout of the channel for this call.
	// Zero means use the channel default.
	Timeout time.Duration
}

// A Handler maintains the sessions of a channel and implements the generic
// receive and send paths for a protocol. The type parameter T is the session
// state, and M is the message type of the protocol.
//
// Protocol handlers embed a Handler and customize its behaviour by setting the
// hook fields. Hooks that are nil have a default behaviour, which for the
// error hooks is to log the problem.
type Handler[T any, M Message] struct {
	// Protocol validates and parses inbound messages.
	Protocol Protocol[M]

	// Dispatch processes a valid inbound message for a session.
	Dispatch func(s *Session[T], msg M) error

	// ResumeTimeout is how long a session may have undeliverable messages
	// before it is cancelled. If zero, DefaultResumeTimeout is used.
	ResumeTimeout time.Duration

	// Clock is the time source. If nil, the system clock is used.
	Clock clock.Clock

	// Logger receives handler diagnostics. If nil, logging is discarded.
	Logger *zap.Logger

	// OnSessionCreated is called when a new session is added.
	OnSessionCreated func(s *Session[T])

	// OnSuspend is called when outbound messages for s start to queue, and
	// OnResume when the queue has drained.
	OnSuspend func(s *Session[T])
	OnResume  func(s *Session[T])

	// OnCancel is called when s is cancelled, before it is discarded.
	OnCancel func(s *Session[T])

	// OnInvalidGreeting is called when the first message from a new peer is
	// not a valid greeting. No session is created for the peer.
	OnInvalidGreeting func(rid RoutingID, err error)

	// OnInvalidMessage is called when a message for s cannot be parsed.
	OnInvalidMessage func(s *Session[T], err error)

	// OnDispatchError is called when Dispatch reports an error or panics.
	OnDispatchError func(s *Session[T], msg M, err error)

	// OnClosing is called when the attached channel closes.
	OnClosing func()

	role     Origin
	chn      *Channel
	sessions map[RoutingID]*Session[T]
	metrics  *handlerMetrics
}

// NewHandler constructs a handler for the given role and protocol.
func NewHandler[T any, M Message](role Origin, proto Protocol[M]) *Handler[T, M] {
	return &Handler[T, M]{
		Protocol: proto,
		role:     role,
		sessions: make(map[RoutingID]*Session[T]),
		metrics:  rootMetrics,
	}
}

// Role reports the role of the local peer.
func (h *Handler[T, M]) Role() Origin { return h.role }

// Channel returns the channel h is attached to, or nil.
func (h *Handler[T, M]) Channel() *Channel { return h.chn }

// Attach implements a method of [MessageHandler].
func (h *Handler[T, M]) Attach(ch *Channel) { h.chn = ch }

// Closing implements a method of [MessageHandler]. It detaches h from its
// channel.
func (h *Handler[T, M]) Closing() {
	if h.OnClosing != nil {
		h.OnClosing()
	}
	h.chn = nil
}

// Detach gives h its own metrics, separate from the global metrics shared by
// all handlers. It returns h to permit chaining.
func (h *Handler[T, M]) Detach() *Handler[T, M] {
	h.metrics = newHandlerMetrics()
	return h
}

// Metrics returns the metrics map for h.
func (h *Handler[T, M]) Metrics() *expvar.Map { return h.metrics.emap }

// Log returns the logger for h.
func (h *Handler[T, M]) Log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// Now returns the current time from the clock of h.
func (h *Handler[T, M]) Now() time.Time {
	if h.Clock == nil {
		return time.Now()
	}
	return h.Clock.Now()
}

func (h *Handler[T, M]) resumeTimeout() time.Duration {
	if h.ResumeTimeout <= 0 {
		return DefaultResumeTimeout
	}
	return h.ResumeTimeout
}

// IsActive reports whether h has any sessions.
func (h *Handler[T, M]) IsActive() bool { return len(h.sessions) != 0 }

// Session returns the session for rid, or nil.
func (h *Handler[T, M]) Session(rid RoutingID) *Session[T] { return h.sessions[rid] }

// Sessions returns the sessions of h ordered by routing id.
func (h *Handler[T, M]) Sessions() []*Session[T] {
	keys := slices.Sorted(maps.Keys(h.sessions))
	out := make([]*Session[T], len(keys))
	for i, k := range keys {
		out[i] = h.sessions[k]
	}
	return out
}

// CreateSession adds a new session for rid, replacing any existing one.
func (h *Handler[T, M]) CreateSession(rid RoutingID) *Session[T] {
	s := newSession[T](rid)
	if _, ok := h.sessions[rid]; !ok {
		h.metrics.sessionsActive.Add(1)
	}
	h.sessions[rid] = s
	if h.OnSessionCreated != nil {
		h.OnSessionCreated(s)
	}
	return s
}

// DiscardSession removes s from h and marks it discarded. If the local peer
// connected to create s, that endpoint is disconnected. Discarding a
// discarded session is a no-op; discarding a session h does not own panics.
func (h *Handler[T, M]) DiscardSession(s *Session[T]) {
	if s.Discarded {
		return
	} else if h.sessions[s.RoutingID] != s {
		panic(fmt.Sprintf("discard unknown session %q", s.RoutingID))
	}
	s.Discarded = true
	delete(h.sessions, s.RoutingID)
	h.metrics.sessionsActive.Add(-1)
	if s.EndpointAddress != "" && h.chn != nil {
		if err := h.chn.Disconnect(s.EndpointAddress); err != nil {
			h.Log().Warn("disconnect failed", zap.String("endpoint", s.EndpointAddress), zap.Error(err))
		}
	}
}

// CancelSession calls the OnCancel hook for s and then discards it.
func (h *Handler[T, M]) CancelSession(s *Session[T]) {
	h.Log().Debug("cancel session", zap.String("rid", string(s.RoutingID)))
	h.metrics.sessionsCancelled.Add(1)
	if h.OnCancel != nil {
		h.OnCancel(s)
	}
	h.DiscardSession(s)
}

// ConnectPeer connects the channel of h to endpoint and creates a session for
// the peer there. A routed channel requires a routing id to address the peer;
// otherwise rid is ignored and the session uses InternalRoute.
func (h *Handler[T, M]) ConnectPeer(endpoint string, rid RoutingID) (*Session[T], error) {
	if h.chn == nil {
		return nil, &ChannelError{Op: "connect", Endpoint: endpoint, Message: "handler has no channel"}
	}
	if !h.chn.Routed() {
		rid = InternalRoute
	} else if rid == "" {
		return nil, &ChannelError{Op: "connect", Endpoint: endpoint, Message: "routing id required"}
	}
	if err := h.chn.Connect(endpoint, rid); err != nil {
		return nil, err
	}
	s := h.CreateSession(rid)
	s.EndpointAddress = endpoint
	return s, nil
}

// HandleInput implements a method of [MessageHandler].
func (h *Handler[T, M]) HandleInput() error {
	if h.chn == nil {
		return &ChannelError{Op: "receive", Message: "handler has no channel"}
	}
	frames, err := h.chn.Receive()
	if err != nil {
		return err
	}
	h.Receive(frames)
	return nil
}

// Receive processes one inbound message. On a routed channel the first frame
// is the routing id of the sender.
func (h *Handler[T, M]) Receive(frames [][]byte) {
	h.metrics.msgRecv.Add(1)
	rid := InternalRoute
	if h.chn != nil && h.chn.Routed() {
		if len(frames) == 0 {
			h.metrics.msgDropped.Add(1)
			return
		}
		rid, frames = RoutingID(frames[0]), frames[1:]
	}
	s, ok := h.sessions[rid]
	if !ok {
		if h.Protocol.HasGreeting() {
			if err := h.Protocol.Validate(frames, h.role.Peer(), true); err != nil {
				h.metrics.msgInvalid.Add(1)
				h.invalidGreeting(rid, err)
				return
			}
		}
		s = h.CreateSession(rid)
	}
	msg, err := h.Protocol.Parse(frames)
	if err != nil {
		h.metrics.msgInvalid.Add(1)
		h.invalidMessage(s, err)
		return
	}
	if err := h.dispatch(s, msg); err != nil {
		h.dispatchError(s, msg, err)
	}
}

func (h *Handler[T, M]) dispatch(s *Session[T], msg M) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("dispatch panicked: %v", x)
		}
	}()
	if h.Dispatch == nil {
		return errors.New("no dispatcher")
	}
	return h.Dispatch(s, msg)
}

func (h *Handler[T, M]) invalidGreeting(rid RoutingID, err error) {
	if h.OnInvalidGreeting != nil {
		h.OnInvalidGreeting(rid, err)
		return
	}
	h.Log().Error("invalid greeting", zap.String("rid", string(rid)), zap.Error(err))
}

func (h *Handler[T, M]) invalidMessage(s *Session[T], err error) {
	if h.OnInvalidMessage != nil {
		h.OnInvalidMessage(s, err)
		return
	}
	h.Log().Error("invalid message", zap.String("rid", string(s.RoutingID)), zap.Error(err))
}

func (h *Handler[T, M]) dispatchError(s *Session[T], msg M, err error) {
	if h.OnDispatchError != nil {
		h.OnDispatchError(s, msg, err)
		return
	}
	h.Log().Error("dispatch failed", zap.String("rid", string(s.RoutingID)), zap.Error(err))
}

func (h *Handler[T, M]) suspend(s *Session[T]) {
	h.Log().Debug("session suspended", zap.String("rid", string(s.RoutingID)))
	h.metrics.sessionsSuspended.Add(1)
	if h.OnSuspend != nil {
		h.OnSuspend(s)
	}
}

func (h *Handler[T, M]) resume(s *Session[T]) {
	h.Log().Debug("session resumed", zap.String("rid", string(s.RoutingID)))
	h.metrics.sessionsResumed.Add(1)
	if h.OnResume != nil {
		h.OnResume(s)
	}
}

// Send sends msg to the peer of s with default options. See [Handler.SendWith].
func (h *Handler[T, M]) Send(msg M, s *Session[T]) (bool, error) {
	return h.SendWith(msg, s, SendOptions{})
}

// SendWith sends msg to the peer of s. It reports true if the message was
// sent, or was queued behind earlier messages still waiting for the peer.
//
// Unless opts.NoDefer is set, a send that would block queues the message and
// schedules a retry on the manager, and a send to an unreachable peer cancels
// the session; in both cases SendWith reports false without error. A nil
// session disables deferral, and a discarded session sends nothing.
func (h *Handler[T, M]) SendWith(msg M, s *Session[T], opts SendOptions) (bool, error) {
	canDefer, cancelOnError := !opts.NoDefer, opts.CancelOnError
	if s == nil {
		canDefer, cancelOnError = false, false
	} else if s.Discarded {
		h.Log().Warn("send to discarded session", zap.String("rid", string(s.RoutingID)))
		h.metrics.msgDropped.Add(1)
		return false, nil
	}
	if h.chn == nil {
		return false, &ChannelError{Op: "send", Message: "handler has no channel"}
	}
	frames := msg.Encode()
	if h.chn.Routed() {
		if s == nil {
			return false, ErrNoSession
		}
		frames = append([][]byte{[]byte(s.RoutingID)}, frames...)
	}
	if s != nil && s.Pending() != 0 {
		s.sendLater(frames, h.Now())
		h.metrics.msgDeferred.Add(1)
		return true, nil
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = h.chn.sndTO
	}
	err := h.chn.SendTimeout(frames, timeout)
	switch {
	case err == nil:
		h.metrics.msgSent.Add(1)
		return true, nil
	case errors.Is(err, transport.ErrWouldBlock) && canDefer:
		s.sendLater(frames, h.Now())
		h.metrics.msgDeferred.Add(1)
		h.deferRetry(s)
		h.suspend(s)
		return false, nil
	case errors.Is(err, transport.ErrHostUnreachable) && canDefer:
		h.CancelSession(s)
		return false, nil
	case errors.Is(err, transport.ErrWouldBlock), errors.Is(err, transport.ErrHostUnreachable):
		return false, err
	case cancelOnError && canDefer:
		h.Log().Error("send failed", zap.String("rid", string(s.RoutingID)), zap.Error(err))
		h.CancelSession(s)
		return false, nil
	}
	return false, err
}

// deferRetry schedules a retry of the queued messages of s.
func (h *Handler[T, M]) deferRetry(s *Session[T]) {
	if h.chn == nil || h.chn.mngr == nil {
		h.Log().Error("cannot defer send without a manager", zap.String("rid", string(s.RoutingID)))
		return
	}
	h.chn.mngr.Defer(func() { h.retrySend(s) })
}

// retrySend attempts to send the queued messages of s in order. A session that
// stays blocked past the resume timeout, or whose send fails for any reason
// other than blocking, is cancelled.
func (h *Handler[T, M]) retrySend(s *Session[T]) {
	if s.Discarded || h.chn == nil {
		return
	}
	wasSuspended := s.IsSuspended()
	var cancel bool
	for s.Pending() != 0 {
		frames, _ := s.pending.Peek(0)
		err := h.chn.Send(frames)
		if err == nil {
			s.messageSent()
			h.metrics.msgSent.Add(1)
			continue
		}
		if errors.Is(err, transport.ErrWouldBlock) {
			if s.IsSuspended() && h.Now().Sub(s.pendingSince) >= h.resumeTimeout() {
				cancel = true
			}
		} else {
			h.Log().Error("retry failed", zap.String("rid", string(s.RoutingID)), zap.Error(err))
			cancel = true
		}
		break
	}
	switch {
	case cancel:
		h.CancelSession(s)
	case s.Pending() != 0:
		h.deferRetry(s)
		if !s.IsSuspended() {
			s.pendingSince = h.Now()
			h.suspend(s)
		}
	case wasSuspended:
		h.resume(s)
	}
}
