// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package zmtp implements [transport.Socket] over the ZeroMQ message transport
// protocol, using the pure Go [zmq4] library. It supports the tcp and ipc
// endpoint schemes and interoperates with libzmq peers.
//
// The underlying library has no unbind or disconnect operation. Unbind and
// Disconnect forget the endpoint but leave the connection open until the
// socket is closed. Likewise a routing id passed to Connect is ignored, since
// the library cannot set a connect-time peer identity.
//
// [zmq4]: https://github.com/go-zeromq/zmq4
package zmtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/butler/transport"
	"github.com/creachadair/taskgroup"
	"github.com/go-zeromq/zmq4"
)

// Context constructs zmtp sockets. Sockets created by a context are closed
// when the parent context.Context ends.
type Context struct {
	ctx context.Context
}

// New constructs a Context governed by ctx.
func New(ctx context.Context) *Context { return &Context{ctx: ctx} }

// NewSocket implements the [transport.Context] interface.
func (c *Context) NewSocket(kind transport.Kind, opts transport.Options) (transport.Socket, error) {
	var zopts []zmq4.Option
	if len(opts.Identity) != 0 {
		zopts = append(zopts, zmq4.WithID(zmq4.SocketIdentity(opts.Identity)))
	}
	ctx, cancel := context.WithCancel(c.ctx)
	var zs zmq4.Socket
	switch kind {
	case transport.Dealer:
		zs = zmq4.NewDealer(ctx, zopts...)
	case transport.Router:
		zs = zmq4.NewRouter(ctx, zopts...)
	case transport.Pub:
		zs = zmq4.NewPub(ctx, zopts...)
	case transport.Sub:
		zs = zmq4.NewSub(ctx, zopts...)
	case transport.XPub:
		zs = zmq4.NewXPub(ctx, zopts...)
	case transport.XSub:
		zs = zmq4.NewXSub(ctx, zopts...)
	case transport.Push:
		zs = zmq4.NewPush(ctx, zopts...)
	case transport.Pull:
		zs = zmq4.NewPull(ctx, zopts...)
	case transport.Pair:
		zs = zmq4.NewPair(ctx, zopts...)
	default:
		cancel()
		return nil, fmt.Errorf("zmtp: invalid socket kind %v", kind)
	}
	s := &socket{
		kind:   kind,
		zs:     zs,
		inbox:  make(chan [][]byte, opts.QueueSize()),
		sendq:  make(chan *sendReq),
		cancel: cancel,
		done:   ctx.Done(),
	}
	s.startSender()
	return s, nil
}

type socket struct {
	kind   transport.Kind
	zs     zmq4.Socket
	inbox  chan [][]byte
	sendq  chan *sendReq
	sender *taskgroup.Group // owns all calls to zs.SendMulti
	cancel context.CancelFunc
	done   <-chan struct{}
	w      transport.Watchers

	μ         sync.Mutex
	endpoints []string
	pump      *taskgroup.Group // receive pump, started on first bind or connect
	pumpErr   error
	sendErr   error // failure of a send whose caller stopped waiting
	closed    bool
}

// A sendReq is one message handed to the sender. Exactly one of the sender
// and the caller moves state from reqPending: the sender to reqDone when the
// send completes, the caller to reqDetached when it stops waiting.
type sendReq struct {
	msg   zmq4.Msg
	errc  chan error // buffered; receives the send result
	state atomic.Int32
}

const (
	reqPending int32 = iota
	reqDone
	reqDetached
)

func (s *socket) Kind() transport.Kind          { return s.kind }
func (s *socket) Watchers() *transport.Watchers { return &s.w }
func (s *socket) Readable() bool                { return len(s.inbox) != 0 }
func (s *socket) Writable() bool                { return s.kind.CanSend() }

// startPumpLocked starts a goroutine that moves inbound messages from the zmq4
// socket to the inbox. The caller must hold s.μ.
func (s *socket) startPumpLocked() {
	if s.pump != nil || !s.kind.CanRecv() {
		return
	}
	s.pump = taskgroup.New(nil)
	s.pump.Go(func() error {
		for {
			msg, err := s.zs.Recv()
			if err != nil {
				s.μ.Lock()
				s.pumpErr = err
				s.μ.Unlock()
				s.w.Notify()
				return err
			}
			select {
			case s.inbox <- msg.Frames:
				s.w.Notify()
			case <-s.done:
				return nil
			}
		}
	})
}

// startSender starts the goroutine that performs every send on the zmq4
// socket, in the order the messages were handed to it.
func (s *socket) startSender() {
	if !s.kind.CanSend() {
		return
	}
	s.sender = taskgroup.New(nil)
	s.sender.Go(func() error {
		for {
			select {
			case req := <-s.sendq:
				err := s.zs.SendMulti(req.msg)
				req.errc <- err
				if !req.state.CompareAndSwap(reqPending, reqDone) && err != nil {
					s.μ.Lock()
					s.sendErr = err
					s.μ.Unlock()
				}
			case <-s.done:
				return nil
			}
		}
	})
}

// takeSendErr returns and clears the error of a detached send.
func (s *socket) takeSendErr() error {
	s.μ.Lock()
	defer s.μ.Unlock()
	err := s.sendErr
	s.sendErr = nil
	return err
}

// resolve rewrites wildcard hosts and ports in a bind endpoint to a form the
// library accepts.
func resolve(endpoint string) string {
	if !strings.HasPrefix(endpoint, "tcp://") {
		return endpoint
	}
	host, port, err := net.SplitHostPort(strings.TrimPrefix(endpoint, "tcp://"))
	if err != nil {
		return endpoint
	}
	if host == "*" {
		host = "0.0.0.0"
	}
	if port == "*" {
		port = "0"
	}
	return "tcp://" + net.JoinHostPort(host, port)
}

func (s *socket) Bind(endpoint string) (string, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.closed {
		return "", transport.ErrClosed
	}
	if err := s.zs.Listen(resolve(endpoint)); err != nil {
		return "", fmt.Errorf("zmtp: bind %q: %w", endpoint, err)
	}
	if strings.Contains(endpoint, "*") {
		if addr := s.zs.Addr(); addr != nil {
			endpoint = addr.Network() + "://" + addr.String()
		}
	}
	s.endpoints = append(s.endpoints, endpoint)
	s.startPumpLocked()
	return endpoint, nil
}

func (s *socket) Connect(endpoint string, _ []byte) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	if err := s.zs.Dial(endpoint); err != nil {
		return fmt.Errorf("zmtp: connect %q: %w", endpoint, err)
	}
	s.endpoints = append(s.endpoints, endpoint)
	s.startPumpLocked()
	return nil
}

func (s *socket) forget(endpoint string) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	i := slices.Index(s.endpoints, endpoint)
	if i < 0 {
		return fmt.Errorf("zmtp: endpoint %q not open", endpoint)
	}
	s.endpoints = slices.Delete(s.endpoints, i, i+1)
	return nil
}

func (s *socket) Unbind(endpoint string) error     { return s.forget(endpoint) }
func (s *socket) Disconnect(endpoint string) error { return s.forget(endpoint) }

// Send implements a method of [transport.Socket].
//
// Sends are performed in order by a single sender goroutine. If the sender is
// still busy with an earlier message when timeout expires, Send reports
// ErrWouldBlock and the message is not sent, so the caller may retry it. Once
// the sender has taken the message it will be sent; if that has not finished
// by the timeout, Send returns nil and a failure is reported by the next Send.
func (s *socket) Send(frames [][]byte, timeout time.Duration) error {
	if !s.kind.CanSend() {
		return fmt.Errorf("zmtp: %v socket cannot send", s.kind)
	}
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	if err := s.takeSendErr(); err != nil {
		return err
	}
	req := &sendReq{msg: zmq4.NewMsgFrom(frames...), errc: make(chan error, 1)}

	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(max(timeout, time.Millisecond))
		defer t.Stop()
		expired = t.C
	}
	select {
	case s.sendq <- req:
	case <-expired:
		return transport.ErrWouldBlock
	case <-s.done:
		return transport.ErrClosed
	}

	var detachErr error
	select {
	case err := <-req.errc:
		return err
	case <-expired:
	case <-s.done:
		detachErr = transport.ErrClosed
	}
	if req.state.CompareAndSwap(reqPending, reqDetached) {
		return detachErr
	}
	return <-req.errc
}

func (s *socket) Recv(timeout time.Duration) ([][]byte, error) {
	if !s.kind.CanRecv() {
		return nil, fmt.Errorf("zmtp: %v socket cannot receive", s.kind)
	}
	select {
	case msg := <-s.inbox:
		return msg, nil
	default:
		if err := s.recvErr(); err != nil {
			return nil, err
		} else if timeout == 0 {
			return nil, transport.ErrWouldBlock
		}
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case msg := <-s.inbox:
		return msg, nil
	case <-expired:
		return nil, transport.ErrWouldBlock
	case <-s.done:
		return nil, transport.ErrClosed
	}
}

func (s *socket) recvErr() error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	return s.pumpErr
}

func (s *socket) Subscribe(topic []byte) error {
	switch s.kind {
	case transport.Sub:
		return s.zs.SetOption(zmq4.OptionSubscribe, string(topic))
	case transport.XSub:
		return s.zs.Send(zmq4.NewMsg(append([]byte{1}, topic...)))
	}
	return fmt.Errorf("zmtp: %v socket does not subscribe", s.kind)
}

func (s *socket) Unsubscribe(topic []byte) error {
	switch s.kind {
	case transport.Sub:
		return s.zs.SetOption(zmq4.OptionUnsubscribe, string(topic))
	case transport.XSub:
		return s.zs.Send(zmq4.NewMsg(append([]byte{0}, topic...)))
	}
	return fmt.Errorf("zmtp: %v socket does not subscribe", s.kind)
}

// Close implements a method of [transport.Socket]. The library flushes queued
// messages on close, so linger is not used.
func (s *socket) Close(linger time.Duration) error {
	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		return transport.ErrClosed
	}
	s.closed = true
	pump := s.pump
	s.μ.Unlock()

	s.cancel()
	err := s.zs.Close()
	if pump != nil {
		pump.Wait() // the pump reports the close error; discard it
	}
	if s.sender != nil {
		s.sender.Wait()
	}
	s.w.Notify()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
