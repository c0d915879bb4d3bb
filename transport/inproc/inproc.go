// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package inproc implements an in-memory [transport.Socket] for peers that
// share an address space.
//
// Endpoints have the form "inproc://name". A socket must bind an endpoint
// before another socket can connect to it. A wildcard bind ("inproc://*")
// chooses a fresh unique name.
//
// Messages are passed without encoding. Each socket has an inbound queue whose
// capacity is set by the high-water mark; a send to a full queue waits up to
// the send timeout and then reports [transport.ErrWouldBlock].
package inproc

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/butler/transport"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

const scheme = "inproc://"

// ErrRefused is reported by Connect when no socket is bound to the endpoint.
var ErrRefused = errors.New("connection refused")

// Context is a namespace of inproc endpoints. Sockets created by different
// contexts cannot connect to each other. A Context is safe for concurrent use.
type Context struct {
	μ     sync.Mutex
	binds map[string]*socket
}

// New constructs a new empty context.
func New() *Context { return &Context{binds: make(map[string]*socket)} }

// NewSocket implements the [transport.Context] interface.
func (c *Context) NewSocket(kind transport.Kind, opts transport.Options) (transport.Socket, error) {
	if kind < transport.Dealer || kind > transport.Pair {
		return nil, fmt.Errorf("inproc: invalid socket kind %v", kind)
	}
	id := string(opts.Identity)
	if id == "" {
		u := uuid.New()
		id = "\x00" + string(u[:])
	}
	return &socket{
		ctx:   c,
		kind:  kind,
		opts:  opts,
		id:    id,
		inbox: make(chan [][]byte, opts.QueueSize()),
		done:  make(chan struct{}),
		subs:  make(map[string]int),
	}, nil
}

type socket struct {
	ctx   *Context
	kind  transport.Kind
	opts  transport.Options
	id    string
	inbox chan [][]byte
	done  chan struct{}
	w     transport.Watchers

	// Fields below are guarded by ctx.μ.
	closed bool
	bound  []string
	links  []*link
	next   int            // round-robin cursor for outbound load balancing
	subs   map[string]int // topic → subscription count
}

// A link is one side of a connection between two sockets.
type link struct {
	peer     *socket
	id       string // identity of peer as seen by the owner
	endpoint string
	accepted bool // the peer connected to an endpoint bound by the owner
}

func (s *socket) Kind() transport.Kind          { return s.kind }
func (s *socket) Watchers() *transport.Watchers { return &s.w }
func (s *socket) Readable() bool                { return len(s.inbox) != 0 }
func (s *socket) String() string                { return fmt.Sprintf("inproc.%v(%q)", s.kind, s.id) }

func checkEndpoint(ep string) (name string, ok bool) { return strings.CutPrefix(ep, scheme) }

func (s *socket) Bind(endpoint string) (string, error) {
	name, ok := checkEndpoint(endpoint)
	if !ok || name == "" {
		return "", fmt.Errorf("inproc: invalid endpoint %q", endpoint)
	}
	if strings.Contains(name, "*") {
		endpoint = scheme + uuid.NewString()
	}

	s.ctx.μ.Lock()
	defer s.ctx.μ.Unlock()
	if s.closed {
		return "", transport.ErrClosed
	} else if _, ok := s.ctx.binds[endpoint]; ok {
		return "", fmt.Errorf("inproc: address %q in use", endpoint)
	}
	s.ctx.binds[endpoint] = s
	s.bound = append(s.bound, endpoint)
	return endpoint, nil
}

func (s *socket) Unbind(endpoint string) error {
	s.ctx.μ.Lock()
	defer s.ctx.μ.Unlock()
	i := slices.Index(s.bound, endpoint)
	if i < 0 {
		return fmt.Errorf("inproc: endpoint %q not bound", endpoint)
	}
	s.bound = slices.Delete(s.bound, i, i+1)
	delete(s.ctx.binds, endpoint)
	s.dropLinksLocked(endpoint, true)
	return nil
}

func (s *socket) Connect(endpoint string, routingID []byte) error {
	s.ctx.μ.Lock()
	defer s.ctx.μ.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	t, ok := s.ctx.binds[endpoint]
	if !ok {
		return fmt.Errorf("inproc: connect %q: %w", endpoint, ErrRefused)
	}
	for _, lk := range s.links {
		if lk.endpoint == endpoint && !lk.accepted {
			return fmt.Errorf("inproc: already connected to %q", endpoint)
		}
	}
	pid := t.id
	if len(routingID) != 0 {
		pid = string(routingID)
	}
	s.links = append(s.links, &link{peer: t, id: pid, endpoint: endpoint})
	t.links = append(t.links, &link{peer: s, id: s.id, endpoint: endpoint, accepted: true})

	// Replay existing subscriptions to a new publisher.
	if t.kind == transport.XPub {
		for topic, n := range s.subs {
			if n > 0 {
				t.pushNoWait([][]byte{append([]byte{1}, topic...)})
			}
		}
	}
	return nil
}

func (s *socket) Disconnect(endpoint string) error {
	s.ctx.μ.Lock()
	defer s.ctx.μ.Unlock()
	if !s.dropLinksLocked(endpoint, false) {
		return fmt.Errorf("inproc: endpoint %q not connected", endpoint)
	}
	return nil
}

// dropLinksLocked removes links of s for endpoint with the given accepted
// state, along with their reciprocal links. It reports whether any links were
// removed. The caller must hold s.ctx.μ.
func (s *socket) dropLinksLocked(endpoint string, accepted bool) bool {
	var found bool
	s.links = slices.DeleteFunc(s.links, func(lk *link) bool {
		if lk.endpoint != endpoint || lk.accepted != accepted {
			return false
		}
		found = true
		lk.peer.links = slices.DeleteFunc(lk.peer.links, func(pk *link) bool {
			return pk.peer == s && pk.endpoint == endpoint
		})
		return true
	})
	return found
}

func (s *socket) Send(frames [][]byte, timeout time.Duration) error {
	if !s.kind.CanSend() {
		return fmt.Errorf("inproc: %v socket cannot send", s.kind)
	} else if len(frames) == 0 {
		return errors.New("inproc: empty message")
	}
	msg := slices.Clone(frames)

	s.ctx.μ.Lock()
	if s.closed {
		s.ctx.μ.Unlock()
		return transport.ErrClosed
	}
	switch s.kind {
	case transport.Router:
		rid := string(msg[0])
		i := slices.IndexFunc(s.links, func(lk *link) bool { return lk.id == rid })
		if i < 0 {
			s.ctx.μ.Unlock()
			if s.opts.RouterMandatory {
				return transport.ErrHostUnreachable
			}
			return nil
		}
		peer := s.links[i].peer
		out := s.framesFor(peer, msg[1:])
		s.ctx.μ.Unlock()
		return peer.push(out, timeout)

	case transport.Pub, transport.XPub:
		for _, lk := range s.links {
			if lk.peer.matchesLocked(msg[0]) {
				lk.peer.pushNoWait(msg) // slow subscribers lose messages
			}
		}
		s.ctx.μ.Unlock()
		return nil

	case transport.XSub:
		if len(msg) == 1 && len(msg[0]) != 0 && msg[0][0] <= 1 {
			s.subscribeLocked(msg[0][1:], msg[0][0] == 1)
			s.ctx.μ.Unlock()
			return nil
		}
		for _, lk := range s.links {
			lk.peer.pushNoWait(msg)
		}
		s.ctx.μ.Unlock()
		return nil
	}

	// Dealer, Push, Pair: round-robin among connected peers.
	if len(s.links) == 0 {
		s.ctx.μ.Unlock()
		return transport.ErrWouldBlock
	}
	s.next = (s.next + 1) % len(s.links)
	peer := s.links[s.next].peer
	out := s.framesFor(peer, msg)
	s.ctx.μ.Unlock()
	return peer.push(out, timeout)
}

// framesFor returns msg as it should be delivered from s to peer.
// The caller must hold s.ctx.μ.
func (s *socket) framesFor(peer *socket, msg [][]byte) [][]byte {
	if peer.kind != transport.Router {
		return msg
	}
	for _, lk := range peer.links {
		if lk.peer == s {
			return append([][]byte{[]byte(lk.id)}, msg...)
		}
	}
	return append([][]byte{[]byte(s.id)}, msg...)
}

// push delivers msg to the inbox of s, waiting up to timeout for space.
func (s *socket) push(msg [][]byte, timeout time.Duration) error {
	select {
	case s.inbox <- msg:
		s.w.Notify()
		return nil
	default:
		if timeout == 0 {
			return transport.ErrWouldBlock
		}
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case s.inbox <- msg:
		s.w.Notify()
		return nil
	case <-expired:
		return transport.ErrWouldBlock
	case <-s.done:
		return nil // the peer went away; the message is lost
	}
}

func (s *socket) pushNoWait(msg [][]byte) {
	select {
	case s.inbox <- msg:
		s.w.Notify()
	default:
	}
}

func (s *socket) Recv(timeout time.Duration) ([][]byte, error) {
	if !s.kind.CanRecv() {
		return nil, fmt.Errorf("inproc: %v socket cannot receive", s.kind)
	}
	select {
	case msg := <-s.inbox:
		s.notifyPeers()
		return msg, nil
	case <-s.done:
		return nil, transport.ErrClosed
	default:
		if timeout == 0 {
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
		s.notifyPeers()
		return msg, nil
	case <-expired:
		return nil, transport.ErrWouldBlock
	case <-s.done:
		return nil, transport.ErrClosed
	}
}

// notifyPeers wakes pollers of connected peers, which may now be writable.
func (s *socket) notifyPeers() {
	s.ctx.μ.Lock()
	peers := make([]*socket, len(s.links))
	for i, lk := range s.links {
		peers[i] = lk.peer
	}
	s.ctx.μ.Unlock()
	for _, p := range peers {
		p.w.Notify()
	}
}

func (s *socket) Writable() bool {
	if !s.kind.CanSend() {
		return false
	}
	s.ctx.μ.Lock()
	defer s.ctx.μ.Unlock()
	switch s.kind {
	case transport.Router, transport.Pub, transport.XPub, transport.XSub:
		return !s.closed
	}
	for _, lk := range s.links {
		if len(lk.peer.inbox) < cap(lk.peer.inbox) {
			return true
		}
	}
	return false
}

func (s *socket) Subscribe(topic []byte) error   { return s.setSubscription(topic, true) }
func (s *socket) Unsubscribe(topic []byte) error { return s.setSubscription(topic, false) }

func (s *socket) setSubscription(topic []byte, on bool) error {
	if s.kind != transport.Sub && s.kind != transport.XSub {
		return fmt.Errorf("inproc: %v socket does not subscribe", s.kind)
	}
	s.ctx.μ.Lock()
	defer s.ctx.μ.Unlock()
	s.subscribeLocked(topic, on)
	return nil
}

// subscribeLocked updates the subscription count for topic and forwards the
// change to connected XPUB peers. The caller must hold s.ctx.μ.
func (s *socket) subscribeLocked(topic []byte, on bool) {
	key := string(topic)
	old := s.subs[key]
	if on {
		s.subs[key]++
	} else if old > 0 {
		s.subs[key]--
	}
	if s.subs[key] == 0 {
		delete(s.subs, key)
	}
	changed := (old == 0) == on
	for _, lk := range s.links {
		if lk.peer.kind != transport.XPub || !(changed || lk.peer.opts.XPubVerbose) {
			continue
		}
		var flag byte
		if on {
			flag = 1
		}
		lk.peer.pushNoWait([][]byte{append([]byte{flag}, topic...)})
	}
}

// matchesLocked reports whether a message whose first frame is topic should
// be delivered to s. The caller must hold s.ctx.μ.
func (s *socket) matchesLocked(topic []byte) bool {
	if s.kind != transport.Sub && s.kind != transport.XSub {
		return true
	}
	for prefix := range s.subs {
		if bytes.HasPrefix(topic, []byte(prefix)) {
			return true
		}
	}
	return false
}

// Close implements a method of [transport.Socket]. The inproc transport does
// not buffer outbound messages, so linger has no effect.
func (s *socket) Close(linger time.Duration) error {
	s.ctx.μ.Lock()
	if s.closed {
		s.ctx.μ.Unlock()
		return transport.ErrClosed
	}
	s.closed = true
	close(s.done)
	bound := slices.Clone(s.bound)
	var conns []string
	for _, lk := range s.links {
		if !lk.accepted {
			conns = append(conns, lk.endpoint)
		}
	}
	s.ctx.μ.Unlock()

	var err error
	for _, ep := range bound {
		err = multierr.Append(err, s.Unbind(ep))
	}
	for _, ep := range conns {
		err = multierr.Append(err, s.Disconnect(ep))
	}
	s.w.Notify()
	return err
}
