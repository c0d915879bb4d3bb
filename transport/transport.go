// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package transport defines the socket interface used by butler channels.
//
// A Socket is a message-oriented endpoint in the style of ZeroMQ: it carries
// multi-frame messages, supports several messaging patterns selected by its
// [Kind], and can bind or connect to any number of endpoints. The inproc and
// zmtp subpackages provide implementations.
//
// Sockets signal readiness to a [Poller] through [Watchers], so that a single
// goroutine can wait for input on many sockets at once.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrWouldBlock is reported by Send and Recv when the operation could not
	// complete before its timeout expired.
	ErrWouldBlock = errors.New("operation would block")

	// ErrHostUnreachable is reported by a routed socket that has no peer with
	// the routing id of an outbound message.
	ErrHostUnreachable = errors.New("host unreachable")

	// ErrClosed is reported by operations on a closed socket.
	ErrClosed = net.ErrClosed
)

// Kind identifies the messaging pattern of a socket.
type Kind byte

const (
	Dealer Kind = iota + 1
	Router
	Pub
	Sub
	XPub
	XSub
	Push
	Pull
	Pair
)

func (k Kind) String() string {
	switch k {
	case Dealer:
		return "DEALER"
	case Router:
		return "ROUTER"
	case Pub:
		return "PUB"
	case Sub:
		return "SUB"
	case XPub:
		return "XPUB"
	case XSub:
		return "XSUB"
	case Push:
		return "PUSH"
	case Pull:
		return "PULL"
	case Pair:
		return "PAIR"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// CanSend reports whether sockets of kind k may send messages.
func (k Kind) CanSend() bool { return k != Sub && k != Pull }

// CanRecv reports whether sockets of kind k may receive messages.
func (k Kind) CanRecv() bool { return k != Pub && k != Push }

// Options are settings applied to a socket when it is created.
type Options struct {
	// Identity is the routing id presented to ROUTER peers. If empty, the
	// transport assigns an anonymous identity.
	Identity []byte

	// RouterMandatory makes a ROUTER report ErrHostUnreachable for messages
	// addressed to an unknown peer instead of silently dropping them.
	RouterMandatory bool

	// XPubVerbose makes an XPUB socket pass every subscription message to
	// the application, including duplicates.
	XPubVerbose bool

	// HWM is the capacity of the inbound message queue.
	// If HWM ≤ 0, DefaultHWM is used.
	HWM int
}

// DefaultHWM is the default inbound queue capacity.
const DefaultHWM = 1000

// QueueSize returns the effective inbound queue capacity for o.
func (o Options) QueueSize() int {
	if o.HWM <= 0 {
		return DefaultHWM
	}
	return o.HWM
}

// A Socket is a message endpoint. A Socket must be safe for concurrent use,
// although a butler channel uses it from a single goroutine.
//
// Timeouts passed to Send and Recv follow socket conventions: zero means
// do not wait, and a negative value means wait indefinitely.
type Socket interface {
	// Kind reports the messaging pattern of the socket.
	Kind() Kind

	// Bind listens on endpoint and returns the concrete address bound, which
	// differs from endpoint if it contained a wildcard.
	Bind(endpoint string) (string, error)

	// Unbind stops listening on a previously bound endpoint.
	Unbind(endpoint string) error

	// Connect connects to endpoint. If routingID is not empty, it is the
	// identity used to address the peer from a ROUTER.
	Connect(endpoint string, routingID []byte) error

	// Disconnect closes a connection made by Connect.
	Disconnect(endpoint string) error

	// Send sends a multi-frame message.
	Send(frames [][]byte, timeout time.Duration) error

	// Recv receives a multi-frame message.
	Recv(timeout time.Duration) ([][]byte, error)

	// Subscribe and Unsubscribe manage topic filters on SUB sockets.
	Subscribe(topic []byte) error
	Unsubscribe(topic []byte) error

	// Readable reports whether a message is ready to receive.
	Readable() bool

	// Writable reports whether a message could be sent without blocking.
	Writable() bool

	// Watchers returns the set of poll notifiers for the socket.
	Watchers() *Watchers

	// Close closes the socket. Pending outbound messages are kept for up to
	// linger, if the transport supports it.
	Close(linger time.Duration) error
}

// A Context constructs sockets for a transport.
type Context interface {
	NewSocket(kind Kind, opts Options) (Socket, error)
}
