// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package butler

import (
	"time"

	"github.com/creachadair/mds/queue"
)

// A Session tracks the exchange with one remote peer on a channel. The type
// parameter T carries the protocol-specific state of the session.
//
// Outbound messages that could not be sent immediately wait in the session
// queue, and later messages queue behind them so that delivery order is
// preserved.
type Session[T any] struct {
	// RoutingID is the key of the session in its handler.
	RoutingID RoutingID

	// EndpointAddress is the endpoint the local peer connected to in order
	// to create this session, or "" if the remote peer initiated it.
	EndpointAddress string

	// Discarded is set once the session has been removed from its handler.
	Discarded bool

	// State is the protocol state of the session.
	State T

	pending      *queue.Queue[[][]byte]
	pendingSince time.Time
}

func newSession[T any](rid RoutingID) *Session[T] {
	return &Session[T]{RoutingID: rid, pending: queue.New[[][]byte]()}
}

// IsSuspended reports whether s has outbound messages waiting to be sent.
func (s *Session[T]) IsSuspended() bool { return !s.pendingSince.IsZero() }

// Pending reports the number of outbound messages queued for s.
func (s *Session[T]) Pending() int { return s.pending.Len() }

// PendingSince reports when s was last suspended, or the zero time if it is
// not suspended. It is reset each time a queued message is delivered.
func (s *Session[T]) PendingSince() time.Time { return s.pendingSince }

// sendLater queues frames for a later send.
func (s *Session[T]) sendLater(frames [][]byte, now time.Time) {
	if s.pending.IsEmpty() {
		s.pendingSince = now
	}
	s.pending.Add(frames)
}

// messageSent removes the head of the queue after a successful send.
func (s *Session[T]) messageSent() {
	s.pending.Pop()
	s.pendingSince = time.Time{}
}
