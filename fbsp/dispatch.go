// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fbsp

import (
	"github.com/creachadair/butler"
	"go.uber.org/zap"
)

// A HandlerFunc processes an inbound message for a session.
type HandlerFunc func(s *Session, msg *Message) error

// A tableKey selects the handler for a message. A key with exact set matches
// only messages whose type data equals code.
type tableKey struct {
	mtype MsgType
	code  uint16
	exact bool
}

// endpoint is the state shared by the service and client handlers.
type endpoint struct {
	*butler.Handler[PeerState, *Message]

	table map[tableKey]HandlerFunc
}

func newEndpoint(role butler.Origin) endpoint {
	return endpoint{
		Handler: butler.NewHandler[PeerState, *Message](role, Default),
		table:   make(map[tableKey]HandlerFunc),
	}
}

func (e *endpoint) setHandler(key tableKey, fn HandlerFunc) {
	if fn == nil {
		delete(e.table, key)
	} else {
		e.table[key] = fn
	}
}

// lookup returns the handler for msg, preferring an entry for its type and
// type data over an entry for its type alone.
func (e *endpoint) lookup(msg *Message) HandlerFunc {
	if fn, ok := e.table[tableKey{mtype: msg.Type, code: msg.TypeData, exact: true}]; ok {
		return fn
	}
	return e.table[tableKey{mtype: msg.Type}]
}

// send sends msg to s with default options.
func (e *endpoint) send(msg *Message, s *Session) error {
	_, err := e.Send(msg, s)
	return err
}

// handleNoop acknowledges a NOOP if the peer asked for it.
func (e *endpoint) handleNoop(s *Session, msg *Message) error {
	if msg.HasFlag(AckReq) {
		return e.send(AckFor(msg), s)
	}
	return nil
}

// closeSession sends CLOSE to the peer of s if nothing is waiting to be sent
// to it, then discards s. Send errors are ignored, since the peer may be gone.
func (e *endpoint) closeSession(s *Session) {
	if s.Pending() == 0 && s.State.Greeting != nil {
		msg := NewMessage(Close, s.State.Greeting.Token, 0, 0)
		if _, err := e.SendWith(msg, s, butler.SendOptions{NoDefer: true}); err != nil {
			e.Log().Debug("send CLOSE failed", zap.String("rid", string(s.RoutingID)), zap.Error(err))
		}
	}
	e.DiscardSession(s)
}
