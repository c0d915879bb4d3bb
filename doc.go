// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package butler implements the messaging core of a distributed service
// platform, in which services and clients exchange typed binary messages over
// ZeroMQ-style sockets.
//
// # Channels
//
// A [Channel] wraps a [transport.Socket] of a particular kind (DEALER, ROUTER,
// PUB, SUB, and so on) along with its open endpoints. Channels are owned by a
// [Manager], which creates their sockets, polls them for input and keeps a
// queue of deferred work:
//
//	m := butler.NewManager(inproc.New())
//	ch := butler.NewChannel(transport.Router, []byte("svc"))
//	if err := m.Add(ch); err != nil {
//	   log.Fatalf("Add: %v", err)
//	}
//	addr, err := ch.Bind("inproc://*")
//
// A channel either binds or connects, never both. A PAIR channel has at most
// one endpoint.
//
// # Handlers and Sessions
//
// Each channel has at most one [MessageHandler]. The generic [Handler] tracks a
// [Session] for each remote peer, keyed by routing id, and implements the
// receive path (greeting check, parse, dispatch) and the send path for a
// [Protocol]. A send that would block is queued on the session and retried
// from the manager's deferred queue; a session that remains blocked longer
// than the resume timeout is cancelled.
//
// The fbsp and fbdp packages build the service and data-pipe protocols on
// top of Handler.
//
// # Event Loop
//
// A manager and its channels are not safe for concurrent use. One goroutine
// drives them with [Manager.Run] or [Manager.Step]:
//
//	go m.Run(ctx, butler.LoopOptions{})
//
// Each step polls the registered channels, passes one message from each ready
// channel to its handler, and runs deferred work.
//
// # Metrics
//
// Handlers maintain a collection of metrics. Use the [Handler.Metrics] method
// to obtain an [expvar.Map] containing them. By default, metrics are shared
// globally among all handlers; [Handler.Detach] gives a handler its own.
//
// The metrics currently exported include:
//
//   - messages_received: counter of inbound messages
//   - messages_sent: counter of messages delivered to the transport
//   - messages_deferred: counter of messages queued for a later send
//   - messages_dropped: counter of messages discarded without processing
//   - messages_invalid: counter of inbound messages failing validation
//   - sessions_active: gauge of current sessions
//   - sessions_suspended: counter of session suspensions
//   - sessions_resumed: counter of session resumptions
//   - sessions_cancelled: counter of cancelled sessions
package butler
