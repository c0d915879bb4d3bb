// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package butler

import "expvar"

// handlerMetrics record message handler activity counters.
type handlerMetrics struct {
	msgRecv           expvar.Int
	msgSent           expvar.Int
	msgDeferred       expvar.Int // sends queued for retry
	msgDropped        expvar.Int // messages discarded without processing
	msgInvalid        expvar.Int // inbound messages failing validation
	sessionsActive    expvar.Int // gauge
	sessionsSuspended expvar.Int // number of times a session was suspended
	sessionsResumed   expvar.Int
	sessionsCancelled expvar.Int

	emap *expvar.Map
}

var rootMetrics = newHandlerMetrics()

func newHandlerMetrics() *handlerMetrics {
	hm := &handlerMetrics{emap: new(expvar.Map)}
	hm.emap.Set("messages_received", &hm.msgRecv)
	hm.emap.Set("messages_sent", &hm.msgSent)
	hm.emap.Set("messages_deferred", &hm.msgDeferred)
	hm.emap.Set("messages_dropped", &hm.msgDropped)
	hm.emap.Set("messages_invalid", &hm.msgInvalid)
	hm.emap.Set("sessions_active", &hm.sessionsActive)
	hm.emap.Set("sessions_suspended", &hm.sessionsSuspended)
	hm.emap.Set("sessions_resumed", &hm.sessionsResumed)
	hm.emap.Set("sessions_cancelled", &hm.sessionsCancelled)
	return hm
}
