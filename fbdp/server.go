// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fbdp

import (
	"time"

	"github.com/creachadair/butler"
	"github.com/creachadair/butler/dataframe"
	"go.uber.org/zap"
)

// A Server handles the server end of data pipes. A client opens a pipe with
// OPEN; the server then drives the exchange by offering batches with READY.
//
// For an INPUT stream the client produces DATA and the server consumes it;
// for OUTPUT and MONITOR streams the roles are reversed.
type Server struct {
	pipe

	// ReadyProbeInterval is how long the server waits before it offers a new
	// batch to a client that reported it was not ready. If zero,
	// DefaultReadyProbeInterval is used.
	ReadyProbeInterval time.Duration

	// ReadyProbeCount is how many times the server probes a client that is
	// not ready before it closes the pipe with TIMEOUT. If zero,
	// DefaultReadyProbeCount is used.
	ReadyProbeCount int

	// OnAcceptClient is called when a client opens a pipe. It returns the
	// size of the first batch to offer; zero means the server is not ready.
	// An error closes the pipe. If nil, every pipe is refused.
	OnAcceptClient func(s *Session, open *dataframe.Open) (int, error)

	// OnBatchStart, if set, is called when a batch starts on a stream the
	// server produces. If it is nil and OnProduceData is set, the server
	// sends DATA from the producer.
	OnBatchStart func(s *Session)

	// OnBatchEnd, if set, is called when the last DATA of a batch the server
	// consumes has been accepted. If nil, the server offers a new batch.
	OnBatchEnd func(s *Session)
}

// NewServer constructs a new pipe Server.
func NewServer() *Server {
	srv := &Server{pipe: newPipe(butler.OriginService)}
	srv.Dispatch = srv.dispatch
	srv.OnSessionCreated = func(s *Session) {
		s.State.BatchSize = srv.batchSize()
		s.State.ProbeCountdown = srv.probeCount()
	}
	return srv
}

func (srv *Server) probeInterval() time.Duration {
	if srv.ReadyProbeInterval > 0 {
		return srv.ReadyProbeInterval
	}
	return DefaultReadyProbeInterval
}

func (srv *Server) probeCount() int {
	if srv.ReadyProbeCount > 0 {
		return srv.ReadyProbeCount
	}
	return DefaultReadyProbeCount
}

func (srv *Server) dispatch(s *Session, msg *Message) error {
	switch msg.Type {
	case Open:
		srv.handleOpen(s, msg)
	case Ready:
		srv.handleReady(s, msg)
	case Noop:
		return srv.handleNoop(s, msg)
	case Data:
		srv.handleData(s, msg)
	case Close:
		srv.handleClose(s, msg)
	default:
		srv.handleUnknown(s, msg)
	}
	return nil
}

func (srv *Server) handleOpen(s *Session, msg *Message) {
	st := &s.State
	st.Pipe, st.Stream, st.Format = msg.Open.DataPipe, msg.Open.PipeStream, msg.Open.DataFormat

	var ready int
	var err error
	if srv.OnAcceptClient != nil {
		ready, err = srv.OnAcceptClient(s, msg.Open)
	} else {
		srv.logger(s).Warn("no client accept handler; pipe is not ready")
	}
	if err == nil {
		srv.logger(s).Info("pipe open", zap.Stringer("stream", st.Stream), zap.String("format", st.Format))
		err = srv.SendReady(s, ready, true)
	}
	if err != nil {
		srv.SendClose(s, closeCode(err), err)
	}
}

func (srv *Server) handleReady(s *Session, msg *Message) {
	st := &s.State
	n := int(msg.TypeData)
	st.Ready, st.Transmit = n, n
	if n == 0 {
		if st.ProbeCountdown > 0 {
			st.ZeroReadyAt = srv.Now()
			srv.later(func() { srv.sendReadyProbe(s) })
		} else {
			srv.SendClose(s, Timeout, nil)
		}
		return
	}
	st.ZeroReadyAt = time.Time{}
	st.ProbeCountdown = srv.probeCount()
	if st.Stream != dataframe.StreamInput {
		srv.batchStart(s)
	}
}

// sendReadyProbe offers a new batch to a client that was not ready, once the
// probe interval has passed.
func (srv *Server) sendReadyProbe(s *Session) {
	if s.Discarded {
		return
	}
	if srv.Now().Sub(s.State.ZeroReadyAt) < srv.probeInterval() {
		srv.later(func() { srv.sendReadyProbe(s) })
		return
	}
	s.State.ProbeCountdown--
	if err := srv.SendReady(s, s.State.BatchSize, false); err != nil {
		srv.logger(s).Error("send READY probe failed", zap.Error(err))
		srv.CancelSession(s)
	}
}

func (srv *Server) batchStart(s *Session) {
	switch {
	case srv.OnBatchStart != nil:
		srv.OnBatchStart(s)
	case srv.OnProduceData != nil:
		srv.produce(s)
	default:
		srv.logger(s).Error("no data producer for stream", zap.Stringer("stream", s.State.Stream))
		srv.SendClose(s, InternalError, butler.Stop(uint32(InternalError), "data producer is not available"))
	}
}

func (srv *Server) batchEnd(s *Session) {
	if srv.OnBatchEnd != nil {
		srv.OnBatchEnd(s)
		return
	}
	if err := srv.SendReady(s, s.State.BatchSize, false); err != nil {
		srv.logger(s).Error("send READY failed", zap.Error(err))
		srv.CancelSession(s)
	}
}

func (srv *Server) handleData(s *Session, msg *Message) {
	if s.State.Stream != dataframe.StreamInput {
		if msg.HasFlag(AckReply) {
			if srv.OnDataConfirmed != nil {
				srv.OnDataConfirmed(s, msg)
			}
			return
		}
		srv.SendClose(s, ProtocolViolation, nil)
		return
	}
	if !srv.acceptData(s, msg) {
		return
	}
	s.State.Transmit--
	if s.State.Transmit <= 0 {
		srv.batchEnd(s)
	}
}
