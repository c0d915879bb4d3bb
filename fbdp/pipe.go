// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fbdp

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/creachadair/butler"
	"go.uber.org/zap"
)

// Default settings for pipe handlers.
const (
	DefaultBatchSize          = 50
	DefaultReadyProbeInterval = 10 * time.Second
	DefaultReadyProbeCount    = 10

	// MaxBatchSize is the largest batch size a READY can carry.
	MaxBatchSize = math.MaxUint16
)

var (
	// ErrBrokenPipe is reported when a READY could not be delivered.
	ErrBrokenPipe error = butler.Stop(0, "broken pipe")

	// ErrEndOfData is returned by a data producer to close the pipe normally.
	ErrEndOfData = errors.New("end of data")
)

// closeCode returns the CLOSE code reported for a callback error. A code too
// wide for the type data of a CLOSE is reported as InternalError.
func closeCode(err error) ErrorCode {
	if c, ok := butler.ErrorCode(err); ok {
		if c > math.MaxUint16 {
			return InternalError
		}
		return ErrorCode(c)
	}
	var stop *butler.StopError
	if errors.As(err, &stop) {
		return GenericError
	}
	return InternalError
}

// pipe is the state and behaviour shared by the server and client handlers.
type pipe struct {
	*butler.Handler[PipeState, *Message]

	// BatchSize is the batch size for new sessions. If zero,
	// DefaultBatchSize is used.
	BatchSize int

	// ConfirmProcessing, if true, delays the acknowledgement of a DATA
	// message until it has been accepted.
	ConfirmProcessing bool

	// OnPipeClosed, if set, is called after a pipe closes, with the CLOSE
	// message sent or received.
	OnPipeClosed func(s *Session, msg *Message)

	// OnAcceptData, if set, is called with the payload of each inbound DATA
	// message. An error closes the pipe; see the package documentation for
	// how the CLOSE code is chosen.
	OnAcceptData func(s *Session, data []byte) error

	// OnProduceData, if set, is called to obtain the payload of each outbound
	// DATA message when a batch starts and no OnBatchStart is set. Returning
	// nil data with no error retries later; ErrEndOfData closes the pipe
	// normally.
	OnProduceData func(s *Session) ([]byte, error)

	// OnDataConfirmed, if set, is called when the peer acknowledges a DATA
	// message.
	OnDataConfirmed func(s *Session, msg *Message)
}

func newPipe(role butler.Origin) pipe {
	return pipe{Handler: butler.NewHandler[PipeState, *Message](role, Default)}
}

func (p *pipe) batchSize() int {
	if p.BatchSize > 0 {
		return p.BatchSize
	}
	return DefaultBatchSize
}

func (p *pipe) logger(s *Session) *zap.Logger {
	return p.Log().With(zap.String("rid", string(s.RoutingID)), zap.String("pipe", s.State.Pipe))
}

// later schedules fn on the manager of the channel.
func (p *pipe) later(fn func()) bool {
	ch := p.Channel()
	if ch == nil || ch.Manager() == nil {
		p.Log().Error("cannot defer without a manager")
		return false
	}
	ch.Manager().Defer(fn)
	return true
}

// SendReady sends READY(n) to s. If noDefer is true, transport errors are
// returned rather than handled by the session. It reports ErrBrokenPipe if
// the message was not sent or queued, and an INVALID_DATA error without
// sending anything if n is negative or exceeds MaxBatchSize.
func (p *pipe) SendReady(s *Session, n int, noDefer bool) error {
	if n < 0 || n > MaxBatchSize {
		return butler.Stop(uint32(InvalidData), fmt.Sprintf("batch size %d out of range", n))
	}
	ok, err := p.SendWith(NewMessage(Ready, uint16(n), 0), s, butler.SendOptions{NoDefer: noDefer})
	if err != nil {
		return err
	} else if !ok && (s.Discarded || s.Pending() == 0) {
		return ErrBrokenPipe
	}
	return nil
}

// SendClose sends CLOSE with the given code to s, noting err if it is not
// nil, and then discards s. Errors sending the CLOSE are ignored.
func (p *pipe) SendClose(s *Session, code ErrorCode, err error) {
	msg := NewMessage(Close, uint16(code), 0)
	if err != nil {
		msg.NoteError(err)
	}
	p.logPipeClose(s, msg, butler.DirOut)
	if !s.Discarded {
		if _, err := p.SendWith(msg, s, butler.SendOptions{NoDefer: true}); err != nil {
			p.logger(s).Debug("send CLOSE failed", zap.Error(err))
		}
	}
	p.DiscardSession(s)
	p.pipeClosed(s, msg)
}

func (p *pipe) logPipeClose(s *Session, msg *Message, dir butler.Direction) {
	fields := []zap.Field{
		zap.Stringer("dir", dir),
		zap.Stringer("code", msg.ErrorCode()),
		zap.Stringer("stream", s.State.Stream),
	}
	for _, e := range msg.Errors {
		fields = append(fields, zap.String("error", e.Description))
	}
	if msg.ErrorCode() == OK {
		p.logger(s).Info("pipe closed", fields...)
	} else {
		p.logger(s).Error("pipe closed with error", fields...)
	}
}

func (p *pipe) pipeClosed(s *Session, msg *Message) {
	if p.OnPipeClosed != nil {
		p.OnPipeClosed(s, msg)
	}
}

// handleUnknown closes an open pipe on a message the local end cannot
// process.
func (p *pipe) handleUnknown(s *Session, msg *Message) {
	p.logger(s).Warn("unexpected message", zap.Stringer("msg", msg))
	if s.State.IsOpen() {
		p.SendClose(s, InvalidMessage, nil)
	} else {
		p.DiscardSession(s)
	}
}

func (p *pipe) handleNoop(s *Session, msg *Message) error {
	if msg.HasFlag(AckReq) {
		_, err := p.Send(AckFor(msg), s)
		return err
	}
	return nil
}

func (p *pipe) handleClose(s *Session, msg *Message) {
	p.logPipeClose(s, msg, butler.DirIn)
	p.pipeClosed(s, msg)
	p.DiscardSession(s)
}

// acceptData acknowledges and processes an inbound DATA message. It reports
// false if the pipe was closed or the session cancelled.
func (p *pipe) acceptData(s *Session, msg *Message) bool {
	ack := msg.HasFlag(AckReq)
	if ack && !p.ConfirmProcessing {
		if !p.sendAck(s, msg) {
			return false
		}
	}
	var err error
	if p.OnAcceptData != nil {
		err = p.OnAcceptData(s, msg.Data)
	} else {
		err = butler.Stop(uint32(NotImplemented), "data is not accepted")
	}
	if err != nil {
		p.SendClose(s, closeCode(err), err)
		return false
	}
	if ack && p.ConfirmProcessing {
		return p.sendAck(s, msg)
	}
	return true
}

func (p *pipe) sendAck(s *Session, msg *Message) bool {
	if _, err := p.SendWith(AckFor(msg), s, butler.SendOptions{CancelOnError: true}); err != nil {
		p.logger(s).Error("send ACK failed", zap.Error(err))
		return false
	}
	return !s.Discarded
}

// produce sends DATA messages to s until the current batch is done, the pipe
// closes, or the producer has nothing to send yet.
func (p *pipe) produce(s *Session) {
	for !s.Discarded && s.State.Transmit > 0 {
		data, err := p.OnProduceData(s)
		if errors.Is(err, ErrEndOfData) {
			p.SendClose(s, OK, nil)
			return
		} else if err != nil {
			p.SendClose(s, closeCode(err), err)
			return
		} else if data == nil {
			p.later(func() { p.produce(s) })
			return
		}
		msg := NewMessage(Data, 0, 0)
		msg.Data = data
		if _, err := p.SendWith(msg, s, butler.SendOptions{CancelOnError: true}); err != nil {
			p.logger(s).Error("send DATA failed", zap.Error(err))
			p.CancelSession(s)
			return
		}
		if s.Discarded {
			return
		}
		s.State.Transmit--
	}
	if !s.Discarded && p.Role() == butler.OriginService {
		// A producing server starts the next batch.
		if err := p.SendReady(s, s.State.BatchSize, false); err != nil {
			p.logger(s).Error("send READY failed", zap.Error(err))
			p.CancelSession(s)
		}
	}
}

// Close closes every open pipe with code OK, and discards the other sessions.
func (p *pipe) Close() {
	for _, s := range p.Sessions() {
		if s.State.IsOpen() {
			p.SendClose(s, OK, nil)
		} else {
			p.DiscardSession(s)
		}
	}
}
