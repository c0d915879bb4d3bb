// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fbsp

import (
	"github.com/creachadair/butler"
	"github.com/creachadair/butler/dataframe"
	"go.uber.org/zap"
)

const violationText = "Received message is a valid FBSP message, but does not conform to the protocol."

// A Service handles the messages sent to an FBSP service by its clients.
//
// Messages are routed to handlers registered by type, or by type and type
// data. The handlers installed by NewService provide the default behaviour
// for each message type; to implement service requests, register handlers
// with HandleRequest:
//
//	svc := fbsp.NewService(info)
//	svc.HandleRequest(1, 1, func(s *fbsp.Session, req *fbsp.Message) error {
//	   reply := fbsp.ReplyFor(req)
//	   reply.Data = [][]byte{...}
//	   _, err := svc.Send(reply, s)
//	   return err
//	})
//
// Only NOOP is acknowledged automatically. A handler for REQUEST, REPLY, DATA,
// STATE or CANCEL must itself send AckFor(msg) when msg has the ACK_REQ flag
// and the acknowledgement is wanted.
type Service struct {
	endpoint

	// Info, if set, is sent as a WELCOME in reply to each HELLO.
	Info *dataframe.Welcome

	// OnAckReply, if set, is called for an ACK_REPLY of a REPLY.
	OnAckReply func(s *Session, msg *Message)

	// OnCancelRequest, if set, handles a CANCEL. If it is nil, the client gets
	// an ERROR with code NOT_IMPLEMENTED.
	OnCancelRequest HandlerFunc
}

// NewService constructs a Service that announces info to its clients. If info
// is nil, the HELLO handler must be replaced by one that sends a WELCOME.
func NewService(info *dataframe.Welcome) *Service {
	svc := &Service{endpoint: newEndpoint(butler.OriginService), Info: info}
	svc.Dispatch = svc.dispatch
	svc.OnInvalidMessage = svc.handleInvalidMessage
	svc.OnDispatchError = svc.handleDispatchError

	svc.Handle(Hello, svc.handleHello).
		Handle(Welcome, svc.sendProtocolViolation).
		Handle(Noop, svc.handleNoop).
		Handle(Request, svc.handleRequest).
		Handle(Reply, svc.handleReply).
		Handle(Data, svc.handleData).
		Handle(Cancel, svc.handleCancel).
		Handle(State, svc.sendProtocolViolation).
		Handle(Close, svc.handleClose).
		Handle(Error, svc.sendProtocolViolation)
	return svc
}

// Handle registers fn to handle messages of type t, and returns svc to permit
// chaining. If fn == nil, the handler for t is removed.
func (svc *Service) Handle(t MsgType, fn HandlerFunc) *Service {
	svc.setHandler(tableKey{mtype: t}, fn)
	return svc
}

// HandleCode registers fn to handle messages of type t with the given type
// data, and returns svc to permit chaining. If fn == nil, the handler is
// removed.
func (svc *Service) HandleCode(t MsgType, typeData uint16, fn HandlerFunc) *Service {
	svc.setHandler(tableKey{mtype: t, code: typeData, exact: true}, fn)
	return svc
}

// HandleRequest registers fn to handle a REQUEST for the given interface
// number and API code.
func (svc *Service) HandleRequest(iface, api byte, fn HandlerFunc) *Service {
	return svc.HandleCode(Request, RequestCode(iface, api), fn)
}

func (svc *Service) dispatch(s *Session, msg *Message) error {
	if msg.Type == Hello {
		s.State.Greeting = msg
	}
	fn := svc.lookup(msg)
	if fn == nil {
		return svc.handleUnknown(s, msg)
	}
	if err := fn(s, msg); err != nil {
		svc.handleException(s, msg, err)
	}
	return nil
}

// related returns the message an ERROR in reply to msg should relate to: msg
// itself if an ERROR can relate to its type, otherwise the greeting.
func related(s *Session, msg *Message) *Message {
	if CanRelateTo(msg.Type) || s.State.Greeting == nil {
		return msg
	}
	return s.State.Greeting
}

// SendError sends an ERROR with the given code relating to msg. The error has
// one description with the given text, whose code is appCode if it is
// nonzero, otherwise code. If err != nil, it is also noted in the message.
func (svc *Service) SendError(s *Session, msg *Message, code ErrorCode, description string, appCode uint64, err error) error {
	em := ErrorFor(msg, code)
	if appCode == 0 {
		appCode = uint64(code)
	}
	em.AddError(appCode, description)
	if err != nil {
		NoteError(em, err)
	}
	return svc.send(em, s)
}

// handleException reports an error returned by a message handler to the
// client. The error relates to msg if it is a REQUEST, otherwise to the
// greeting. If err carries an error code that fits an ERROR, that code is
// reported, otherwise INTERNAL_SERVICE_ERROR.
func (svc *Service) handleException(s *Session, msg *Message, err error) {
	svc.Log().Error("message handler failed",
		zap.String("rid", string(s.RoutingID)), zap.Stringer("msg", msg), zap.Error(err))
	if s.Discarded {
		return
	}
	rel := msg
	if msg.Type != Request && s.State.Greeting != nil {
		rel = s.State.Greeting
	}
	if err := svc.SendError(s, rel, CodeFor(err), "Internal error in message handler", 0, err); err != nil {
		svc.Log().Error("send ERROR failed", zap.String("rid", string(s.RoutingID)), zap.Error(err))
	}
}

func (svc *Service) handleInvalidMessage(s *Session, err error) {
	svc.Log().Error("invalid message", zap.String("rid", string(s.RoutingID)), zap.Error(err))
	rel := s.State.Greeting
	if rel == nil {
		rel = NewMessage(Hello, Token{}, 0, 0)
	}
	em := ErrorFor(rel, InvalidMessage)
	NoteError(em, err)
	if err := svc.send(em, s); err != nil {
		svc.Log().Error("send ERROR failed", zap.String("rid", string(s.RoutingID)), zap.Error(err))
	}
}

func (svc *Service) handleDispatchError(s *Session, msg *Message, err error) {
	svc.Log().Error("dispatch failed", zap.String("rid", string(s.RoutingID)), zap.Error(err))
	if s.Discarded {
		return
	}
	em := ErrorFor(related(s, msg), InternalServiceError)
	NoteError(em, err)
	if err := svc.send(em, s); err != nil {
		svc.Log().Error("send ERROR failed", zap.String("rid", string(s.RoutingID)), zap.Error(err))
	}
}

// handleUnknown reports a message with no handler.
func (svc *Service) handleUnknown(s *Session, msg *Message) error {
	svc.Log().Warn("unhandled message", zap.String("rid", string(s.RoutingID)), zap.Stringer("msg", msg))
	rel := s.State.Greeting
	if rel == nil {
		rel = related(s, msg)
	}
	em := ErrorFor(rel, ProtocolViolation)
	em.AddError(uint64(ProtocolViolation), "The service does not know how to process this message")
	return svc.send(em, s)
}

func (svc *Service) sendProtocolViolation(s *Session, msg *Message) error {
	em := ErrorFor(related(s, msg), ProtocolViolation)
	em.AddError(uint64(ProtocolViolation), violationText)
	return svc.send(em, s)
}

func (svc *Service) handleHello(s *Session, msg *Message) error {
	if svc.Info == nil {
		return nil
	}
	return svc.send(WelcomeReply(msg, *svc.Info), s)
}

func (svc *Service) handleRequest(s *Session, msg *Message) error {
	return svc.send(ErrorFor(msg, BadRequest), s)
}

func (svc *Service) handleReply(s *Session, msg *Message) error {
	if !msg.HasFlag(AckReply) {
		return svc.sendProtocolViolation(s, msg)
	}
	if svc.OnAckReply != nil {
		svc.OnAckReply(s, msg)
	}
	return nil
}

func (svc *Service) handleData(s *Session, msg *Message) error {
	em := ErrorFor(msg, ProtocolViolation)
	em.AddError(uint64(ProtocolViolation), "Data message not allowed")
	return svc.send(em, s)
}

func (svc *Service) handleCancel(s *Session, msg *Message) error {
	if svc.OnCancelRequest != nil {
		return svc.OnCancelRequest(s, msg)
	}
	return svc.send(ErrorFor(msg, NotImplemented), s)
}

func (svc *Service) handleClose(s *Session, _ *Message) error {
	svc.DiscardSession(s)
	return nil
}

// Close sends CLOSE to every client of svc that has nothing waiting to be
// sent, and discards all sessions.
func (svc *Service) Close() {
	for _, s := range svc.Sessions() {
		svc.closeSession(s)
	}
}
