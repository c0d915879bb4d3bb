// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fbsp

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/creachadair/butler"
	"github.com/creachadair/butler/dataframe"
	"go.uber.org/zap"
)

// A Client handles the messages sent by an FBSP service to a client. A client
// has at most one session, with the service it opened.
//
// Handlers for REPLY, STATE, DATA and ERROR messages are specific to the
// service interface, and must be registered by the caller. Errors reported by
// handlers are returned by GetResponse.
//
// As with Service, only NOOP is acknowledged automatically: a handler for a
// message with the ACK_REQ flag sends AckFor(msg) itself.
type Client struct {
	endpoint

	// LastTokenSeen is the token of the most recent message dispatched to a
	// handler, or zero.
	LastTokenSeen Token

	tokens uint64
}

// NewClient constructs a new Client.
func NewClient() *Client {
	c := &Client{endpoint: newEndpoint(butler.OriginClient)}
	c.Dispatch = c.dispatch
	c.OnInvalidGreeting = func(rid butler.RoutingID, err error) {
		c.Log().Error("invalid greeting", zap.String("rid", string(rid)), zap.Error(err))
	}
	c.OnDispatchError = func(s *Session, msg *Message, err error) {
		c.Log().Error("message handler failed", zap.Stringer("msg", msg), zap.Error(err))
	}

	c.Handle(Hello, c.protocolViolation).
		Handle(Welcome, c.handleWelcome).
		Handle(Noop, c.handleNoop).
		Handle(Request, c.protocolViolation).
		Handle(Cancel, c.protocolViolation).
		Handle(Close, c.handleClose).
		Handle(Error, c.handleError)
	return c
}

// Handle registers fn to handle messages of type t, and returns c to permit
// chaining. If fn == nil, the handler for t is removed.
func (c *Client) Handle(t MsgType, fn HandlerFunc) *Client {
	c.setHandler(tableKey{mtype: t}, fn)
	return c
}

// HandleCode registers fn to handle messages of type t with the given type
// data, and returns c to permit chaining. If fn == nil, the handler is
// removed.
func (c *Client) HandleCode(t MsgType, typeData uint16, fn HandlerFunc) *Client {
	c.setHandler(tableKey{mtype: t, code: typeData, exact: true}, fn)
	return c
}

// HandleReply registers fn to handle a REPLY for the given interface number
// and API code.
func (c *Client) HandleReply(iface, api byte, fn HandlerFunc) *Client {
	return c.HandleCode(Reply, RequestCode(iface, api), fn)
}

// NewToken returns a new token, distinct from all others issued by c.
func (c *Client) NewToken() Token {
	c.tokens++
	var t Token
	binary.LittleEndian.PutUint64(t[:], c.tokens)
	return t
}

// Session returns the session of c with its service, or nil.
func (c *Client) Session() *Session { return c.Handler.Session(butler.InternalRoute) }

// Open connects to the service at endpoint and sends it a HELLO. It returns
// the token of the HELLO, which the WELCOME reply will carry.
func (c *Client) Open(endpoint string, hello dataframe.Hello) (Token, error) {
	s, err := c.ConnectPeer(endpoint, butler.InternalRoute)
	if err != nil {
		return Token{}, err
	}
	msg := NewMessage(Hello, c.NewToken(), 0, 0)
	msg.Hello = &hello
	if err := c.send(msg, s); err != nil {
		return Token{}, err
	}
	return msg.Token, nil
}

// Request sends a REQUEST for the given interface number and API code, with
// the given data frames, and returns its token.
func (c *Client) Request(iface, api byte, data ...[]byte) (Token, error) {
	s := c.Session()
	if s == nil {
		return Token{}, &ClientError{Message: "no active session"}
	}
	msg := RequestFor(iface, api, c.NewToken())
	msg.Data = data
	if err := c.send(msg, s); err != nil {
		return Token{}, err
	}
	return msg.Token, nil
}

// GetResponse receives and dispatches messages from the service until a
// message with the given token, or the token of the greeting, is handled or
// the timeout expires. A negative timeout waits indefinitely. It reports
// whether a response arrived.
//
// An error reported by a message handler ends the wait and is returned. An
// invalid message from the service is reported as a *ClientError.
func (c *Client) GetResponse(token Token, timeout time.Duration) (bool, error) {
	ch := c.Channel()
	if ch == nil {
		return false, &ClientError{Message: "no channel"}
	} else if ch.Routed() {
		return false, &ClientError{Message: "routed channels are not supported"}
	}
	s := c.Session()
	if s == nil {
		return false, &ClientError{Message: "no active session"}
	}
	deadline := c.Now().Add(timeout)
	for {
		c.LastTokenSeen = Token{}
		wait := timeout
		if timeout > 0 {
			wait = max(deadline.Sub(c.Now()), 0)
		}
		ready, err := ch.Poll(wait)
		if err != nil {
			return false, err
		} else if !ready {
			if timeout < 0 {
				continue
			}
			return false, nil
		}

		frames, err := ch.ReceiveTimeout(0)
		if err != nil {
			return false, err
		}
		if s.State.Greeting == nil {
			if err := c.Protocol.Validate(frames, butler.OriginService, true); err != nil {
				return false, &ClientError{Message: "invalid greeting received from service", Err: err}
			}
		}
		msg, err := c.Protocol.Parse(frames)
		if err != nil {
			return false, &ClientError{Message: "invalid message received from service", Err: err}
		}
		if err := c.dispatch(s, msg); err != nil {
			return false, err
		}
		if !c.LastTokenSeen.IsZero() {
			if c.LastTokenSeen == token {
				return true, nil
			} else if g := s.State.Greeting; g != nil && c.LastTokenSeen == g.Token {
				return true, nil
			}
		}
		if timeout == 0 {
			return false, nil
		}
	}
}

func (c *Client) dispatch(s *Session, msg *Message) error {
	c.LastTokenSeen = msg.Token
	fn := c.lookup(msg)
	if fn == nil {
		return &ClientError{
			Message: fmt.Sprintf("the client does not know how to process received %v:%d message", msg.Type, msg.TypeData),
		}
	}
	return fn(s, msg)
}

func (c *Client) protocolViolation(_ *Session, msg *Message) error {
	return &ClientError{Message: fmt.Sprintf("protocol violation from service, message type: %v", msg.Type)}
}

func (c *Client) handleWelcome(s *Session, msg *Message) error {
	if s.State.Greeting != nil {
		return &ClientError{Message: "unexpected WELCOME message"}
	}
	s.State.Greeting = msg
	return nil
}

func (c *Client) handleClose(s *Session, _ *Message) error {
	c.DiscardSession(s)
	return &ClientError{Message: "connection closed", Err: ErrServiceClosed}
}

// handleError reports an ERROR from the service as a *ServiceError.
func (c *Client) handleError(_ *Session, msg *Message) error { return ServiceErrorFor(msg) }

// Close sends CLOSE to the service if nothing is waiting to be sent to it,
// and discards the session.
func (c *Client) Close() {
	if s := c.Session(); s != nil {
		c.closeSession(s)
	}
}
