// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fbdp

import (
	"github.com/creachadair/butler"
	"github.com/creachadair/butler/dataframe"
	"go.uber.org/zap"
)

// A Client handles the client end of data pipes. The client opens a pipe with
// OPEN and answers each READY from the server with the size of batch it will
// take part in.
type Client struct {
	pipe

	// OnServerReady, if set, is called when the server offers a batch of n
	// messages. It returns the number the client is ready for, which is
	// capped at n. If nil, the client takes min(n, BatchSize).
	OnServerReady func(s *Session, n int) int

	// OnBatchStart, if set, is called when a batch starts on a stream the
	// client produces. If it is nil and OnProduceData is set, the client
	// sends DATA from the producer.
	OnBatchStart func(s *Session)
}

// NewClient constructs a new pipe Client.
func NewClient() *Client {
	c := &Client{pipe: newPipe(butler.OriginClient)}
	c.Dispatch = c.dispatch
	c.OnSessionCreated = func(s *Session) { s.State.BatchSize = c.batchSize() }
	return c
}

// Session returns the session of c with its server, or nil.
func (c *Client) Session() *Session { return c.Handler.Session(butler.InternalRoute) }

// Open connects to the pipe server at endpoint and sends OPEN for the
// given pipe, stream and data format. The OPEN may be queued if the server
// cannot yet receive it.
func (c *Client) Open(endpoint string, open dataframe.Open) (*Session, error) {
	if err := open.Validate(); err != nil {
		return nil, err
	}
	s, err := c.ConnectPeer(endpoint, butler.InternalRoute)
	if err != nil {
		return nil, err
	}
	s.State.Pipe, s.State.Stream, s.State.Format = open.DataPipe, open.PipeStream, open.DataFormat
	msg := NewMessage(Open, 0, 0)
	msg.Open = &open
	if _, err := c.Send(msg, s); err != nil {
		c.DiscardSession(s)
		return nil, err
	}
	return s, nil
}

func (c *Client) dispatch(s *Session, msg *Message) error {
	switch msg.Type {
	case Open:
		c.SendClose(s, ProtocolViolation, nil)
	case Ready:
		c.handleReady(s, msg)
	case Noop:
		return c.handleNoop(s, msg)
	case Data:
		c.handleData(s, msg)
	case Close:
		c.handleClose(s, msg)
	default:
		c.handleUnknown(s, msg)
	}
	return nil
}

func (c *Client) handleReady(s *Session, msg *Message) {
	n := int(msg.TypeData)
	var ready int
	if c.OnServerReady != nil {
		ready = min(n, c.OnServerReady(s, n))
	} else {
		ready = min(n, s.State.BatchSize)
	}
	ready = max(ready, 0)
	s.State.Ready, s.State.Transmit = ready, ready
	if err := c.SendReady(s, ready, false); err != nil {
		c.logger(s).Error("send READY failed", zap.Error(err))
	}
	if !s.Discarded && ready > 0 && s.State.Stream == dataframe.StreamInput {
		c.batchStart(s)
	}
}

func (c *Client) batchStart(s *Session) {
	switch {
	case c.OnBatchStart != nil:
		c.OnBatchStart(s)
	case c.OnProduceData != nil:
		c.produce(s)
	default:
		c.logger(s).Warn("no data producer for input stream")
	}
}

func (c *Client) handleData(s *Session, msg *Message) {
	if s.State.Stream == dataframe.StreamInput {
		if msg.HasFlag(AckReply) {
			if c.OnDataConfirmed != nil {
				c.OnDataConfirmed(s, msg)
			}
			return
		}
		c.SendClose(s, ProtocolViolation, nil)
		return
	}
	s.State.Transmit--
	if s.State.Transmit < 0 {
		c.SendClose(s, ProtocolViolation, butler.Stop(uint32(ProtocolViolation), "DATA beyond the end of the batch"))
		return
	}
	c.acceptData(s, msg)
}
