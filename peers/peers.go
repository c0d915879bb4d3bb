// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for running and testing connected
// peers over the in-memory transport.
package peers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/butler"
	"github.com/creachadair/butler/dataframe"
	"github.com/creachadair/butler/fbdp"
	"github.com/creachadair/butler/fbsp"
	"github.com/creachadair/butler/transport"
	"github.com/creachadair/butler/transport/inproc"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrNoResponse is reported by Call when no reply arrived in time.
var ErrNoResponse = errors.New("no response")

// Local is an FBSP service and a client connected over the in-memory
// transport. The service runs its own event loop in a goroutine; the client
// is driven by the caller, through Call or the methods of Client.
type Local struct {
	Service *fbsp.Service
	Client  *fbsp.Client

	// Addr is the endpoint the service is bound to.
	Addr string

	svcMgr, cliMgr *butler.Manager
	stop           context.CancelFunc
	loop           *taskgroup.Group
}

// NewLocal binds svc to a fresh in-memory endpoint, starts its event loop,
// and completes the HELLO/WELCOME handshake from a new client. The handlers
// of svc must be registered before NewLocal is called, and svc.Info must be
// set. If log == nil, logging is discarded.
func NewLocal(svc *fbsp.Service, log *zap.Logger) (*Local, error) {
	if log == nil {
		log = zap.NewNop()
	}
	tctx := inproc.New()
	svcMgr := butler.NewManager(tctx)
	svcMgr.Logger = log.Named("service")
	cliMgr := butler.NewManager(tctx)
	cliMgr.Logger = log.Named("client")

	sch := butler.NewChannel(transport.Router, []byte("service"))
	if err := svcMgr.Add(sch); err != nil {
		return nil, err
	}
	svc.Logger = svcMgr.Logger
	sch.SetHandler(svc)
	addr, err := sch.Bind("inproc://*")
	if err != nil {
		svcMgr.Shutdown(0)
		return nil, err
	}

	cch := butler.NewChannel(transport.Dealer, []byte("client-"+uuid.NewString()), butler.WithoutPoll())
	if err := cliMgr.Add(cch); err != nil {
		svcMgr.Shutdown(0)
		return nil, err
	}
	cli := fbsp.NewClient()
	cli.Logger = cliMgr.Logger
	cch.SetHandler(cli)

	ctx, cancel := context.WithCancel(context.Background())
	l := &Local{
		Service: svc,
		Client:  cli,
		Addr:    addr,
		svcMgr:  svcMgr,
		cliMgr:  cliMgr,
		stop:    cancel,
		loop:    taskgroup.New(nil),
	}
	l.loop.Go(func() error {
		return svcMgr.Run(ctx, butler.LoopOptions{PollTimeout: 10 * time.Millisecond, ProcessAll: true})
	})

	tok, err := cli.Open(addr, NewHello("local-client"))
	if err == nil {
		var ok bool
		ok, err = cli.GetResponse(tok, 5*time.Second)
		if err == nil && !ok {
			err = fmt.Errorf("handshake: %w", ErrNoResponse)
		}
	}
	if err != nil {
		return nil, multierr.Append(err, l.Stop())
	}
	return l, nil
}

// Call sends a REQUEST for the given interface and API code, and waits up to
// timeout for its REPLY. A handler for the reply is registered for the
// duration of the call, replacing any existing one. An ERROR from the
// service is reported as a *fbsp.ServiceError.
func (l *Local) Call(iface, api byte, timeout time.Duration, data ...[]byte) (*fbsp.Message, error) {
	var reply *fbsp.Message
	l.Client.HandleReply(iface, api, func(_ *fbsp.Session, msg *fbsp.Message) error {
		reply = msg
		return nil
	})
	defer l.Client.HandleReply(iface, api, nil)

	tok, err := l.Client.Request(iface, api, data...)
	if err != nil {
		return nil, err
	}
	ok, err := l.Client.GetResponse(tok, timeout)
	if err != nil {
		return nil, err
	} else if !ok || reply == nil {
		return nil, fmt.Errorf("request %v: %w", tok, ErrNoResponse)
	}
	return reply, nil
}

// Stop closes the client session, stops the service loop, and shuts down
// both peers.
func (l *Local) Stop() error {
	l.Client.Close()
	l.stop()
	err := l.loop.Wait()
	return multierr.Combine(err, l.svcMgr.Shutdown(0), l.cliMgr.Shutdown(0))
}

// NewHello returns a HELLO data frame for a client agent with the given name
// and fresh identifiers.
func NewHello(name string) dataframe.Hello {
	id := uuid.New()
	return dataframe.Hello{
		Instance: dataframe.PeerIdentification{UID: id[:], PID: 1, Host: "localhost"},
		Client:   newAgent(name),
	}
}

// NewWelcome returns a WELCOME data frame for a service agent with the given
// name, announcing the given interfaces.
func NewWelcome(name string, api ...dataframe.InterfaceSpec) *dataframe.Welcome {
	id := uuid.New()
	return &dataframe.Welcome{
		Instance: dataframe.PeerIdentification{UID: id[:], PID: 1, Host: "localhost"},
		Service:  newAgent(name),
		API:      api,
	}
}

func newAgent(name string) dataframe.AgentIdentification {
	return dataframe.AgentIdentification{
		UID:      uuid.NewString(),
		Name:     name,
		Version:  "1.0",
		Vendor:   dataframe.VendorID{UID: uuid.NewString()},
		Platform: dataframe.PlatformID{UID: uuid.NewString(), Version: "1.0"},
	}
}

// Pipe is an FBDP server and client connected over the in-memory transport,
// sharing one manager. A Pipe is driven by the caller, and is not safe for
// concurrent use.
type Pipe struct {
	Server *fbdp.Server
	Client *fbdp.Client

	// Addr is the endpoint the server is bound to.
	Addr string

	mgr       *butler.Manager
	closed    *fbdp.Message
	srvClosed bool
}

// NewPipe binds srv to a fresh in-memory endpoint and attaches cli to a
// channel ready to open pipes to it. If log == nil, logging is discarded.
func NewPipe(srv *fbdp.Server, cli *fbdp.Client, log *zap.Logger) (*Pipe, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mgr := butler.NewManager(inproc.New())
	mgr.Logger = log

	sch := butler.NewChannel(transport.Router, []byte("pipe-server"))
	cch := butler.NewChannel(transport.Dealer, []byte("pipe-client"))
	for _, ch := range []*butler.Channel{sch, cch} {
		if err := mgr.Add(ch); err != nil {
			return nil, multierr.Append(err, mgr.Shutdown(0))
		}
	}
	srv.Logger = log.Named("server")
	sch.SetHandler(srv)
	cli.Logger = log.Named("client")
	cch.SetHandler(cli)
	addr, err := sch.Bind("inproc://*")
	if err != nil {
		return nil, multierr.Append(err, mgr.Shutdown(0))
	}

	p := &Pipe{Server: srv, Client: cli, Addr: addr, mgr: mgr}
	srvNext := srv.OnPipeClosed
	srv.OnPipeClosed = func(s *fbdp.Session, msg *fbdp.Message) {
		p.srvClosed = true
		if srvNext != nil {
			srvNext(s, msg)
		}
	}
	next := cli.OnPipeClosed
	cli.OnPipeClosed = func(s *fbdp.Session, msg *fbdp.Message) {
		p.closed = msg
		if next != nil {
			next(s, msg)
		}
	}
	return p, nil
}

// Transfer opens a pipe from the client and runs the exchange until both ends
// have closed or ctx ends. It returns the CLOSE message sent or received by
// the client.
//
// The client may close first, with DATA and its CLOSE still queued for the
// server. Transfer then delivers the remaining input until the server end
// closes or no more input arrives.
func (p *Pipe) Transfer(ctx context.Context, open dataframe.Open) (*fbdp.Message, error) {
	p.closed, p.srvClosed = nil, false
	if _, err := p.Client.Open(p.Addr, open); err != nil {
		return nil, err
	}
	for p.closed == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.mgr.Step(5*time.Millisecond, true)
	}
	for !p.srvClosed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !p.mgr.Step(5*time.Millisecond, true) {
			break
		}
	}
	return p.closed, nil
}

// Stop shuts down both ends of the pipe.
func (p *Pipe) Stop() error {
	p.Client.Close()
	p.Server.Close()
	return p.mgr.Shutdown(0)
}
