// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fbsp_test

import (
	"errors"
	"testing"
	"time"

	"github.com/creachadair/butler"
	"github.com/creachadair/butler/dataframe"
	"github.com/creachadair/butler/fbsp"
	"github.com/creachadair/butler/transport"
	"github.com/creachadair/butler/transport/inproc"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

func newUID() []byte {
	u := uuid.New()
	return u[:]
}

func testAgent(name string) dataframe.AgentIdentification {
	return dataframe.AgentIdentification{
		UID:      uuid.NewString(),
		Name:     name,
		Version:  "1.0",
		Vendor:   dataframe.VendorID{UID: uuid.NewString()},
		Platform: dataframe.PlatformID{UID: uuid.NewString(), Version: "1.0"},
	}
}

func testHello() dataframe.Hello {
	return dataframe.Hello{
		Instance: dataframe.PeerIdentification{UID: newUID(), PID: 101, Host: "client.local"},
		Client:   testAgent("test-client"),
	}
}

func testWelcome() *dataframe.Welcome {
	return &dataframe.Welcome{
		Instance: dataframe.PeerIdentification{UID: newUID(), PID: 202, Host: "service.local"},
		Service:  testAgent("test-service"),
		API:      []dataframe.InterfaceSpec{{Number: 1, UID: newUID()}},
	}
}

type testEnv struct {
	t    *testing.T
	mgr  *butler.Manager
	svc  *fbsp.Service
	cli  *fbsp.Client
	addr string
}

// newTestEnv sets up a service on a ROUTER channel and an unconnected client
// on a DEALER channel. The client channel is not polled by the manager, so
// that Step delivers only service input.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)
	mgr := butler.NewManager(inproc.New())
	mgr.Logger = log

	sch := butler.NewChannel(transport.Router, []byte("service"))
	if err := mgr.Add(sch); err != nil {
		t.Fatalf("Add service channel: %v", err)
	}
	svc := fbsp.NewService(testWelcome())
	svc.Logger = log
	sch.SetHandler(svc)
	addr, err := sch.Bind("inproc://*")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	cch := butler.NewChannel(transport.Dealer, []byte("client"), butler.WithoutPoll())
	if err := mgr.Add(cch); err != nil {
		t.Fatalf("Add client channel: %v", err)
	}
	cli := fbsp.NewClient()
	cli.Logger = log
	cch.SetHandler(cli)

	t.Cleanup(func() {
		if err := mgr.Shutdown(0); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return &testEnv{t: t, mgr: mgr, svc: svc, cli: cli, addr: addr}
}

// step delivers pending service input.
func (e *testEnv) step() {
	e.t.Helper()
	for e.mgr.Step(0, true) {
	}
}

// open performs the HELLO/WELCOME handshake.
func (e *testEnv) open() fbsp.Token {
	e.t.Helper()
	tok, err := e.cli.Open(e.addr, testHello())
	if err != nil {
		e.t.Fatalf("Open: %v", err)
	}
	e.step()
	ok, err := e.cli.GetResponse(tok, 0)
	if err != nil || !ok {
		e.t.Fatalf("GetResponse(WELCOME): got (%v, %v), want (true, nil)", ok, err)
	}
	return tok
}

// response delivers service input and waits for the reply to tok.
func (e *testEnv) response(tok fbsp.Token) (bool, error) {
	e.t.Helper()
	e.step()
	return e.cli.GetResponse(tok, 0)
}

func TestHandshake(t *testing.T) {
	e := newTestEnv(t)
	tok := e.open()

	cs := e.cli.Session()
	if cs == nil {
		t.Fatal("Client has no session")
	}
	if g := cs.State.Greeting; g == nil || g.Type != fbsp.Welcome || g.Token != tok {
		t.Errorf("Client greeting: got %v, want WELCOME with token %v", g, tok)
	}
	if got, want := cs.State.AgentName(), "test-service"; got != want {
		t.Errorf("Service agent: got %q, want %q", got, want)
	}
	if got, want := cs.State.Host(), "service.local"; got != want {
		t.Errorf("Service host: got %q, want %q", got, want)
	}

	ss := e.svc.Sessions()
	if len(ss) != 1 {
		t.Fatalf("Service has %d sessions, want 1", len(ss))
	}
	if got, want := ss[0].RoutingID, butler.RoutingID("client"); got != want {
		t.Errorf("Session rid: got %q, want %q", got, want)
	}
	if got, want := ss[0].State.PID(), uint32(101); got != want {
		t.Errorf("Client PID: got %d, want %d", got, want)
	}
	if ss[0].State.PeerID() == uuid.Nil {
		t.Error("Client peer ID is nil")
	}
}

func TestNoopAck(t *testing.T) {
	e := newTestEnv(t)
	e.open()

	msg := fbsp.NewMessage(fbsp.Noop, e.cli.NewToken(), 0, fbsp.AckReq)
	if _, err := e.cli.Send(msg, e.cli.Session()); err != nil {
		t.Fatalf("Send NOOP: %v", err)
	}
	ok, err := e.response(msg.Token)
	if err != nil || !ok {
		t.Errorf("GetResponse(NOOP): got (%v, %v), want (true, nil)", ok, err)
	}
}

func TestRequestAck(t *testing.T) {
	e := newTestEnv(t)
	e.svc.HandleRequest(1, 6, func(s *fbsp.Session, req *fbsp.Message) error {
		if req.HasFlag(fbsp.AckReq) {
			if _, err := e.svc.Send(fbsp.AckFor(req), s); err != nil {
				return err
			}
		}
		_, err := e.svc.Send(fbsp.ReplyFor(req), s)
		return err
	})

	var got []string
	e.cli.HandleCode(fbsp.Request, fbsp.RequestCode(1, 6), func(_ *fbsp.Session, msg *fbsp.Message) error {
		if !msg.HasFlag(fbsp.AckReply) {
			t.Errorf("Acknowledgement %v lacks ACK_REPLY", msg)
		}
		got = append(got, "ack")
		return nil
	})
	e.cli.HandleReply(1, 6, func(*fbsp.Session, *fbsp.Message) error {
		got = append(got, "reply")
		return nil
	})
	e.open()

	req := fbsp.RequestFor(1, 6, e.cli.NewToken())
	req.SetFlag(fbsp.AckReq)
	if _, err := e.cli.Send(req, e.cli.Session()); err != nil {
		t.Fatalf("Send REQUEST: %v", err)
	}
	e.step()
	for range 2 {
		if ok, err := e.cli.GetResponse(req.Token, time.Second); err != nil || !ok {
			t.Fatalf("GetResponse: got (%v, %v), want (true, nil)", ok, err)
		}
	}
	if diff := cmp.Diff([]string{"ack", "reply"}, got); diff != "" {
		t.Errorf("Responses (-want, +got):\n%s", diff)
	}
}

func TestRequestReply(t *testing.T) {
	e := newTestEnv(t)
	e.svc.HandleRequest(1, 5, func(s *fbsp.Session, req *fbsp.Message) error {
		s.State.NoteRequest(req)
		defer s.State.RequestDone(req.Token)
		rsp := fbsp.ReplyFor(req)
		for _, d := range req.Data {
			rsp.Data = append(rsp.Data, append([]byte("echo:"), d...))
		}
		_, err := e.svc.Send(rsp, s)
		return err
	})

	var got [][]byte
	e.cli.HandleReply(1, 5, func(_ *fbsp.Session, rsp *fbsp.Message) error {
		got = rsp.Data
		return nil
	})
	e.open()

	tok, err := e.cli.Request(1, 5, []byte("a"), []byte("b"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if ok, err := e.response(tok); err != nil || !ok {
		t.Fatalf("GetResponse: got (%v, %v), want (true, nil)", ok, err)
	}
	want := [][]byte{[]byte("echo:a"), []byte("echo:b")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Reply data (-want, +got):\n%s", diff)
	}
}

func TestServiceErrors(t *testing.T) {
	e := newTestEnv(t)
	e.svc.HandleRequest(1, 2, func(*fbsp.Session, *fbsp.Message) error {
		return butler.Stop(uint32(fbsp.NotFound), "no such record")
	})
	e.svc.HandleRequest(1, 3, func(*fbsp.Session, *fbsp.Message) error {
		panic("ouch")
	})
	e.svc.HandleRequest(1, 4, func(*fbsp.Session, *fbsp.Message) error {
		return butler.Stop(uint32(fbsp.MaxErrorCode)+5, "code too wide")
	})
	e.open()

	tests := []struct {
		name  string
		send  func() (*fbsp.Message, error)
		code  fbsp.ErrorCode
		rel   fbsp.MsgType
		ndesc int
	}{
		{"UnknownRequest", func() (*fbsp.Message, error) {
			msg := fbsp.RequestFor(1, 99, e.cli.NewToken())
			_, err := e.cli.Send(msg, e.cli.Session())
			return msg, err
		}, fbsp.BadRequest, fbsp.Request, 0},

		{"StopError", func() (*fbsp.Message, error) {
			msg := fbsp.RequestFor(1, 2, e.cli.NewToken())
			_, err := e.cli.Send(msg, e.cli.Session())
			return msg, err
		}, fbsp.NotFound, fbsp.Request, 2},

		{"Panic", func() (*fbsp.Message, error) {
			msg := fbsp.RequestFor(1, 3, e.cli.NewToken())
			_, err := e.cli.Send(msg, e.cli.Session())
			return msg, err
		}, fbsp.InternalServiceError, fbsp.Request, 1},

		{"WideCode", func() (*fbsp.Message, error) {
			msg := fbsp.RequestFor(1, 4, e.cli.NewToken())
			_, err := e.cli.Send(msg, e.cli.Session())
			return msg, err
		}, fbsp.InternalServiceError, fbsp.Request, 2},

		{"DataNotAllowed", func() (*fbsp.Message, error) {
			msg := fbsp.NewMessage(fbsp.Data, e.cli.NewToken(), 0, 0)
			_, err := e.cli.Send(msg, e.cli.Session())
			return msg, err
		}, fbsp.ProtocolViolation, fbsp.Data, 1},

		{"CancelNotImplemented", func() (*fbsp.Message, error) {
			msg := fbsp.NewMessage(fbsp.Cancel, e.cli.NewToken(), 0, 0)
			msg.Cancel = &dataframe.CancelRequests{Token: []byte("12345678")}
			_, err := e.cli.Send(msg, e.cli.Session())
			return msg, err
		}, fbsp.NotImplemented, fbsp.Cancel, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := tc.send()
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			ok, err := e.response(msg.Token)
			if ok {
				t.Error("GetResponse unexpectedly succeeded")
			}
			var serr *fbsp.ServiceError
			if !errors.As(err, &serr) {
				t.Fatalf("GetResponse: got error %v, want *ServiceError", err)
			}
			if serr.Code != tc.code || serr.RelatesTo != tc.rel {
				t.Errorf("Error: got %v/%v, want %v/%v", serr.Code, serr.RelatesTo, tc.code, tc.rel)
			}
			if !errors.Is(err, tc.code) {
				t.Errorf("errors.Is(%v, %v) is false", err, tc.code)
			}
			if len(serr.Errors) != tc.ndesc {
				t.Errorf("Got %d error descriptions, want %d: %v", len(serr.Errors), tc.ndesc, serr.Errors)
			}
			if !e.cli.LastTokenSeen.IsZero() && e.cli.LastTokenSeen != msg.Token {
				t.Errorf("LastTokenSeen: got %v, want %v", e.cli.LastTokenSeen, msg.Token)
			}
		})
	}
}

func TestInvalidMessage(t *testing.T) {
	e := newTestEnv(t)
	tok := e.open()

	if err := e.cli.Channel().Send([][]byte{[]byte("not a header")}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, err := e.response(tok)
	var serr *fbsp.ServiceError
	if !errors.As(err, &serr) {
		t.Fatalf("GetResponse: got %v, want *ServiceError", err)
	}
	if serr.Code != fbsp.InvalidMessage || serr.RelatesTo != fbsp.Hello {
		t.Errorf("Error: got %v/%v, want INVALID_MESSAGE/HELLO", serr.Code, serr.RelatesTo)
	}
	if len(serr.Errors) == 0 {
		t.Error("Error has no descriptions")
	}
}

func TestInvalidGreeting(t *testing.T) {
	e := newTestEnv(t)
	var gotErr error
	e.svc.OnInvalidGreeting = func(_ butler.RoutingID, err error) { gotErr = err }

	s, err := e.cli.ConnectPeer(e.addr, "")
	if err != nil {
		t.Fatalf("ConnectPeer: %v", err)
	}
	if _, err := e.cli.Send(fbsp.NewMessage(fbsp.Noop, e.cli.NewToken(), 0, 0), s); err != nil {
		t.Fatalf("Send: %v", err)
	}
	e.step()

	var ierr *butler.InvalidMessageError
	if !errors.As(gotErr, &ierr) {
		t.Errorf("Invalid greeting error: got %v, want *InvalidMessageError", gotErr)
	}
	if n := len(e.svc.Sessions()); n != 0 {
		t.Errorf("Service has %d sessions, want 0", n)
	}
}

func TestClose(t *testing.T) {
	t.Run("Client", func(t *testing.T) {
		e := newTestEnv(t)
		e.open()
		e.cli.Close()
		if e.cli.Session() != nil {
			t.Error("Client session remains after Close")
		}
		e.step()
		if n := len(e.svc.Sessions()); n != 0 {
			t.Errorf("Service has %d sessions after client close, want 0", n)
		}
	})
	t.Run("Service", func(t *testing.T) {
		e := newTestEnv(t)
		tok := e.open()
		e.svc.Close()
		if n := len(e.svc.Sessions()); n != 0 {
			t.Errorf("Service has %d sessions after Close, want 0", n)
		}
		ok, err := e.cli.GetResponse(tok, 0)
		if ok || !errors.Is(err, fbsp.ErrServiceClosed) {
			t.Errorf("GetResponse: got (%v, %v), want (false, %v)", ok, err, fbsp.ErrServiceClosed)
		}
		if e.cli.Session() != nil {
			t.Error("Client session remains after service close")
		}
	})
}

func TestGetResponseTimeout(t *testing.T) {
	e := newTestEnv(t)
	e.open()

	ok, err := e.cli.GetResponse(e.cli.NewToken(), 10*time.Millisecond)
	if ok || err != nil {
		t.Errorf("GetResponse: got (%v, %v), want (false, nil)", ok, err)
	}
}

func TestNoteError(t *testing.T) {
	inner := butler.Stop(uint32(fbsp.Conflict), "record locked")
	outer := &butler.StopError{Message: "update failed", Err: inner}

	em := fbsp.NewMessage(fbsp.Error, fbsp.Token{}, fbsp.ErrorTypeData(fbsp.GenericError, fbsp.Request), 0)
	fbsp.NoteError(em, outer)

	want := []dataframe.ErrorDescription{
		{Code: uint64(fbsp.Conflict), Description: "update failed"},
		{Code: uint64(fbsp.Conflict), Description: "record locked"},
	}
	if diff := cmp.Diff(want, em.Errors); diff != "" {
		t.Errorf("Noted errors (-want, +got):\n%s", diff)
	}

	// Errors without text are described by their code.
	em = fbsp.NewMessage(fbsp.Error, fbsp.Token{}, fbsp.ErrorTypeData(fbsp.GenericError, fbsp.Request), 0)
	fbsp.NoteError(em, butler.Stop(uint32(fbsp.Gone), ""))
	fbsp.NoteError(em, butler.Stop(70000, ""))
	fbsp.NoteError(em, errors.New(""))
	want = []dataframe.ErrorDescription{
		{Code: uint64(fbsp.Gone), Description: "GONE"},
		{Code: 70000, Description: "CODE:70000"},
		{Code: uint64(fbsp.GenericError), Description: "ERROR"},
	}
	if diff := cmp.Diff(want, em.Errors); diff != "" {
		t.Errorf("Noted empty errors (-want, +got):\n%s", diff)
	}
	for _, d := range em.Errors {
		if err := d.Validate(); err != nil {
			t.Errorf("Validate %v: %v", d, err)
		}
	}
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want fbsp.ErrorCode
	}{
		{errors.New("plain"), fbsp.InternalServiceError},
		{fbsp.Conflict, fbsp.Conflict},
		{butler.Stop(uint32(fbsp.MaxErrorCode), "max"), fbsp.MaxErrorCode},
		{butler.Stop(uint32(fbsp.MaxErrorCode)+1, "2048"), fbsp.InternalServiceError},
		{butler.Stop(uint32(fbsp.NotImplemented)+2048, "2052"), fbsp.InternalServiceError},
	}
	for _, tc := range tests {
		if got := fbsp.CodeFor(tc.err); got != tc.want {
			t.Errorf("CodeFor(%v): got %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestWideErrorCode(t *testing.T) {
	e := newTestEnv(t)
	e.svc.HandleRequest(1, 1, func(*fbsp.Session, *fbsp.Message) error {
		return butler.Stop(uint32(fbsp.NotImplemented)+2048, "wide")
	})
	e.open()

	msg := fbsp.RequestFor(1, 1, e.cli.NewToken())
	if _, err := e.cli.Send(msg, e.cli.Session()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, err := e.response(msg.Token)
	var serr *fbsp.ServiceError
	if !errors.As(err, &serr) {
		t.Fatalf("GetResponse: got %v, want *ServiceError", err)
	}
	if serr.Code != fbsp.InternalServiceError {
		t.Errorf("Error code: got %v, want %v", serr.Code, fbsp.InternalServiceError)
	}
	want := []dataframe.ErrorDescription{
		{Code: uint64(fbsp.InternalServiceError), Description: "Internal error in message handler"},
		{Code: 2052, Description: "wide"},
	}
	if diff := cmp.Diff(want, serr.Errors); diff != "" {
		t.Errorf("Error descriptions (-want, +got):\n%s", diff)
	}
}
