// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fbsp_test

import (
	"errors"
	"testing"

	"github.com/creachadair/butler"
	"github.com/creachadair/butler/dataframe"
	"github.com/creachadair/butler/fbsp"
	"github.com/creachadair/mds/mtest"
	"github.com/google/go-cmp/cmp"
)

func TestHeader(t *testing.T) {
	tok := fbsp.TokenFrom([]byte("ABCDEFGH"))
	h := fbsp.Header{Type: fbsp.Error, Flags: fbsp.AckReq, TypeData: fbsp.ErrorTypeData(fbsp.BadRequest, fbsp.Request), Token: tok}
	enc := h.Encode()

	want := []byte{'F', 'B', 'S', 'P', 31<<3 | 1, 1, 0, 3<<5 | 4, 'A', 'B', 'C', 'D', 'E', 'F', 'G', 'H'}
	if diff := cmp.Diff(want, enc); diff != "" {
		t.Errorf("Encoded header (-want, +got):\n%s", diff)
	}
	got, err := fbsp.ParseHeader(enc)
	if err != nil {
		t.Fatalf("ParseHeader: unexpected error: %v", err)
	}
	if got != h {
		t.Errorf("ParseHeader: got %+v, want %+v", got, h)
	}

	msg := &fbsp.Message{Header: got}
	if msg.ErrorCode() != fbsp.BadRequest || msg.RelatesTo() != fbsp.Request {
		t.Errorf("Error fields: got %v/%v, want BAD_REQUEST/REQUEST", msg.ErrorCode(), msg.RelatesTo())
	}
}

func TestParseHeaderErrors(t *testing.T) {
	valid := fbsp.Header{Type: fbsp.Noop}.Encode()
	edit := func(f func([]byte)) []byte {
		cp := append([]byte(nil), valid...)
		f(cp)
		return cp
	}
	tests := []struct {
		name  string
		input []byte
	}{
		{"Empty", nil},
		{"Short", valid[:15]},
		{"Long", append(append([]byte(nil), valid...), 0)},
		{"FourCC", edit(func(b []byte) { b[0] = 'X' })},
		{"Revision", edit(func(b []byte) { b[4] = byte(fbsp.Noop)<<3 | 2 })},
		{"Flags", edit(func(b []byte) { b[5] = 8 })},
		{"ZeroType", edit(func(b []byte) { b[4] = 1 })},
		{"BadType", edit(func(b []byte) { b[4] = 20<<3 | 1 })},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fbsp.ParseHeader(tc.input)
			var ierr *butler.InvalidMessageError
			if !errors.As(err, &ierr) {
				t.Errorf("ParseHeader(%q): got %v, want *InvalidMessageError", tc.input, err)
			}
		})
	}
}

func TestTokens(t *testing.T) {
	c := fbsp.NewClient()
	t1, t2 := c.NewToken(), c.NewToken()
	if t1 == t2 {
		t.Errorf("NewToken: got duplicate tokens %v", t1)
	}
	if want := fbsp.TokenFrom([]byte{1}); t1 != want {
		t.Errorf("First token: got %v, want %v", t1, want)
	}
	if want := fbsp.TokenFrom([]byte{2}); t2 != want {
		t.Errorf("Second token: got %v, want %v", t2, want)
	}
}

func frames(msg *fbsp.Message) [][]byte { return msg.Encode() }

func TestValidate(t *testing.T) {
	hello := fbsp.NewMessage(fbsp.Hello, fbsp.Token{1}, 0, 0)
	h := testHello()
	hello.Hello = &h

	welcome := fbsp.NewMessage(fbsp.Welcome, fbsp.Token{1}, 0, 0)
	welcome.Welcome = testWelcome()

	badHello := fbsp.NewMessage(fbsp.Hello, fbsp.Token{1}, 0, 0)
	badHello.Hello = &dataframe.Hello{Client: testAgent("x")}

	badWelcome := fbsp.NewMessage(fbsp.Welcome, fbsp.Token{1}, 0, 0)
	bw := testWelcome()
	bw.API = nil
	badWelcome.Welcome = bw

	ackReq := fbsp.NewMessage(fbsp.Request, fbsp.Token{2}, fbsp.RequestCode(1, 1), fbsp.AckReply)

	errMsg := fbsp.NewMessage(fbsp.Error, fbsp.Token{3}, fbsp.ErrorTypeData(fbsp.BadRequest, fbsp.Request), 0)
	errMsg.AddError(3, "bad")

	errNoCode := fbsp.NewMessage(fbsp.Error, fbsp.Token{3}, fbsp.ErrorTypeData(fbsp.BadRequest, fbsp.Request), 0)
	errNoCode.AddError(0, "bad")

	errRelates := fbsp.NewMessage(fbsp.Error, fbsp.Token{3}, fbsp.ErrorTypeData(fbsp.BadRequest, fbsp.Reply), 0)

	state := fbsp.StateFor(fbsp.RequestFor(1, 2, fbsp.Token{4}), dataframe.StateRunning)

	cancel := fbsp.NewMessage(fbsp.Cancel, fbsp.Token{5}, 0, 0)
	cancel.Cancel = &dataframe.CancelRequests{}

	noopData := fbsp.NewMessage(fbsp.Noop, fbsp.Token{6}, 0, 0)
	noopData.Data = [][]byte{[]byte("x")}

	tests := []struct {
		name     string
		frames   [][]byte
		origin   butler.Origin
		greeting bool
		ok       bool
	}{
		{"HelloGreeting", frames(hello), butler.OriginClient, true, true},
		{"WelcomeGreeting", frames(welcome), butler.OriginService, true, true},
		{"HelloFromService", frames(hello), butler.OriginService, true, false},
		{"WelcomeFromClient", frames(welcome), butler.OriginClient, false, false},
		{"NoopNotGreeting", frames(fbsp.NewMessage(fbsp.Noop, fbsp.Token{}, 0, 0)), butler.OriginClient, true, false},
		{"IncompleteHello", frames(badHello), butler.OriginClient, true, false},
		{"WelcomeNoAPI", frames(badWelcome), butler.OriginService, true, false},
		{"HelloNoFrame", [][]byte{fbsp.Header{Type: fbsp.Hello}.Encode()}, butler.OriginAny, false, false},
		{"RequestAckFromService", frames(ackReq), butler.OriginService, false, true},
		{"RequestFromService", frames(fbsp.RequestFor(1, 1, fbsp.Token{})), butler.OriginService, false, false},
		{"RequestNoCode", frames(fbsp.NewMessage(fbsp.Request, fbsp.Token{}, 0, 0)), butler.OriginClient, false, false},
		{"ErrorFromService", frames(errMsg), butler.OriginService, false, true},
		{"ErrorFromClient", frames(errMsg), butler.OriginClient, false, false},
		{"ErrorNoCode", frames(errNoCode), butler.OriginService, false, false},
		{"ErrorBadRelates", frames(errRelates), butler.OriginService, false, false},
		{"State", frames(state), butler.OriginService, false, true},
		{"CancelNoToken", frames(cancel), butler.OriginClient, false, false},
		{"NoopWithData", frames(noopData), butler.OriginAny, false, false},
		{"Empty", nil, butler.OriginAny, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := fbsp.Default.Validate(tc.frames, tc.origin, tc.greeting)
			if tc.ok && err != nil {
				t.Errorf("Validate: unexpected error: %v", err)
			} else if !tc.ok {
				var ierr *butler.InvalidMessageError
				if !errors.As(err, &ierr) {
					t.Errorf("Validate: got %v, want *InvalidMessageError", err)
				}
			}
		})
	}
}

func TestParseTyped(t *testing.T) {
	req := fbsp.RequestFor(2, 7, fbsp.Token{9})
	req.SetFlag(fbsp.AckReq)
	req.Data = [][]byte{[]byte("alpha"), []byte("beta")}

	got, err := fbsp.Default.Parse(req.Encode())
	if err != nil {
		t.Fatalf("Parse: unexpected error: %v", err)
	}
	if got.InterfaceID() != 2 || got.APICode() != 7 || !got.HasFlag(fbsp.AckReq) {
		t.Errorf("Parse: got %v, want REQUEST 2/7 with ACK_REQ", got)
	}
	if diff := cmp.Diff(req.Data, got.Data); diff != "" {
		t.Errorf("Data (-want, +got):\n%s", diff)
	}

	ack := fbsp.AckFor(got)
	if ack.HasFlag(fbsp.AckReq) || !ack.HasFlag(fbsp.AckReply) || ack.Token != req.Token || ack.TypeData != req.TypeData {
		t.Errorf("AckFor: got %v", ack)
	}

	st, err := fbsp.Default.Parse(fbsp.StateFor(req, dataframe.StateSuspended).Encode())
	if err != nil {
		t.Fatalf("Parse STATE: unexpected error: %v", err)
	}
	if st.State == nil || st.State.State != dataframe.StateSuspended {
		t.Errorf("STATE: got %v, want SUSPENDED", st)
	}
}

func TestPeerStateHandles(t *testing.T) {
	var ps fbsp.PeerState
	r1 := fbsp.RequestFor(1, 1, fbsp.Token{1})
	r2 := fbsp.RequestFor(1, 1, fbsp.Token{2})
	r3 := fbsp.RequestFor(1, 1, fbsp.Token{3})

	mtest.MustPanic(t, func() { ps.Handle(r1) })

	for _, r := range []*fbsp.Message{r1, r2, r3} {
		ps.NoteRequest(r)
	}
	if h := ps.Handle(r1); h != 1 {
		t.Errorf("Handle(r1): got %d, want 1", h)
	}
	if h := ps.Handle(r2); h != 2 {
		t.Errorf("Handle(r2): got %d, want 2", h)
	}
	if h := ps.Handle(r1); h != 1 {
		t.Errorf("Handle(r1) again: got %d, want 1", h)
	}

	if !ps.RequestDone(r1.Token) {
		t.Error("RequestDone(r1) reported false")
	}
	if ps.IsHandleValid(1) {
		t.Error("Handle 1 is still valid after RequestDone")
	}
	if h := ps.Handle(r3); h != 1 {
		t.Errorf("Handle(r3): got %d, want 1 (reused)", h)
	}
	if got := ps.RequestByHandle(2); got != r2 {
		t.Errorf("RequestByHandle(2): got %v, want %v", got, r2)
	}
	if got := ps.Request(r3.Token); got != r3 {
		t.Errorf("Request(r3): got %v, want %v", got, r3)
	}
	if ps.RequestDone(r1.Token) {
		t.Error("RequestDone(r1) again reported true")
	}

	var toks []fbsp.Token
	for _, r := range ps.Requests() {
		toks = append(toks, r.Token)
	}
	if diff := cmp.Diff([]fbsp.Token{{2}, {3}}, toks); diff != "" {
		t.Errorf("Requests (-want, +got):\n%s", diff)
	}
}

func TestServiceErrorText(t *testing.T) {
	msg := fbsp.NewMessage(fbsp.Error, fbsp.Token{}, fbsp.ErrorTypeData(fbsp.NotFound, fbsp.Request), 0)
	msg.AddError(12, "no such table")
	msg.AddError(400, "lookup failed")

	const want = "NOT_FOUND, relates to REQUEST\n#12 : no such table\n#400 : lookup failed"
	if got := fbsp.ServiceErrorFor(msg).Error(); got != want {
		t.Errorf("Error text: got %q, want %q", got, want)
	}
}
