// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fbdp_test

import (
	"errors"
	"testing"

	"github.com/creachadair/butler"
	"github.com/creachadair/butler/dataframe"
	"github.com/creachadair/butler/fbdp"
	"github.com/google/go-cmp/cmp"
)

func TestHeader(t *testing.T) {
	h := fbdp.Header{Type: fbdp.Close, Flags: fbdp.AckReq, TypeData: uint16(fbdp.DataFormatNotSupported)}
	enc := h.Encode()
	want := []byte{'F', 'B', 'D', 'P', 5<<3 | 1, 1, 0, 103}
	if diff := cmp.Diff(want, enc); diff != "" {
		t.Errorf("Encoded header (-want, +got):\n%s", diff)
	}
	got, err := fbdp.ParseHeader(enc)
	if err != nil {
		t.Fatalf("ParseHeader: unexpected error: %v", err)
	}
	if got != h {
		t.Errorf("ParseHeader: got %+v, want %+v", got, h)
	}
}

func TestParseHeaderErrors(t *testing.T) {
	valid := fbdp.Header{Type: fbdp.Noop}.Encode()
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
		{"Short", valid[:7]},
		{"FourCC", edit(func(b []byte) { b[3] = 'S' })},
		{"Revision", edit(func(b []byte) { b[4] = byte(fbdp.Noop)<<3 | 2 })},
		{"Flags", edit(func(b []byte) { b[5] = 4 })},
		{"Unknown", edit(func(b []byte) { b[4] = 1 })},
		{"BadType", edit(func(b []byte) { b[4] = 9<<3 | 1 })},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fbdp.ParseHeader(tc.input)
			var ierr *butler.InvalidMessageError
			if !errors.As(err, &ierr) {
				t.Errorf("ParseHeader(%q): got %v, want *InvalidMessageError", tc.input, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	open := fbdp.NewMessage(fbdp.Open, 0, 0)
	open.Open = &dataframe.Open{DataPipe: "p", PipeStream: dataframe.StreamOutput, DataFormat: "f"}

	badOpen := fbdp.NewMessage(fbdp.Open, 0, 0)
	badOpen.Open = &dataframe.Open{DataPipe: "p", DataFormat: "f"}

	data := fbdp.NewMessage(fbdp.Data, 0, 0)
	data.Data = []byte("payload")

	closeMsg := fbdp.NewMessage(fbdp.Close, uint16(fbdp.InvalidData), 0)
	closeMsg.NoteError(errors.New("bad input"))

	hdr := func(t fbdp.MsgType) []byte { return fbdp.Header{Type: t}.Encode() }

	tests := []struct {
		name     string
		frames   [][]byte
		origin   butler.Origin
		greeting bool
		ok       bool
	}{
		{"OpenGreeting", open.Encode(), butler.OriginClient, true, true},
		{"OpenFromService", open.Encode(), butler.OriginService, true, false},
		{"ReadyGreeting", fbdp.NewMessage(fbdp.Ready, 5, 0).Encode(), butler.OriginService, true, true},
		{"CloseGreeting", closeMsg.Encode(), butler.OriginService, true, true},
		{"ReadyFromClient", fbdp.NewMessage(fbdp.Ready, 5, 0).Encode(), butler.OriginClient, true, false},
		{"DataGreeting", data.Encode(), butler.OriginClient, true, false},
		{"ReadyAfterGreeting", fbdp.NewMessage(fbdp.Ready, 5, 0).Encode(), butler.OriginClient, false, true},
		{"OpenNoFrame", [][]byte{hdr(fbdp.Open)}, butler.OriginClient, true, false},
		{"OpenNoStream", badOpen.Encode(), butler.OriginClient, true, false},
		{"DataEmpty", [][]byte{hdr(fbdp.Data)}, butler.OriginAny, false, true},
		{"DataTwoFrames", [][]byte{hdr(fbdp.Data), []byte("a"), []byte("b")}, butler.OriginAny, false, false},
		{"NoopWithFrame", [][]byte{hdr(fbdp.Noop), []byte("x")}, butler.OriginAny, false, false},
		{"ReadyWithFrame", [][]byte{hdr(fbdp.Ready), []byte("x")}, butler.OriginAny, false, false},
		{"CloseBadFrame", [][]byte{hdr(fbdp.Close), dataframe.ErrorDescription{Code: 1}.Encode()}, butler.OriginAny, false, false},
		{"Empty", nil, butler.OriginAny, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := fbdp.Default.Validate(tc.frames, tc.origin, tc.greeting)
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

func TestMessages(t *testing.T) {
	data := fbdp.NewMessage(fbdp.Data, 0, fbdp.AckReq)
	data.Data = []byte("hello")

	got, err := fbdp.Default.Parse(data.Encode())
	if err != nil {
		t.Fatalf("Parse: unexpected error: %v", err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("Parsed DATA (-want, +got):\n%s", diff)
	}

	ack := fbdp.AckFor(got)
	if ack.HasFlag(fbdp.AckReq) || !ack.HasFlag(fbdp.AckReply) || ack.Type != fbdp.Data || ack.Data != nil {
		t.Errorf("AckFor: got %v", ack)
	}

	cm := fbdp.NewMessage(fbdp.Close, uint16(fbdp.Timeout), 0)
	cm.NoteError(butler.Stop(uint32(fbdp.Timeout), "client never became ready"))
	cm.NoteError(errors.New("no code"))
	want := []dataframe.ErrorDescription{
		{Code: uint64(fbdp.Timeout), Description: "client never became ready"},
		{Code: 0, Description: "no code"},
	}
	if diff := cmp.Diff(want, cm.Errors); diff != "" {
		t.Errorf("Close errors (-want, +got):\n%s", diff)
	}

	// Errors without text are described by their code.
	em := fbdp.NewMessage(fbdp.Close, uint16(fbdp.Timeout), 0)
	em.NoteError(butler.Stop(uint32(fbdp.InvalidData), ""))
	em.NoteError(butler.Stop(70000, ""))
	em.NoteError(errors.New(""))
	want = []dataframe.ErrorDescription{
		{Code: uint64(fbdp.InvalidData), Description: "INVALID_DATA"},
		{Code: 70000, Description: "CODE:70000"},
		{Code: 0, Description: "TIMEOUT"},
	}
	if diff := cmp.Diff(want, em.Errors); diff != "" {
		t.Errorf("Empty close errors (-want, +got):\n%s", diff)
	}
	for _, d := range em.Errors {
		if err := d.Validate(); err != nil {
			t.Errorf("Validate %v: %v", d, err)
		}
	}

	if got := cm.ErrorCode(); got != fbdp.Timeout {
		t.Errorf("ErrorCode: got %v, want %v", got, fbdp.Timeout)
	}
	if c, ok := butler.ErrorCode(fbdp.InvalidData); !ok || c != 5 {
		t.Errorf("butler.ErrorCode(InvalidData): got (%d, %v), want (5, true)", c, ok)
	}
}
