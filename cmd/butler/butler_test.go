// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"testing"

	"github.com/creachadair/butler/fbdp"
	"github.com/creachadair/butler/fbsp"
	"github.com/creachadair/butler/packet"
)

func TestFormatData(t *testing.T) {
	tests := []struct {
		pat  string
		args []string
		want string
	}{
		{"", nil, ""},
		{"1 2 4", []string{"1", "0x0203", "4"}, "\x01\x02\x03\x00\x00\x00\x04"},
		{"s r", []string{"ab", "cd"}, "\x00\x02abcd"},
		{"q%", []string{`a\tb`, "true"}, "a\tb\x01"},
		{"x8", []string{"cafe", "1"}, "\xca\xfe\x00\x00\x00\x00\x00\x00\x00\x01"},
		{"1(2(r))", []string{"9", "5", "xy"}, "\x09\x00\x06\x00\x05\x00\x02xy"},
	}
	for _, tc := range tests {
		var b packet.Builder
		rest, err := formatData(&b, tc.pat, tc.args)
		if err != nil {
			t.Errorf("formatData(%q, %q): unexpected error: %v", tc.pat, tc.args, err)
		} else if len(rest) != 0 {
			t.Errorf("formatData(%q, %q): extra arguments %q", tc.pat, tc.args, rest)
		} else if got := string(b.Bytes()); got != tc.want {
			t.Errorf("formatData(%q, %q): got %q, want %q", tc.pat, tc.args, got, tc.want)
		}
	}

	for _, bad := range []struct {
		pat  string
		args []string
	}{
		{"1", nil},
		{"1", []string{"256"}},
		{"z", []string{"0"}},
		{"(1", []string{"0"}},
		{"x", []string{"nothex"}},
	} {
		var b packet.Builder
		if _, err := formatData(&b, bad.pat, bad.args); err == nil {
			t.Errorf("formatData(%q, %q): got %q, want error", bad.pat, bad.args, b.Bytes())
		}
	}
}

func TestParseType(t *testing.T) {
	fbspName := func(v byte) string { return fbsp.MsgType(v).String() }
	fbdpName := func(v byte) string { return fbdp.MsgType(v).String() }
	tests := []struct {
		in   string
		name func(byte) string
		want byte
	}{
		{"hello", fbspName, byte(fbsp.Hello)},
		{"ERROR", fbspName, byte(fbsp.Error)},
		{"9", fbspName, byte(fbsp.Close)},
		{"Ready", fbdpName, byte(fbdp.Ready)},
		{"close", fbdpName, byte(fbdp.Close)},
	}
	for _, tc := range tests {
		got, err := parseType(tc.in, tc.name)
		if err != nil || got != tc.want {
			t.Errorf("parseType(%q): got (%d, %v), want %d", tc.in, got, err, tc.want)
		}
	}
	if got, err := parseType("bogus", fbspName); err == nil {
		t.Errorf("parseType(bogus): got %d, want error", got)
	}
}
