// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet provides support for encoding and decoding the fixed-width
// binary fields of message frames. Multi-byte values are big-endian, which is
// the byte order of the FBSP and FBDP headers.
package packet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
)

// A Builder accumulates the encoded fields of one frame.
// A zero Builder is empty and ready for use.
type Builder struct {
	buf []byte
}

// Bool appends 1 for true and 0 for false.
func (b *Builder) Bool(ok bool) { b.Put(value.Cond[byte](ok, 1, 0)) }

// Put appends raw bytes.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// PutString appends the bytes of s without a length prefix.
func (b *Builder) PutString(s string) { b.buf = append(b.buf, s...) }

func (b *Builder) Uint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }
func (b *Builder) Uint64(v uint64) { b.buf = binary.BigEndian.AppendUint64(b.buf, v) }

// String16 appends s with a uint16 length prefix.
// It panics if s is longer than 65535 bytes.
func (b *Builder) String16(s string) {
	if len(s) > 0xffff {
		panic(fmt.Sprintf("string length %d exceeds 65535", len(s)))
	}
	b.Grow(2 + len(s))
	b.Uint16(uint16(len(s)))
	b.PutString(s)
}

// Len reports the size of the frame built so far.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes returns the frame built so far. The slice is shared with b and is
// invalidated by further use of b.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset empties b, keeping its storage.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Grow ensures that b can accept n more bytes without reallocating.
func (b *Builder) Grow(n int) {
	if want := len(b.buf) + n; cap(b.buf) < want {
		nb := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(nb, b.buf)
		b.buf = nb
	}
}

// A Scanner decodes fields from the front of a frame. A field that runs past
// the end of the frame reports an error wrapping [io.ErrUnexpectedEOF], and
// consumes nothing.
type Scanner struct {
	rest   []byte
	offset int
}

// NewScanner returns a Scanner over input. Values returned as slices alias
// input, which must not change while the scanner is in use.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

func (s *Scanner) take(n int) ([]byte, error) {
	if len(s.rest) < n {
		return nil, fmt.Errorf("offset %d: need %d bytes, have %d: %w",
			s.offset, n, len(s.rest), io.ErrUnexpectedEOF)
	}
	out := s.rest[:n]
	s.rest = s.rest[n:]
	s.offset += n
	return out, nil
}

// fixed decodes an n-byte field with dec.
func fixed[T any](s *Scanner, n int, dec func([]byte) T) (T, error) {
	v, err := s.take(n)
	if err != nil {
		var zero T
		return zero, err
	}
	return dec(v), nil
}

// Bool decodes one byte, treating any nonzero value as true.
func (s *Scanner) Bool() (bool, error) {
	v, err := s.Byte()
	return v != 0, err
}

func (s *Scanner) Byte() (byte, error) {
	return fixed(s, 1, func(v []byte) byte { return v[0] })
}

func (s *Scanner) Uint16() (uint16, error) { return fixed(s, 2, binary.BigEndian.Uint16) }
func (s *Scanner) Uint32() (uint32, error) { return fixed(s, 4, binary.BigEndian.Uint32) }
func (s *Scanner) Uint64() (uint64, error) { return fixed(s, 8, binary.BigEndian.Uint64) }

// Len reports how many bytes remain to be scanned.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports how many bytes have been scanned.
func (s *Scanner) Offset() int { return s.offset }

// Rest returns the unscanned remainder of the input, without consuming it.
func (s *Scanner) Rest() []byte { return s.rest }

// Get consumes exactly n bytes. A []byte result aliases the input.
func Get[Str ~string | ~[]byte](s *Scanner, n int) (Str, error) {
	v, err := s.take(n)
	return Str(v), err
}

// String16 consumes a string with a uint16 length prefix. If the string is
// incomplete, the prefix is not consumed either.
func String16[Str ~string | ~[]byte](s *Scanner) (out Str, err error) {
	save := *s
	n, err := s.Uint16()
	if err != nil {
		return out, err
	}
	out, err = Get[Str](s, int(n))
	if err != nil {
		*s = save
	}
	return out, err
}
