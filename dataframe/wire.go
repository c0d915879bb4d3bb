// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package dataframe

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// A builder accumulates protobuf-encoded fields. Zero-valued scalar fields are
// omitted, following proto3 conventions. The zero value is ready for use.
type builder struct {
	buf []byte
}

func (b *builder) Bytes(num protowire.Number, v []byte) {
	if len(v) != 0 {
		b.buf = protowire.AppendTag(b.buf, num, protowire.BytesType)
		b.buf = protowire.AppendBytes(b.buf, v)
	}
}

func (b *builder) String(num protowire.Number, s string) {
	if s != "" {
		b.buf = protowire.AppendTag(b.buf, num, protowire.BytesType)
		b.buf = protowire.AppendString(b.buf, s)
	}
}

func (b *builder) Varint(num protowire.Number, v uint64) {
	if v != 0 {
		b.buf = protowire.AppendTag(b.buf, num, protowire.VarintType)
		b.buf = protowire.AppendVarint(b.buf, v)
	}
}

// Message appends an embedded message. Empty messages are omitted.
func (b *builder) Message(num protowire.Number, enc []byte) { b.Bytes(num, enc) }

// A field is a single encoded field from a message.
type field struct {
	num protowire.Number
	typ protowire.Type
	buf []byte // the encoded value, without its tag
}

// scanFields calls f for each field encoded in data, in order. Fields may
// repeat; unknown fields should be ignored by f.
func scanFields(data []byte, f func(*field) error) error {
	for len(data) != 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		m := protowire.ConsumeFieldValue(num, typ, data)
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		if err := f(&field{num: num, typ: typ, buf: data[:m]}); err != nil {
			return err
		}
		data = data[m:]
	}
	return nil
}

func (f *field) wireType(want protowire.Type) error {
	if f.typ != want {
		return fmt.Errorf("field %d: wire type %d, want %d", f.num, f.typ, want)
	}
	return nil
}

// Bytes returns a copy of the contents of a length-delimited field.
func (f *field) Bytes() ([]byte, error) {
	if err := f.wireType(protowire.BytesType); err != nil {
		return nil, err
	}
	v, n := protowire.ConsumeBytes(f.buf)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return bytes.Clone(v), nil
}

func (f *field) String() (string, error) {
	if err := f.wireType(protowire.BytesType); err != nil {
		return "", err
	}
	v, n := protowire.ConsumeString(f.buf)
	if n < 0 {
		return "", protowire.ParseError(n)
	}
	return v, nil
}

func (f *field) Varint() (uint64, error) {
	if err := f.wireType(protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(f.buf)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return v, nil
}

// Message decodes an embedded message into m.
func (f *field) Message(m interface{ UnmarshalBinary([]byte) error }) error {
	if err := f.wireType(protowire.BytesType); err != nil {
		return err
	}
	v, n := protowire.ConsumeBytes(f.buf)
	if n < 0 {
		return protowire.ParseError(n)
	}
	return m.UnmarshalBinary(v)
}
