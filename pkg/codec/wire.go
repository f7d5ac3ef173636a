// Package codec holds the explicit wire contract for journal frames and
// snapshots. Every entity has its own encode and decode function built on the
// protobuf wire format; nothing is reflected at runtime.
//
// Encoding is deterministic: maps are written in key order, so equal values
// always produce equal bytes.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when bytes cannot be decoded.
var ErrMalformed = errors.New("codec: malformed input")

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// appendMessage writes a length-delimited sub-message, even when empty, so
// repeated fields keep their element count.
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// appendTime writes t as unix milliseconds. The zero time is omitted.
func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixMilli()))
}

// appendMillis writes t as unsigned unix milliseconds, for the timestamp
// fields of journal frames and snapshot records.
func appendMillis(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t.UnixMilli()))
}

func unixMilli(ms uint64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}

func appendStock(b []byte, num protowire.Number, stock map[string]int64) []byte {
	variants := make([]string, 0, len(stock))
	for v := range stock {
		variants = append(variants, v)
	}
	sort.Strings(variants)
	for _, v := range variants {
		var entry []byte
		entry = appendString(entry, 1, v)
		entry = appendInt(entry, 2, stock[v])
		b = appendMessage(b, num, entry)
	}
	return b
}

// field is one decoded tag/value pair.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// fields decodes a flat message into its fields, in wire order.
func fields(b []byte) ([]field, error) {
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.varint = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.bytes = v
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			n = m
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

func (f field) asString() (string, error) {
	if f.typ != protowire.BytesType {
		return "", f.typeError()
	}
	return string(f.bytes), nil
}

func (f field) asBytes() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, f.typeError()
	}
	return f.bytes, nil
}

func (f field) asUint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, f.typeError()
	}
	return f.varint, nil
}

func (f field) asInt() (int64, error) {
	if f.typ != protowire.VarintType {
		return 0, f.typeError()
	}
	return protowire.DecodeZigZag(f.varint), nil
}

func (f field) asBool() (bool, error) {
	if f.typ != protowire.VarintType {
		return false, f.typeError()
	}
	return protowire.DecodeBool(f.varint), nil
}

func (f field) asTime() (time.Time, error) {
	ms, err := f.asInt()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (f field) typeError() error {
	return fmt.Errorf("%w: field %d has unexpected wire type %d", ErrMalformed, f.num, f.typ)
}

func decodeStockEntry(b []byte, stock map[string]int64) error {
	fs, err := fields(b)
	if err != nil {
		return err
	}
	var (
		variant string
		qty     int64
	)
	for _, f := range fs {
		switch f.num {
		case 1:
			variant, err = f.asString()
		case 2:
			qty, err = f.asInt()
		}
		if err != nil {
			return err
		}
	}
	stock[variant] = qty
	return nil
}
