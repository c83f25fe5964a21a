// Package codec encodes the two kinds of data peers exchange: discovery
// beacons sent as datagrams and length-prefixed frames sent over a
// per-peer stream. Bodies use the protobuf wire format so that unknown
// fields from newer peers are skipped rather than rejected.
package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Decoding errors.
var (
	// ErrMalformed indicates a beacon or frame body could not be decoded.
	// The offending unit is dropped; the stream stays usable.
	ErrMalformed = errors.New("malformed data")

	// ErrFrameTooLarge indicates a frame exceeds the configured limit.
	// The stream cannot be resynchronised after this.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrBadMagic indicates a datagram is not a peernet beacon.
	ErrBadMagic = errors.New("not a beacon")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// fieldDecoder consumes the value of one field and returns the number of
// bytes used. Returning 0 skips the field as unknown.
type fieldDecoder func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeFields(b []byte, fn fieldDecoder) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return malformed("field %d: %v", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, malformed("field %d: wire type %d, want bytes", num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = string(v)
	}
	return n, nil
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, malformed("field %d: wire type %d, want bytes", num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = append([]byte(nil), v...)
	}
	return n, nil
}

func consumeUint32(num protowire.Number, typ protowire.Type, b []byte, dst *uint32) (int, error) {
	if typ != protowire.VarintType {
		return 0, malformed("field %d: wire type %d, want varint", num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		if v > 1<<32-1 {
			return 0, malformed("field %d: value %d overflows uint32", num, v)
		}
		*dst = uint32(v)
	}
	return n, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendNested writes a length-delimited submessage produced by fn.
func appendNested(b []byte, num protowire.Number, fn func([]byte) []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, fn(nil))
}
