// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package orderedcode implements order-preserving encodings of signed integers
// and byte strings. For any two values a and b of the same type,
// bytes.Compare(Append(a), Append(b)) has the same sign as comparing a and b,
// and a sequence of encoded values compares like the tuple of the values.
package orderedcode

import (
	"bytes"
	"strings"

	"github.com/cockroachdb/localstore/internal/base"
)

const (
	// intMin is the tag byte of the most negative 8-byte integers. Tags below
	// intZero encode negative numbers, tags above it non-negative ones.
	intMin      = 0x80
	intMaxWidth = 8
	intZero     = intMin + intMaxWidth
	intSmall    = intMax - intZero - intMaxWidth // 109
	intMax      = 0xfd
)

const (
	// <term> -> \x00\x01
	// \x00   -> \x00\xff
	escape      byte = 0x00
	escapedTerm byte = 0x01
	escaped00   byte = 0xff
)

// AppendSignedNumIncreasing appends the order-preserving encoding of v to dst.
//
// The first byte holds the length of the big-endian payload: 8-n for a
// negative number of n bytes and 8+n for a non-negative one. Small
// non-negative values are folded into the tag byte itself.
func AppendSignedNumIncreasing(dst []byte, v int64) []byte {
	if v < 0 {
		switch {
		case v >= -0xff:
			return append(dst, intMin+7, byte(v))
		case v >= -0xffff:
			return append(dst, intMin+6, byte(v>>8), byte(v))
		case v >= -0xffffff:
			return append(dst, intMin+5, byte(v>>16), byte(v>>8), byte(v))
		case v >= -0xffffffff:
			return append(dst, intMin+4, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
		case v >= -0xffffffffff:
			return append(dst, intMin+3, byte(v>>32), byte(v>>24), byte(v>>16), byte(v>>8),
				byte(v))
		case v >= -0xffffffffffff:
			return append(dst, intMin+2, byte(v>>40), byte(v>>32), byte(v>>24), byte(v>>16),
				byte(v>>8), byte(v))
		case v >= -0xffffffffffffff:
			return append(dst, intMin+1, byte(v>>48), byte(v>>40), byte(v>>32), byte(v>>24),
				byte(v>>16), byte(v>>8), byte(v))
		default:
			return append(dst, intMin, byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
				byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
		}
	}
	return appendUnsigned(dst, uint64(v))
}

func appendUnsigned(dst []byte, v uint64) []byte {
	switch {
	case v <= intSmall:
		return append(dst, intZero+byte(v))
	case v <= 0xff:
		return append(dst, intMax-7, byte(v))
	case v <= 0xffff:
		return append(dst, intMax-6, byte(v>>8), byte(v))
	case v <= 0xffffff:
		return append(dst, intMax-5, byte(v>>16), byte(v>>8), byte(v))
	case v <= 0xffffffff:
		return append(dst, intMax-4, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	case v <= 0xffffffffff:
		return append(dst, intMax-3, byte(v>>32), byte(v>>24), byte(v>>16), byte(v>>8),
			byte(v))
	case v <= 0xffffffffffff:
		return append(dst, intMax-2, byte(v>>40), byte(v>>32), byte(v>>24), byte(v>>16),
			byte(v>>8), byte(v))
	case v <= 0xffffffffffffff:
		return append(dst, intMax-1, byte(v>>48), byte(v>>40), byte(v>>32), byte(v>>24),
			byte(v>>16), byte(v>>8), byte(v))
	default:
		return append(dst, intMax, byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

// DecodeSignedNumIncreasing decodes a value written by
// AppendSignedNumIncreasing, returning the remainder of src.
func DecodeSignedNumIncreasing(src []byte) (rest []byte, v int64, err error) {
	if len(src) == 0 {
		return nil, 0, base.CorruptionErrorf("orderedcode: insufficient bytes to decode signed number")
	}
	tag := int(src[0])
	if tag < intMin || tag > intMax {
		return nil, 0, base.CorruptionErrorf("orderedcode: invalid signed number tag 0x%02x", src[0])
	}
	length := tag - intZero
	if length < 0 {
		length = -length
		b := src[1:]
		if len(b) < length {
			return nil, 0, base.CorruptionErrorf(
				"orderedcode: insufficient bytes to decode signed number: want %d, have %d", length, len(b))
		}
		// Build up the ones-complement of the value, then complement it back.
		var x int64
		for _, t := range b[:length] {
			x = (x << 8) | int64(^t)
		}
		return b[length:], ^x, nil
	}

	b := src[1:]
	if length <= intSmall {
		return b, int64(length), nil
	}
	length -= intSmall
	if len(b) < length {
		return nil, 0, base.CorruptionErrorf(
			"orderedcode: insufficient bytes to decode signed number: want %d, have %d", length, len(b))
	}
	var x uint64
	for _, t := range b[:length] {
		x = (x << 8) | uint64(t)
	}
	if int64(x) < 0 {
		return nil, 0, base.CorruptionErrorf("orderedcode: signed number %d overflows int64", x)
	}
	return b[length:], int64(x), nil
}

// AppendString appends the order-preserving encoding of s to dst. Zero bytes
// are escaped so that the terminator can never appear inside the payload.
func AppendString(dst []byte, s string) []byte {
	for {
		i := strings.IndexByte(s, escape)
		if i == -1 {
			break
		}
		dst = append(dst, s[:i]...)
		dst = append(dst, escape, escaped00)
		s = s[i+1:]
	}
	dst = append(dst, s...)
	return append(dst, escape, escapedTerm)
}

// AppendBytes is like AppendString for a byte slice.
func AppendBytes(dst []byte, b []byte) []byte {
	return AppendString(dst, string(b))
}

// DecodeString decodes a value written by AppendString, returning the
// remainder of src.
func DecodeString(src []byte) (rest []byte, s string, err error) {
	var out []byte
	for {
		i := bytes.IndexByte(src, escape)
		if i == -1 {
			return nil, "", base.CorruptionErrorf("orderedcode: did not find terminator in string")
		}
		if i+1 >= len(src) {
			return nil, "", base.CorruptionErrorf("orderedcode: malformed escape in string")
		}
		switch src[i+1] {
		case escapedTerm:
			if out == nil {
				return src[i+2:], string(src[:i]), nil
			}
			out = append(out, src[:i]...)
			return src[i+2:], string(out), nil
		case escaped00:
			out = append(out, src[:i]...)
			out = append(out, 0)
			src = src[i+2:]
		default:
			return nil, "", base.CorruptionErrorf("orderedcode: unknown escape sequence 0x00 0x%02x", src[i+1])
		}
	}
}

// PrefixEnd returns the smallest key that sorts after every key with the
// given prefix, or nil if no such key exists (a prefix made up of 0xff bytes).
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
