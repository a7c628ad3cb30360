// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

import (
	"bytes"
	"encoding/binary"
	"math"
)

// EncodeKey appends the order-preserving byte encoding of v to dst and
// returns the grown slice. The layout is one null-marker byte followed by
// the value's fixed-width big-endian bytes (sign-flipped for signed/float
// types so unsigned byte comparison matches numeric comparison), or for
// String the raw bytes terminated by 0x00 0x00 and with any embedded
// 0x00 escaped as 0x00 0xFF — the same scheme the teacher's radix sort uses
// for BOOL/INT32 keys (TemplatedRadixScatter in sort.go: a leading
// valid/invalid byte, then BSWAP+FlipSign'd data, bit-inverted for DESC).
// Unlike the teacher, DESC inverts only the bytes after the null marker, so
// where nulls sort depends on flags.Nulls alone, not on the direction.
//
// Comparing two EncodeKey outputs byte-for-byte with bytes.Compare yields
// the same order as CompareValues with the same flags.
func EncodeKey(dst []byte, v Value, flags CompareFlags) []byte {
	start := len(dst)

	nullsFirst := flags.Nulls == NullsFirst
	var marker byte
	switch {
	case v.Null && nullsFirst:
		marker = 0
	case v.Null && !nullsFirst:
		marker = 2
	default:
		marker = 1
	}
	dst = append(dst, marker)

	if !v.Null {
		dst = appendDataBytes(dst, v)
	} else {
		dst = append(dst, make([]byte, nullPaddingSize(v.Type))...)
	}

	if flags.Order == Desc {
		invertBits(dst[start+1:])
	}
	return dst
}

// nullPaddingSize returns how many zero bytes a null value's encoding
// occupies after the marker byte, so fixed-width key slots stay fixed width
// across nulls and non-nulls of the same column.
func nullPaddingSize(t LogicalType) int {
	if t.VarLen() {
		return 0
	}
	return t.FixedSize()
}

func appendDataBytes(dst []byte, v Value) []byte {
	switch v.Type {
	case Bool:
		b := byte(0)
		if v.Bool() {
			b = 1
		}
		return append(dst, b)
	case Int64:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], flipSignInt64(uint64(v.Int64())))
		return append(dst, buf[:]...)
	case Float64:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], flipSignFloat64(v.Float64()))
		return append(dst, buf[:]...)
	case String:
		return appendEscapedString(dst, v.strVal)
	default:
		panic("types: EncodeKey called with an invalid value type")
	}
}

// flipSignInt64 maps a two's-complement int64 to an unsigned ordering by
// flipping the sign bit, the same trick the teacher's int32Encoder applies
// via FlipSign(BSWAP32(x)) before storing — binary.BigEndian already gives
// us the big-endian byte order, so only the sign flip remains.
func flipSignInt64(bits uint64) uint64 {
	return bits ^ (1 << 63)
}

// flipSignFloat64 produces an order-preserving unsigned encoding of an
// IEEE-754 float: flip the sign bit for non-negative numbers, invert every
// bit for negative numbers, so that unsigned comparison matches numeric
// comparison including across the zero and sign boundary.
func flipSignFloat64(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits ^ (1 << 63)
}

// appendEscapedString appends s terminated by 0x00 0x00, escaping any
// embedded 0x00 byte as 0x00 0xFF so the terminator remains unambiguous, no
// encoding is a byte prefix of another (which keeps DESC's inverted bytes
// ordered too), and shorter strings still sort before longer strings that
// share their prefix.
func appendEscapedString(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		dst = append(dst, c)
		if c == 0x00 {
			dst = append(dst, 0xFF)
		}
	}
	return append(dst, 0x00, 0x00)
}

// invertBits flips every bit in b in place, implementing DESC ordering by
// bitwise-inverting the ASC encoding, matching invertBits in the teacher's
// radix scatter.
func invertBits(b []byte) {
	for i := range b {
		b[i] = ^b[i]
	}
}

// CompareValues compares a and b under flags, returning negative, zero, or
// positive as RowStore.compare's contract requires. It is the reference
// semantics EncodeKey's byte encoding must agree with; RowStore uses
// whichever is more convenient for a given code path.
func CompareValues(a, b Value, flags CompareFlags) int {
	if a.Null || b.Null {
		switch {
		case a.Null && b.Null:
			return 0
		case a.Null:
			if flags.Nulls == NullsFirst {
				return -1
			}
			return 1
		default: // b.Null
			if flags.Nulls == NullsFirst {
				return 1
			}
			return -1
		}
	}

	var c int
	switch a.Type {
	case Bool:
		c = compareBool(a.Bool(), b.Bool())
	case Int64:
		c = compareInt64(a.Int64(), b.Int64())
	case Float64:
		c = compareFloat64(a.Float64(), b.Float64())
	case String:
		c = compareString(a.String(), b.String())
	default:
		panic("types: CompareValues called with an invalid value type")
	}
	if flags.EqualsOnly {
		if c != 0 {
			return 1
		}
		return 0
	}
	if flags.Order == Desc {
		return -c
	}
	return c
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a && b:
		return -1
	default:
		return 1
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// CompareEncodedKeys orders two byte strings produced by EncodeKey for the
// same column sequence and flags, returning the same sign a CompareValues
// comparison of the original values would. A spill run's on-disk sort path
// never decodes a key back into Values; it only ever needs to reorder raw
// EncodeKey output, so this is the comparator such a path should call
// instead of falling back to a generic byte-lexicographic compare borrowed
// from its storage engine.
func CompareEncodedKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}
