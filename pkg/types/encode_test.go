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
	"testing"

	"github.com/stretchr/testify/require"
)

func sign(c int) int {
	switch {
	case c < 0:
		return -1
	case c > 0:
		return 1
	default:
		return 0
	}
}

func TestEncodeKeyAgreesWithCompareValuesInt64Asc(t *testing.T) {
	flags := CompareFlags{Order: Asc, Nulls: NullsFirst}
	values := []Value{
		Int64Value(-100), Int64Value(-1), Int64Value(0), Int64Value(1), Int64Value(100),
		NullValue(Int64),
	}
	for _, a := range values {
		for _, b := range values {
			ka := EncodeKey(nil, a, flags)
			kb := EncodeKey(nil, b, flags)
			require.Equal(t, sign(CompareValues(a, b, flags)), sign(bytes.Compare(ka, kb)),
				"a=%v b=%v", a, b)
		}
	}
}

func TestEncodeKeyDescInvertsOrder(t *testing.T) {
	asc := CompareFlags{Order: Asc, Nulls: NullsFirst}
	desc := CompareFlags{Order: Desc, Nulls: NullsFirst}

	a, b := Int64Value(5), Int64Value(9)
	kaAsc, kbAsc := EncodeKey(nil, a, asc), EncodeKey(nil, b, asc)
	kaDesc, kbDesc := EncodeKey(nil, a, desc), EncodeKey(nil, b, desc)

	require.Negative(t, bytes.Compare(kaAsc, kbAsc))
	require.Positive(t, bytes.Compare(kaDesc, kbDesc))
}

func TestEncodeKeyNullsFirstAndLast(t *testing.T) {
	nullVal := NullValue(Int64)
	nonNull := Int64Value(0)

	first := CompareFlags{Order: Asc, Nulls: NullsFirst}
	kNullFirst := EncodeKey(nil, nullVal, first)
	kNonNullFirst := EncodeKey(nil, nonNull, first)
	require.Negative(t, bytes.Compare(kNullFirst, kNonNullFirst))

	last := CompareFlags{Order: Asc, Nulls: NullsLast}
	kNullLast := EncodeKey(nil, nullVal, last)
	kNonNullLast := EncodeKey(nil, nonNull, last)
	require.Positive(t, bytes.Compare(kNullLast, kNonNullLast))
}

func TestEncodeKeyFloat64CrossesZero(t *testing.T) {
	flags := CompareFlags{Order: Asc, Nulls: NullsFirst}
	values := []Value{
		Float64Value(-3.5), Float64Value(-0.001), Float64Value(0), Float64Value(0.001), Float64Value(3.5),
	}
	for i := 0; i < len(values)-1; i++ {
		ka := EncodeKey(nil, values[i], flags)
		kb := EncodeKey(nil, values[i+1], flags)
		require.Negative(t, bytes.Compare(ka, kb))
	}
}

func TestEncodeKeyStringOrderingAndEscaping(t *testing.T) {
	flags := CompareFlags{Order: Asc, Nulls: NullsFirst}
	values := []Value{
		StringValue(""), StringValue("a"), StringValue("a\x00b"), StringValue("ab"), StringValue("b"),
	}
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			ki := EncodeKey(nil, values[i], flags)
			kj := EncodeKey(nil, values[j], flags)
			require.LessOrEqual(t, bytes.Compare(ki, kj), 0, "%q vs %q", values[i].String(), values[j].String())
		}
	}
}

func TestCompareValuesEqualsOnly(t *testing.T) {
	flags := CompareFlags{Order: Asc, Nulls: NullsFirst, EqualsOnly: true}
	require.Equal(t, 0, CompareValues(Int64Value(5), Int64Value(5), flags))
	require.Equal(t, 1, CompareValues(Int64Value(5), Int64Value(6), flags))
	require.Equal(t, 1, CompareValues(Int64Value(6), Int64Value(5), flags))
}
