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

// Package types declares the closed set of column types this core
// supports, the per-key comparison flags, and the tagged-variant Value used
// to move individual fields between a columnar batch and a RowStore row.
// Dynamic dispatch over column type (spec.md's design note on "dynamic
// dispatch over column types") is modeled here as a closed-set tag switch
// rather than an interface hierarchy, matching LType/InternalType in the
// teacher's sort engine.
package types

import "fmt"

// LogicalType is the closed set of column types this core understands.
type LogicalType int

const (
	Invalid LogicalType = iota
	Bool
	Int64
	Float64
	String
)

// String implements fmt.Stringer for readable test failures and logs.
func (t LogicalType) String() string {
	switch t {
	case Bool:
		return "BOOL"
	case Int64:
		return "INT64"
	case Float64:
		return "FLOAT64"
	case String:
		return "STRING"
	default:
		return "INVALID"
	}
}

// Column describes one column of the input/internal schema: its name and
// logical type.
type Column struct {
	Name string
	Type LogicalType
}

// Schema is an ordered list of columns, e.g. S_in or S_int.
type Schema []Column

// OrderType is the sort direction for one key column.
type OrderType int

const (
	Asc OrderType = iota
	Desc
)

// NullOrder controls where nulls sort relative to non-null values.
type NullOrder int

const (
	NullsFirst NullOrder = iota
	NullsLast
)

// CompareFlags are the per-key comparison flags from spec.md section 3:
// ascending/descending, nulls-first/nulls-last, and an equals-only mode
// that short-circuits ordering to pure equality (used by callers that only
// need to detect key changes, e.g. grouping on top of a sorted stream).
type CompareFlags struct {
	Order      OrderType
	Nulls      NullOrder
	EqualsOnly bool
}

// Value is a tagged-variant holding exactly one field's worth of data,
// typed to one of the LogicalType values above. It is the unit RowStore
// stores, compares, and extracts.
type Value struct {
	Type LogicalType
	Null bool

	boolVal float64ToBoolBits
	i64Val  int64
	f64Val  float64
	strVal  string
}

// float64ToBoolBits stores a bool as its own tiny type so Value's zero
// value reads cleanly (false/0) regardless of which variant is live.
type float64ToBoolBits bool

// BoolValue constructs a non-null bool Value.
func BoolValue(b bool) Value { return Value{Type: Bool, boolVal: float64ToBoolBits(b)} }

// Int64Value constructs a non-null int64 Value.
func Int64Value(v int64) Value { return Value{Type: Int64, i64Val: v} }

// Float64Value constructs a non-null float64 Value.
func Float64Value(v float64) Value { return Value{Type: Float64, f64Val: v} }

// StringValue constructs a non-null string Value.
func StringValue(v string) Value { return Value{Type: String, strVal: v} }

// NullValue constructs a null Value of the given type.
func NullValue(t LogicalType) Value { return Value{Type: t, Null: true} }

// Bool returns the bool held by a non-null Bool value.
func (v Value) Bool() bool { return bool(v.boolVal) }

// Int64 returns the int64 held by a non-null Int64 value.
func (v Value) Int64() int64 { return v.i64Val }

// Float64 returns the float64 held by a non-null Float64 value.
func (v Value) Float64() float64 { return v.f64Val }

// String returns the string held by a non-null String value.
func (v Value) String() string {
	if v.Null {
		return fmt.Sprintf("%s(null)", v.Type)
	}
	switch v.Type {
	case Bool:
		return fmt.Sprintf("%t", v.Bool())
	case Int64:
		return fmt.Sprintf("%d", v.Int64())
	case Float64:
		return fmt.Sprintf("%g", v.Float64())
	case String:
		return v.strVal
	default:
		return "<invalid>"
	}
}

// VarLen reports whether this value's wire/row representation has a
// variable-length component (only String does, among the supported types).
func (t LogicalType) VarLen() bool { return t == String }

// FixedSize returns the in-row footprint of a fixed-size type, in bytes.
// Callers must not call this for a variable-length type.
func (t LogicalType) FixedSize() int {
	switch t {
	case Bool:
		return 1
	case Int64:
		return 8
	case Float64:
		return 8
	default:
		panic(fmt.Sprintf("types: FixedSize called on variable-length type %s", t))
	}
}
