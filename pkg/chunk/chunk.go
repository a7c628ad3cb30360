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

// Package chunk implements the columnar row batch ("row batch / vector" in
// the glossary) that upstream operators hand to this core and that this
// core hands back downstream. It plays the same role chunk.Chunk plays
// around util/chunk/row_container.go, trimmed to the closed set of types
// pkg/types declares.
package chunk

import (
	"github.com/dbeng/sortspill/pkg/types"
)

// Column is a single column's worth of values for a Chunk, stored densely
// with a parallel null bitmap rather than per-value tagged Values, so large
// batches stay cheap to move around.
type Column struct {
	typ     types.LogicalType
	nulls   []bool
	bools   []bool
	i64s    []int64
	f64s    []float64
	strs    []string
}

// NewColumn creates an empty column of the given type with capacity cap.
func NewColumn(typ types.LogicalType, cap int) *Column {
	c := &Column{typ: typ}
	if cap <= 0 {
		return c
	}
	c.nulls = make([]bool, 0, cap)
	switch typ {
	case types.Bool:
		c.bools = make([]bool, 0, cap)
	case types.Int64:
		c.i64s = make([]int64, 0, cap)
	case types.Float64:
		c.f64s = make([]float64, 0, cap)
	case types.String:
		c.strs = make([]string, 0, cap)
	}
	return c
}

// Type returns the column's logical type.
func (c *Column) Type() types.LogicalType { return c.typ }

// Len returns the number of values stored in the column.
func (c *Column) Len() int { return len(c.nulls) }

// Reset empties the column's backing slices while keeping their capacity.
func (c *Column) Reset() {
	c.nulls = c.nulls[:0]
	c.bools = c.bools[:0]
	c.i64s = c.i64s[:0]
	c.f64s = c.f64s[:0]
	c.strs = c.strs[:0]
}

// Append adds v to the end of the column. v.Type must match the column's
// type.
func (c *Column) Append(v types.Value) {
	c.nulls = append(c.nulls, v.Null)
	switch c.typ {
	case types.Bool:
		b := false
		if !v.Null {
			b = v.Bool()
		}
		c.bools = append(c.bools, b)
	case types.Int64:
		i := int64(0)
		if !v.Null {
			i = v.Int64()
		}
		c.i64s = append(c.i64s, i)
	case types.Float64:
		f := float64(0)
		if !v.Null {
			f = v.Float64()
		}
		c.f64s = append(c.f64s, f)
	case types.String:
		s := ""
		if !v.Null {
			s = v.String()
		}
		c.strs = append(c.strs, s)
	}
}

// Get returns the value at row index i as a types.Value.
func (c *Column) Get(i int) types.Value {
	if c.nulls[i] {
		return types.NullValue(c.typ)
	}
	switch c.typ {
	case types.Bool:
		return types.BoolValue(c.bools[i])
	case types.Int64:
		return types.Int64Value(c.i64s[i])
	case types.Float64:
		return types.Float64Value(c.f64s[i])
	case types.String:
		return types.StringValue(c.strs[i])
	default:
		panic("chunk: Get called on a column of invalid type")
	}
}

// Resize grows or shrinks the column to exactly n rows, padding new rows
// with nulls. The emitter does not use it: it reuses its output batch
// through Reset and Append.
func (c *Column) Resize(n int) {
	if n <= len(c.nulls) {
		c.nulls = c.nulls[:n]
		switch c.typ {
		case types.Bool:
			c.bools = c.bools[:n]
		case types.Int64:
			c.i64s = c.i64s[:n]
		case types.Float64:
			c.f64s = c.f64s[:n]
		case types.String:
			c.strs = c.strs[:n]
		}
		return
	}
	for c.Len() < n {
		c.Append(types.NullValue(c.typ))
	}
}

// Set overwrites the value at row index i.
func (c *Column) Set(i int, v types.Value) {
	c.nulls[i] = v.Null
	if v.Null {
		return
	}
	switch c.typ {
	case types.Bool:
		c.bools[i] = v.Bool()
	case types.Int64:
		c.i64s[i] = v.Int64()
	case types.Float64:
		c.f64s[i] = v.Float64()
	case types.String:
		c.strs[i] = v.String()
	}
}

// Chunk is a columnar row batch: a fixed schema's worth of Columns, all the
// same length.
type Chunk struct {
	schema  types.Schema
	columns []*Column
}

// NewChunk creates an empty Chunk for schema with columns pre-sized to cap.
func NewChunk(schema types.Schema, cap int) *Chunk {
	cols := make([]*Column, len(schema))
	for i, c := range schema {
		cols[i] = NewColumn(c.Type, cap)
	}
	return &Chunk{schema: schema, columns: cols}
}

// Schema returns the chunk's column schema.
func (c *Chunk) Schema() types.Schema { return c.schema }

// NumRows returns how many rows the chunk currently holds. All columns of
// a Chunk are kept the same length, so the first column's length suffices.
func (c *Chunk) NumRows() int {
	if len(c.columns) == 0 {
		return 0
	}
	return c.columns[0].Len()
}

// NumCols returns the chunk's column count.
func (c *Chunk) NumCols() int { return len(c.columns) }

// Column returns the i-th column.
func (c *Chunk) Column(i int) *Column { return c.columns[i] }

// GetRow returns the values of row i across all columns, in column order.
func (c *Chunk) GetRow(i int) []types.Value {
	row := make([]types.Value, len(c.columns))
	for j, col := range c.columns {
		row[j] = col.Get(i)
	}
	return row
}

// AppendRow appends one row's worth of values, one per column, in order.
func (c *Chunk) AppendRow(row []types.Value) {
	for j, col := range c.columns {
		col.Append(row[j])
	}
}

// Reset empties every column, keeping their backing capacity.
func (c *Chunk) Reset() {
	for _, col := range c.columns {
		col.Reset()
	}
}

// Resize grows or shrinks every column of the chunk to exactly n rows.
func (c *Chunk) Resize(n int) {
	for _, col := range c.columns {
		col.Resize(n)
	}
}
