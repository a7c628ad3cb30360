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

// Package rowstore implements the RowStore collaborator contract from
// section 4.1: a row-backed accumulator that packs columnar input into
// fixed-layout row slots, supports typed key comparison directly against
// those slots, and extracts slots back out into column vectors. Rows are
// addressed by RowPtr rather than raw pointers — a deliberate, idiomatic-Go
// departure from the teacher's unsafe.Pointer-addressed row layout in
// daviszhen-plan's sort.go, trading nothing a single-process Go buffer
// needs unsafe.Pointer for in exchange for memory safety.
package rowstore

import (
	"github.com/dbeng/sortspill/pkg/chunk"
	"github.com/dbeng/sortspill/pkg/memory"
	"github.com/dbeng/sortspill/pkg/types"
)

// RowPtr addresses one row inside a RowStore. Its address is stable for the
// lifetime of the containing RowStore: blocks are allocated in fixed-size
// slabs and never reallocated, so appending further rows never invalidates
// an existing RowPtr.
type RowPtr struct {
	Block int
	Row   int
}

type row []types.Value

type rowBlock struct {
	rows []row
}

// DefaultBlockRows is the number of rows held by one slab before a new
// block is allocated.
const DefaultBlockRows = 1024

// RowStore accumulates rows in internal schema order (keys first) and
// supports the operations the memory governor, finalizer, and emitter need:
// NewRow/Store to ingest, Compare to sort, ListRows/ExtractColumn to read
// back out, and the capacity-estimation calls the governor uses to decide
// whether to spill.
type RowStore struct {
	schema   types.Schema
	numKeys  int
	flags    []types.CompareFlags
	blockCap int

	blocks  []*rowBlock
	numRows int

	strAlloc stringAllocator
	varBytes int64

	tracker *memory.Tracker
}

// New creates an empty RowStore for the internal schema (keys first,
// payload columns after), with one CompareFlags entry per key column.
// tracker, if non-nil, is consumed against as rows and variable-length
// payload are stored, so a single memory pool sees every byte this core
// uses (spec.md invariant 4).
func New(schema types.Schema, numKeys int, flags []types.CompareFlags, tracker *memory.Tracker) *RowStore {
	return &RowStore{
		schema:   schema,
		numKeys:  numKeys,
		flags:    flags,
		blockCap: DefaultBlockRows,
		tracker:  tracker,
	}
}

// fixedRowWidth estimates the in-row footprint of one row: the fixed size
// of every column, plus a small pointer-sized placeholder for each
// variable-length column (whose actual bytes live in the string
// allocator).
func (rs *RowStore) fixedRowWidth() int64 {
	var w int64
	for _, c := range rs.schema {
		if c.Type.VarLen() {
			w += 16
			continue
		}
		w += int64(c.Type.FixedSize())
	}
	return w
}

// NewRow allocates an empty row and returns its stable address.
func (rs *RowStore) NewRow() RowPtr {
	if len(rs.blocks) == 0 || len(rs.blocks[len(rs.blocks)-1].rows) >= rs.blockCap {
		rs.blocks = append(rs.blocks, &rowBlock{rows: make([]row, 0, rs.blockCap)})
		if rs.tracker != nil {
			rs.tracker.Consume(rs.fixedRowWidth() * int64(rs.blockCap))
		}
	}
	blk := rs.blocks[len(rs.blocks)-1]
	r := make(row, len(rs.schema))
	for i := range r {
		r[i] = types.NullValue(rs.schema[i].Type)
	}
	blk.rows = append(blk.rows, r)
	ptr := RowPtr{Block: len(rs.blocks) - 1, Row: len(blk.rows) - 1}
	rs.numRows++
	return ptr
}

func (rs *RowStore) at(ptr RowPtr) row {
	return rs.blocks[ptr.Block].rows[ptr.Row]
}

// Store writes one field into the given row at internalCol.
func (rs *RowStore) Store(v types.Value, ptr RowPtr, internalCol int) {
	r := rs.at(ptr)
	old := r[internalCol]
	r[internalCol] = v

	if rs.schema[internalCol].Type == types.String {
		oldLen := int64(0)
		if !old.Null {
			oldLen = int64(len(old.String()))
		}
		newLen := int64(0)
		if !v.Null {
			newLen = int64(len(v.String()))
		}
		if newLen > oldLen {
			rs.strAlloc.alloc(newLen - oldLen)
		} else if newLen < oldLen {
			rs.strAlloc.free(oldLen - newLen)
		}
		rs.varBytes += newLen - oldLen
		if rs.tracker != nil {
			rs.tracker.Consume(newLen - oldLen)
		}
	}
}

// Compare compares rows a and b on key column keyIndex (0-based into the
// key prefix), under that key's comparison flags.
func (rs *RowStore) Compare(a, b RowPtr, keyIndex int) int {
	flags := rs.flags[keyIndex]
	va := rs.at(a)[keyIndex]
	vb := rs.at(b)[keyIndex]
	return types.CompareValues(va, vb, flags)
}

// CompareRows walks every key column in priority order, returning the
// first non-zero Compare result, or 0 if every key column compares equal.
// This is the comparator the finalizer's in-memory sort uses directly.
func (rs *RowStore) CompareRows(a, b RowPtr) int {
	for i := 0; i < rs.numKeys; i++ {
		if c := rs.Compare(a, b, i); c != 0 {
			return c
		}
	}
	return 0
}

// ListRows enumerates up to n row pointers in insertion order starting at
// *cursor, a global row index that ListRows advances. It returns the
// pointers actually produced (fewer than n at the end of the store).
func (rs *RowStore) ListRows(cursor *int, n int) []RowPtr {
	out := make([]RowPtr, 0, n)
	for len(out) < n && *cursor < rs.numRows {
		blockIdx := *cursor / rs.blockCap
		rowIdx := *cursor % rs.blockCap
		out = append(out, RowPtr{Block: blockIdx, Row: rowIdx})
		*cursor = *cursor + 1
	}
	return out
}

// ExtractColumn copies internalCol's values from ptrs, in order, into out.
func (rs *RowStore) ExtractColumn(ptrs []RowPtr, internalCol int, out *chunk.Column) {
	for _, p := range ptrs {
		out.Append(rs.at(p)[internalCol])
	}
}

// GetRow returns a copy of every column's value for ptr, in internal
// schema order. Used by the spiller to serialize a row to a spill run.
func (rs *RowStore) GetRow(ptr RowPtr) []types.Value {
	r := rs.at(ptr)
	out := make([]types.Value, len(r))
	copy(out, r)
	return out
}

// NumRows returns how many rows the store currently holds.
func (rs *RowStore) NumRows() int { return rs.numRows }

// Schema returns the internal schema this store was created with.
func (rs *RowStore) Schema() types.Schema { return rs.schema }

// NumKeys returns the number of leading key columns.
func (rs *RowStore) NumKeys() int { return rs.numKeys }

// Flags returns the per-key comparison flags.
func (rs *RowStore) Flags() []types.CompareFlags { return rs.flags }

// FreeSpace reports the remaining row-slot capacity before another block
// must be allocated, and the remaining variable-length byte capacity
// before the string allocator must grow, mirroring RowStore's
// freeSpace() -> (freeRows, freeVarBytes) contract.
func (rs *RowStore) FreeSpace() (freeRows int, freeVarBytes int64) {
	slotCap := len(rs.blocks) * rs.blockCap
	freeRows = slotCap - rs.numRows
	if freeRows < 0 {
		freeRows = 0
	}
	freeVarBytes = rs.strAlloc.capacity - rs.strAlloc.used
	if freeVarBytes < 0 {
		freeVarBytes = 0
	}
	return freeRows, freeVarBytes
}

// StringAllocatorRetainedSize mirrors stringAllocator().retainedSize().
func (rs *RowStore) StringAllocatorRetainedSize() int64 { return rs.strAlloc.capacity }

// SizeIncrement estimates the additional bytes the memory pool must
// reserve to accommodate nRows more rows carrying varBytesHint more bytes
// of variable-length payload between them.
func (rs *RowStore) SizeIncrement(nRows int, varBytesHint int64) int64 {
	return int64(nRows)*rs.fixedRowWidth() + varBytesHint
}

// OutOfLineBytesPerRow estimates the average variable-length payload per
// row currently stored. The memory governor (ensureInputFits) does not call
// it.
func (rs *RowStore) OutOfLineBytesPerRow() float64 {
	if rs.numRows == 0 {
		return 0
	}
	return float64(rs.varBytes) / float64(rs.numRows)
}

// Clear releases every row and variable-length byte the store holds,
// returning it to its just-constructed state. Callers (the memory
// governor, after a spill) must call Clear once the spiller has taken
// ownership of the rows it flushed.
func (rs *RowStore) Clear() {
	if rs.tracker != nil {
		rs.tracker.Consume(-(int64(len(rs.blocks)) * rs.fixedRowWidth() * int64(rs.blockCap)))
		rs.tracker.Consume(-rs.varBytes)
	}
	rs.blocks = nil
	rs.numRows = 0
	rs.varBytes = 0
	rs.strAlloc = stringAllocator{}
}

// stringAllocator is RowStore's side allocator for variable-length payload:
// a simple bump allocator with geometric capacity growth, standing in for
// the teacher's dedicated string-heap allocator referenced by
// row_container.go's retainedSize() accessor.
type stringAllocator struct {
	capacity int64
	used     int64
}

func (a *stringAllocator) reserve(n int64) {
	if a.used+n <= a.capacity {
		return
	}
	newCap := a.capacity * 2
	if newCap < a.used+n {
		newCap = a.used + n
	}
	if newCap < 4096 {
		newCap = 4096
	}
	a.capacity = newCap
}

func (a *stringAllocator) alloc(n int64) {
	a.reserve(n)
	a.used += n
}

func (a *stringAllocator) free(n int64) {
	a.used -= n
	if a.used < 0 {
		a.used = 0
	}
}
