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

package spill

import (
	"container/heap"

	"github.com/pingcap/errors"

	"github.com/dbeng/sortspill/pkg/extsort"
	"github.com/dbeng/sortspill/pkg/types"
)

type runElement struct {
	row    []types.Value
	runIdx int
}

// mergeHeap is a container/heap.Interface over the current head row of
// each still-open run, adapted from multiWayMergeImpl in
// pkg/executor/sortexec/multi_way_merge.go: Push is never called after
// construction (elements are seeded directly and heap.Init'd), Pop only
// ever removes the last element via heap.Remove.
type mergeHeap struct {
	elements []runElement
	numKeys  int
	flags    []types.CompareFlags
}

func (h *mergeHeap) Len() int { return len(h.elements) }

func (h *mergeHeap) Less(i, j int) bool {
	return compareRows(h.elements[i].row, h.elements[j].row, h.numKeys, h.flags) < 0
}

func (h *mergeHeap) Swap(i, j int) { h.elements[i], h.elements[j] = h.elements[j], h.elements[i] }

func (*mergeHeap) Push(any) {}

func (h *mergeHeap) Pop() any {
	n := len(h.elements)
	e := h.elements[n-1]
	h.elements = h.elements[:n-1]
	return e
}

func compareRows(a, b []types.Value, numKeys int, flags []types.CompareFlags) int {
	for i := 0; i < numKeys; i++ {
		if c := types.CompareValues(a[i], b[i], flags[i]); c != 0 {
			return c
		}
	}
	return 0
}

// MergeIterator yields rows across every spilled run in globally sorted
// order, implementing the k-way merge the Spiller contract's startMerge()
// promises.
type MergeIterator struct {
	iters  []extsort.Iterator
	schema types.Schema
	heap   *mergeHeap
}

func newMergeIterator(iters []extsort.Iterator, schema types.Schema, numKeys int, flags []types.CompareFlags) (*MergeIterator, error) {
	h := &mergeHeap{numKeys: numKeys, flags: flags, elements: make([]runElement, 0, len(iters))}
	for i, it := range iters {
		if it.First() {
			row, err := decodeRow(it.UnsafeValue(), schema)
			if err != nil {
				return nil, errors.Trace(err)
			}
			h.elements = append(h.elements, runElement{row: row, runIdx: i})
			continue
		}
		if err := it.Error(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	heap.Init(h)
	return &MergeIterator{iters: iters, schema: schema, heap: h}, nil
}

// Next returns the next row in global sort order, or ok=false once every
// run is exhausted.
func (m *MergeIterator) Next() (row []types.Value, ok bool, err error) {
	if m.heap.Len() == 0 {
		return nil, false, nil
	}
	top := m.heap.elements[0]
	it := m.iters[top.runIdx]
	result := top.row

	if it.Next() {
		next, err := decodeRow(it.UnsafeValue(), m.schema)
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		m.heap.elements[0].row = next
		heap.Fix(m.heap, 0)
		return result, true, nil
	}
	if err := it.Error(); err != nil {
		return nil, false, errors.Trace(err)
	}
	heap.Remove(m.heap, 0)
	return result, true, nil
}

// Close releases every run's iterator. The underlying on-disk runs
// themselves remain owned by the Spiller until it is closed.
func (m *MergeIterator) Close() error {
	var firstErr error
	for _, it := range m.iters {
		if err := it.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return errors.Trace(firstErr)
}
