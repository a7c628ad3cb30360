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

package sortbuffer

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/stretchr/testify/require"

	"github.com/dbeng/sortspill/pkg/chunk"
	"github.com/dbeng/sortspill/pkg/memory"
	"github.com/dbeng/sortspill/pkg/types"
)

func singleInt64KeySchema() types.Schema {
	return types.Schema{{Name: "k", Type: types.Int64}}
}

func newTestPool(t *testing.T) *memory.Pool {
	t.Helper()
	tracker := memory.NewTracker(memory.LabelForRootPool, -1)
	return memory.NewPool(tracker, 0)
}

func int64Batch(schema types.Schema, col int, values []int64) *chunk.Chunk {
	c := chunk.NewChunk(schema, len(values))
	for _, v := range values {
		row := make([]types.Value, len(schema))
		for i := range row {
			if i == col {
				row[i] = types.Int64Value(v)
			} else {
				row[i] = types.NullValue(schema[i].Type)
			}
		}
		c.AppendRow(row)
	}
	return c
}

func nullableInt64Batch(schema types.Schema, values []*int64) *chunk.Chunk {
	c := chunk.NewChunk(schema, len(values))
	for _, v := range values {
		if v == nil {
			c.AppendRow([]types.Value{types.NullValue(types.Int64)})
			continue
		}
		c.AppendRow([]types.Value{types.Int64Value(*v)})
	}
	return c
}

func drainAll(t *testing.T, b *Buffer) []int64 {
	t.Helper()
	var out []int64
	for {
		batch, err := b.GetOutput()
		require.NoError(t, err)
		if batch == nil {
			break
		}
		for i := 0; i < batch.NumRows(); i++ {
			v := batch.Column(0).Get(i)
			if v.Null {
				out = append(out, -1<<62) // sentinel, callers checking nulls use a dedicated test
				continue
			}
			out = append(out, v.Int64())
		}
	}
	return out
}

func TestBufferS1SingleKeyNoNulls(t *testing.T) {
	schema := singleInt64KeySchema()
	b, err := New(Config{
		InputSchema:       schema,
		SortColumnIndices: []int{0},
		SortCompareFlags:  []types.CompareFlags{{Order: types.Asc, Nulls: types.NullsFirst}},
		OutputBatchSize:   4,
		Pool:              newTestPool(t),
	})
	require.NoError(t, err)

	require.NoError(t, b.AddInput(int64Batch(schema, 0, []int64{3, 1, 4})))
	require.NoError(t, b.AddInput(int64Batch(schema, 0, []int64{1, 5, 9, 2, 6})))
	require.NoError(t, b.NoMoreInput())

	got := drainAll(t, b)
	require.Equal(t, []int64{1, 1, 2, 3, 4, 5, 6, 9}, got)
}

func TestBufferS2NullOrderingNullsLast(t *testing.T) {
	schema := singleInt64KeySchema()
	b, err := New(Config{
		InputSchema:       schema,
		SortColumnIndices: []int{0},
		SortCompareFlags:  []types.CompareFlags{{Order: types.Asc, Nulls: types.NullsLast}},
		OutputBatchSize:   16,
		Pool:              newTestPool(t),
	})
	require.NoError(t, err)

	one, two, zero := int64(1), int64(2), int64(0)
	require.NoError(t, b.AddInput(nullableInt64Batch(schema, []*int64{&one, nil, &two, nil, &zero})))
	require.NoError(t, b.NoMoreInput())

	batch, err := b.GetOutput()
	require.NoError(t, err)
	require.Equal(t, 5, batch.NumRows())
	col := batch.Column(0)
	require.Equal(t, int64(0), col.Get(0).Int64())
	require.Equal(t, int64(1), col.Get(1).Int64())
	require.Equal(t, int64(2), col.Get(2).Int64())
	require.True(t, col.Get(3).Null)
	require.True(t, col.Get(4).Null)
}

func TestBufferS2NullOrderingNullsFirst(t *testing.T) {
	schema := singleInt64KeySchema()
	b, err := New(Config{
		InputSchema:       schema,
		SortColumnIndices: []int{0},
		SortCompareFlags:  []types.CompareFlags{{Order: types.Asc, Nulls: types.NullsFirst}},
		OutputBatchSize:   16,
		Pool:              newTestPool(t),
	})
	require.NoError(t, err)

	one, two, zero := int64(1), int64(2), int64(0)
	require.NoError(t, b.AddInput(nullableInt64Batch(schema, []*int64{&one, nil, &two, nil, &zero})))
	require.NoError(t, b.NoMoreInput())

	batch, err := b.GetOutput()
	require.NoError(t, err)
	col := batch.Column(0)
	require.True(t, col.Get(0).Null)
	require.True(t, col.Get(1).Null)
	require.Equal(t, int64(0), col.Get(2).Int64())
	require.Equal(t, int64(1), col.Get(3).Int64())
	require.Equal(t, int64(2), col.Get(4).Int64())
}

func TestBufferS3TwoKeys(t *testing.T) {
	schema := types.Schema{
		{Name: "k0", Type: types.Int64},
		{Name: "k1", Type: types.String},
	}
	b, err := New(Config{
		InputSchema:       schema,
		SortColumnIndices: []int{0, 1},
		SortCompareFlags: []types.CompareFlags{
			{Order: types.Asc, Nulls: types.NullsFirst},
			{Order: types.Asc, Nulls: types.NullsFirst},
		},
		OutputBatchSize: 16,
		Pool:            newTestPool(t),
	})
	require.NoError(t, err)

	batch := chunk.NewChunk(schema, 4)
	rows := [][2]interface{}{{int64(1), "b"}, {int64(1), "a"}, {int64(0), "z"}, {int64(1), "a"}}
	for _, r := range rows {
		batch.AppendRow([]types.Value{
			types.Int64Value(r[0].(int64)),
			types.StringValue(r[1].(string)),
		})
	}
	require.NoError(t, b.AddInput(batch))
	require.NoError(t, b.NoMoreInput())

	out, err := b.GetOutput()
	require.NoError(t, err)
	require.Equal(t, 4, out.NumRows())

	want := [][2]interface{}{{int64(0), "z"}, {int64(1), "a"}, {int64(1), "a"}, {int64(1), "b"}}
	for i, w := range want {
		require.Equal(t, w[0], out.Column(0).Get(i).Int64())
		require.Equal(t, w[1], out.Column(1).Get(i).String())
	}
}

func TestBufferS4ForcedSpillCorrectness(t *testing.T) {
	schema := singleInt64KeySchema()
	dir := t.TempDir()

	b, err := New(Config{
		InputSchema:       schema,
		SortColumnIndices: []int{0},
		SortCompareFlags:  []types.CompareFlags{{Order: types.Asc, Nulls: types.NullsFirst}},
		OutputBatchSize:   256,
		Pool:              newTestPool(t),
		Spill: &SpillConfig{
			Dir:          dir,
			TestSpillPct: 100,
		},
	})
	require.NoError(t, err)

	rnd := rand.New(rand.NewSource(42))
	const totalRows = 2000
	const batchRows = 200

	var want []int64
	for i := 0; i < totalRows/batchRows; i++ {
		values := make([]int64, batchRows)
		for j := range values {
			values[j] = rnd.Int63n(1_000_000)
			want = append(want, values[j])
		}
		require.NoError(t, b.AddInput(int64Batch(schema, 0, values)))
	}
	require.NoError(t, b.NoMoreInput())

	got := drainAll(t, b)
	require.Len(t, got, totalRows)

	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	require.Equal(t, want, got)

	stats := b.Stats()
	require.GreaterOrEqual(t, stats.SpillRuns, 1)
	require.Equal(t, 1, stats.SpilledPartitions)
}

func TestBufferS5ReclaimDuringIngest(t *testing.T) {
	schema := singleInt64KeySchema()
	dir := t.TempDir()
	pool := newTestPool(t)

	b, err := New(Config{
		InputSchema:       schema,
		SortColumnIndices: []int{0},
		SortCompareFlags:  []types.CompareFlags{{Order: types.Asc, Nulls: types.NullsFirst}},
		OutputBatchSize:   64,
		Pool:              pool,
		Spill:             &SpillConfig{Dir: dir},
	})
	require.NoError(t, err)

	require.NoError(t, b.AddInput(int64Batch(schema, 0, []int64{5, 2, 8})))
	require.NoError(t, b.AddInput(int64Batch(schema, 0, []int64{1, 9, 3})))

	freed, err := pool.InvokeReclaim(1 << 30)
	require.NoError(t, err)
	require.Positive(t, freed)

	require.NoError(t, b.AddInput(int64Batch(schema, 0, []int64{7, 0, 6, 4})))
	require.NoError(t, b.NoMoreInput())

	got := drainAll(t, b)
	require.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestBufferS6ReclaimDuringEmitRejected(t *testing.T) {
	schema := singleInt64KeySchema()
	dir := t.TempDir()
	pool := newTestPool(t)

	b, err := New(Config{
		InputSchema:       schema,
		SortColumnIndices: []int{0},
		SortCompareFlags:  []types.CompareFlags{{Order: types.Asc, Nulls: types.NullsFirst}},
		OutputBatchSize:   64,
		Pool:              pool,
		Spill:             &SpillConfig{Dir: dir},
	})
	require.NoError(t, err)

	require.NoError(t, b.AddInput(int64Batch(schema, 0, []int64{3, 1, 2})))
	require.NoError(t, b.NoMoreInput())

	freed, err := pool.InvokeReclaim(1 << 30)
	require.NoError(t, err)
	require.Equal(t, int64(0), freed)

	got := drainAll(t, b)
	require.Equal(t, []int64{1, 2, 3}, got)
}

func TestBufferIdempotentDraining(t *testing.T) {
	schema := singleInt64KeySchema()
	b, err := New(Config{
		InputSchema:       schema,
		SortColumnIndices: []int{0},
		SortCompareFlags:  []types.CompareFlags{{Order: types.Asc, Nulls: types.NullsFirst}},
		OutputBatchSize:   64,
		Pool:              newTestPool(t),
	})
	require.NoError(t, err)

	require.NoError(t, b.AddInput(int64Batch(schema, 0, []int64{1, 2})))
	require.NoError(t, b.NoMoreInput())

	batch, err := b.GetOutput()
	require.NoError(t, err)
	require.NotNil(t, batch)

	batch, err = b.GetOutput()
	require.NoError(t, err)
	require.Nil(t, batch)

	batch, err = b.GetOutput()
	require.NoError(t, err)
	require.Nil(t, batch)
}

func TestBufferAddInputAfterNoMoreInputFails(t *testing.T) {
	schema := singleInt64KeySchema()
	b, err := New(Config{
		InputSchema:       schema,
		SortColumnIndices: []int{0},
		SortCompareFlags:  []types.CompareFlags{{Order: types.Asc, Nulls: types.NullsFirst}},
		OutputBatchSize:   64,
		Pool:              newTestPool(t),
	})
	require.NoError(t, err)

	require.NoError(t, b.NoMoreInput())
	err = b.AddInput(int64Batch(schema, 0, []int64{1}))
	require.Equal(t, ErrPreconditionViolated, errors.Cause(err))
}

func TestBufferOutputBatchSizeBound(t *testing.T) {
	schema := singleInt64KeySchema()
	b, err := New(Config{
		InputSchema:       schema,
		SortColumnIndices: []int{0},
		SortCompareFlags:  []types.CompareFlags{{Order: types.Asc, Nulls: types.NullsFirst}},
		OutputBatchSize:   3,
		Pool:              newTestPool(t),
	})
	require.NoError(t, err)

	values := make([]int64, 9)
	for i := range values {
		values[i] = int64(i)
	}
	require.NoError(t, b.AddInput(int64Batch(schema, 0, values)))
	require.NoError(t, b.NoMoreInput())

	sizes := []int{}
	for {
		batch, err := b.GetOutput()
		require.NoError(t, err)
		if batch == nil {
			break
		}
		sizes = append(sizes, batch.NumRows())
	}
	require.Equal(t, []int{3, 3, 3}, sizes)
}

func TestBufferSpillMemoryThresholdTriggersSpill(t *testing.T) {
	schema := singleInt64KeySchema()
	dir := t.TempDir()
	pool := newTestPool(t)

	b, err := New(Config{
		InputSchema:          schema,
		SortColumnIndices:    []int{0},
		SortCompareFlags:     []types.CompareFlags{{Order: types.Asc, Nulls: types.NullsFirst}},
		OutputBatchSize:      64,
		Pool:                 pool,
		Spill:                &SpillConfig{Dir: dir},
		SpillMemoryThreshold: 1,
	})
	require.NoError(t, err)

	require.NoError(t, b.AddInput(int64Batch(schema, 0, []int64{1, 2, 3})))
	require.NoError(t, b.AddInput(int64Batch(schema, 0, []int64{4, 5, 6})))
	require.NoError(t, b.NoMoreInput())

	require.GreaterOrEqual(t, b.Stats().SpillRuns, 1)

	got := drainAll(t, b)
	require.Equal(t, []int64{1, 2, 3, 4, 5, 6}, got)
}

func TestBufferNoThresholdNoNaturalPressureNoSpill(t *testing.T) {
	schema := singleInt64KeySchema()
	dir := t.TempDir()

	b, err := New(Config{
		InputSchema:       schema,
		SortColumnIndices: []int{0},
		SortCompareFlags:  []types.CompareFlags{{Order: types.Asc, Nulls: types.NullsFirst}},
		OutputBatchSize:   64,
		Pool:              newTestPool(t),
		Spill:             &SpillConfig{Dir: dir},
	})
	require.NoError(t, err)

	require.NoError(t, b.AddInput(int64Batch(schema, 0, []int64{1, 2, 3})))
	require.NoError(t, b.NoMoreInput())

	require.Equal(t, 0, b.Stats().SpillRuns)
}

func TestBufferSpillIOFailInjection(t *testing.T) {
	require.NoError(t, failpoint.Enable(
		"github.com/dbeng/sortspill/pkg/sortbuffer/spillIOFail", `return(true)`))
	defer func() {
		require.NoError(t, failpoint.Disable("github.com/dbeng/sortspill/pkg/sortbuffer/spillIOFail"))
	}()

	schema := singleInt64KeySchema()
	b, err := New(Config{
		InputSchema:       schema,
		SortColumnIndices: []int{0},
		SortCompareFlags:  []types.CompareFlags{{Order: types.Asc, Nulls: types.NullsFirst}},
		OutputBatchSize:   64,
		Pool:              newTestPool(t),
		Spill:             &SpillConfig{Dir: t.TempDir()},
	})
	require.NoError(t, err)
	require.NoError(t, b.AddInput(int64Batch(schema, 0, []int64{1, 2, 3})))

	require.PanicsWithValue(t, "sortbuffer: injected spill IO failure", func() {
		_ = b.Spill()
	})
}

// TestBufferOutOfMemoryWhenGrowthFailsAndSpillDisabled exercises section 7's
// OutOfMemory kind through its primary trigger: reservation growth fails and
// spilling was never configured, so there is nothing left to try.
func TestBufferOutOfMemoryWhenGrowthFailsAndSpillDisabled(t *testing.T) {
	schema := singleInt64KeySchema()
	tracker := memory.NewTracker(memory.LabelForRootPool, -1)
	pool := memory.NewPool(tracker, 50) // too small for even one row batch's growth target

	b, err := New(Config{
		InputSchema:       schema,
		SortColumnIndices: []int{0},
		SortCompareFlags:  []types.CompareFlags{{Order: types.Asc, Nulls: types.NullsFirst}},
		OutputBatchSize:   64,
		Pool:              pool,
	})
	require.NoError(t, err)

	values := make([]int64, 10)
	for i := range values {
		values[i] = int64(i)
	}
	err = b.AddInput(int64Batch(schema, 0, values))
	require.Error(t, err)
	require.Equal(t, ErrOutOfMemory, errors.Cause(err))

	require.True(t, pool.Aborted())
	require.Equal(t, ErrOutOfMemory, pool.AbortCause())

	// The operator is left in a terminal state: further calls fail too.
	err = b.AddInput(int64Batch(schema, 0, values))
	require.Equal(t, ErrAborted, errors.Cause(err))
}

// TestBufferOutOfMemoryTrackerBytesLimitBackstop shows the tracker-level
// ActionOnExceed backstop firing independently of the governor's own
// capacity-bounded reservation check: the pool's capacity is unbounded, so
// every Pool.Grow call in ensureInputFits succeeds, but the tracker itself
// carries a tight byte limit that RowStore's first block allocation in
// NewRow crosses.
func TestBufferOutOfMemoryTrackerBytesLimitBackstop(t *testing.T) {
	schema := singleInt64KeySchema()
	tracker := memory.NewTracker(memory.LabelForRootPool, 100)
	pool := memory.NewPool(tracker, 0)

	b, err := New(Config{
		InputSchema:       schema,
		SortColumnIndices: []int{0},
		SortCompareFlags:  []types.CompareFlags{{Order: types.Asc, Nulls: types.NullsFirst}},
		OutputBatchSize:   64,
		Pool:              pool,
		Spill:             &SpillConfig{Dir: t.TempDir()},
	})
	require.NoError(t, err)

	err = b.AddInput(int64Batch(schema, 0, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}))
	require.Error(t, err)
	require.Equal(t, ErrOutOfMemory, errors.Cause(err))
	require.True(t, pool.Aborted())
}

// TestBufferGovernorStepGGrowthFailureForcesRealSpill drives ensureInputFits
// past steps (e) and (f) into a genuinely failing step (g) Pool.Grow call —
// as opposed to TestBufferS4ForcedSpillCorrectness and
// TestBufferSpillMemoryThresholdTriggersSpill, which only ever exercise the
// earlier steps (b)/(c) test hooks — and checks the buffer still produces a
// correct, spilled result.
func TestBufferGovernorStepGGrowthFailureForcesRealSpill(t *testing.T) {
	schema := singleInt64KeySchema()
	tracker := memory.NewTracker(memory.LabelForRootPool, -1)
	// Large enough for the first small batch's growth request, far too
	// small for the second batch's, which must cross a block boundary.
	pool := memory.NewPool(tracker, 5000)
	dir := t.TempDir()

	b, err := New(Config{
		InputSchema:       schema,
		SortColumnIndices: []int{0},
		SortCompareFlags:  []types.CompareFlags{{Order: types.Asc, Nulls: types.NullsFirst}},
		OutputBatchSize:   256,
		Pool:              pool,
		Spill:             &SpillConfig{Dir: dir},
	})
	require.NoError(t, err)

	rnd := rand.New(rand.NewSource(7))
	var want []int64

	firstBatch := make([]int64, 5)
	for i := range firstBatch {
		firstBatch[i] = rnd.Int63n(1_000_000)
		want = append(want, firstBatch[i])
	}
	require.NoError(t, b.AddInput(int64Batch(schema, 0, firstBatch)))

	// Bigger than rowstore.DefaultBlockRows so FreeSpace's cheap check
	// (step e) fails and the governor must price a real reservation
	// increment (step f) and attempt to grow it (step g).
	secondBatch := make([]int64, 1200)
	for i := range secondBatch {
		secondBatch[i] = rnd.Int63n(1_000_000)
		want = append(want, secondBatch[i])
	}
	require.NoError(t, b.AddInput(int64Batch(schema, 0, secondBatch)))

	require.NoError(t, b.NoMoreInput())
	got := drainAll(t, b)

	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	require.Equal(t, want, got)

	require.GreaterOrEqual(t, b.Stats().SpillRuns, 1)
	require.False(t, pool.Aborted())
}
