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

// Package sortbuffer implements the sort-and-spill buffer at the core of a
// streaming ORDER BY operator: an ingest phase that accumulates row batches
// under a memory budget, spilling sorted runs to disk when the budget is
// tight, followed by an emit phase that returns the fully-ordered result one
// batch at a time, drawing either from an in-memory sort or a k-way merge of
// spilled runs. Grounded on pkg/executor/sortexec/sort.go's Sorter/
// sortPartition state machine (accumulate, sort-or-spill on exhaustion,
// stream output) and on SortBuffer.cpp's addInput/noMoreInput/getOutput
// three-phase shape.
package sortbuffer

import (
	"sort"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"

	"github.com/dbeng/sortspill/pkg/chunk"
	"github.com/dbeng/sortspill/pkg/memory"
	"github.com/dbeng/sortspill/pkg/rowstore"
	"github.com/dbeng/sortspill/pkg/spill"
	"github.com/dbeng/sortspill/pkg/types"
)

type bufferState int

const (
	stateIngest bufferState = iota
	stateEmit
)

// Buffer is the sort-and-spill buffer. Its lifecycle is addInput* ->
// noMoreInput -> getOutput*, matching the Ingestor/Finalizer/Emitter roles
// laid out for this core.
type Buffer struct {
	cfg  Config
	proj *projection

	rowStore *rowstore.RowStore
	spiller  *spill.Spiller
	merge    *spill.MergeIterator

	state         bufferState
	numInputRows  int
	numOutputRows int
	sortedRows    []rowstore.RowPtr

	spillTestCounter uint64

	output *chunk.Chunk

	aborted         bool
	abortCause      error
	trackerExceeded bool
}

// trackerExceedAction is the ActionOnExceed installed on the pool's own
// tracker (the same tracker RowStore consumes against): a hard backstop
// behind the governor's own reservation-growth check in ensureInputFits,
// firing if consumption ever crosses the tracker's byte limit directly
// inside a RowStore NewRow or Store call rather than at a pre-flight Grow.
// It only records the breach; AddInput performs the actual abort once it is
// safe to do so (after the in-flight NewRow and Store loops finish), so the
// action itself never
// mutates RowStore while a caller may still be indexing into it.
type trackerExceedAction struct {
	memory.BaseOOMAction
	buf *Buffer
}

// Action implements memory.ActionOnExceed.
func (a *trackerExceedAction) Action(*memory.Tracker) { a.buf.trackerExceeded = true }

// GetPriority implements memory.ActionOnExceed.
func (*trackerExceedAction) GetPriority() int64 { return memory.PriorityMedium }

// New constructs an empty Buffer for cfg. The projection between S_in and
// S_int (keys first) is computed once here and held for the buffer's
// lifetime, per section 3.
func New(cfg Config) (*Buffer, error) {
	cfg.ensureDefaults()
	if cfg.Pool == nil {
		return nil, errors.New("sortbuffer: Config.Pool is required")
	}
	if len(cfg.SortColumnIndices) == 0 {
		return nil, errors.New("sortbuffer: Config.SortColumnIndices must be non-empty")
	}
	if cfg.NonReclaimableSection == nil {
		nonReclaimable := true
		cfg.NonReclaimableSection = &nonReclaimable
	}

	proj := newProjection(cfg.InputSchema, cfg.SortColumnIndices)

	b := &Buffer{
		cfg:      cfg,
		proj:     proj,
		rowStore: rowstore.New(proj.internalTypes(), cfg.numKeys(), cfg.SortCompareFlags, cfg.Pool.Tracker()),
	}
	cfg.Pool.Tracker().FallbackOldAndSetNewAction(&trackerExceedAction{buf: b})
	cfg.Pool.RegisterReclaimer(b)
	return b, nil
}

// AddInput ingests one row batch, spilling first if the memory governor
// decides RowStore cannot safely absorb it (section 4.2/4.3).
func (b *Buffer) AddInput(batch *chunk.Chunk) error {
	if b.state != stateIngest {
		return errors.Trace(ErrPreconditionViolated)
	}
	if b.aborted || b.cfg.Pool.Aborted() {
		return errors.Trace(ErrAborted)
	}

	n := batch.NumRows()
	if n == 0 {
		return nil
	}

	shouldSpill, err := b.ensureInputFits(n, estimateFlatBytes(batch))
	if err != nil {
		return errors.Trace(err)
	}
	if shouldSpill {
		failpoint.Inject("waitBeforeSpill", func(val failpoint.Value) {
			if val.(bool) {
				time.Sleep(50 * time.Millisecond)
			}
		})
		if err := b.spillNow(); err != nil {
			return errors.Trace(err)
		}
	}

	ptrs := make([]rowstore.RowPtr, n)
	for i := range ptrs {
		ptrs[i] = b.rowStore.NewRow()
	}
	for _, pair := range b.proj.pairs() {
		internalCol, inputCol := pair[0], pair[1]
		col := batch.Column(inputCol)
		for i := 0; i < n; i++ {
			b.rowStore.Store(col.Get(i), ptrs[i], internalCol)
		}
	}
	b.numInputRows += n

	if b.trackerExceeded && !b.aborted {
		b.cfg.Pool.Abort(ErrOutOfMemory)
		return errors.Trace(ErrOutOfMemory)
	}
	return nil
}

// Spill flushes RowStore's current contents as one sorted run, callable at
// any point during the ingest phase (section 4.7's state H). It is a no-op
// when RowStore is empty and fails with ErrUnconfigured when spilling was
// never configured for this buffer.
func (b *Buffer) Spill() error {
	if b.state != stateIngest {
		return errors.Trace(ErrPreconditionViolated)
	}
	if !b.cfg.spillEnabled() {
		return errors.Trace(ErrUnconfigured)
	}
	return b.spillNow()
}

func (b *Buffer) spillNow() error {
	if !b.cfg.spillEnabled() {
		return errors.Trace(ErrUnconfigured)
	}
	if b.rowStore.NumRows() == 0 {
		return nil
	}
	if b.spiller == nil {
		b.spiller = spill.New(b.proj.internalTypes(), b.cfg.numKeys(), b.cfg.SortCompareFlags, spill.Config{
			Dir:             b.cfg.Spill.Dir,
			WriteBufferSize: b.cfg.Spill.WriteBufferSize,
			Compression:     b.cfg.Spill.Compression,
			Concurrency:     b.cfg.Spill.Concurrency,
			SpillPool:       b.cfg.Pool,
			SpillRunCounter: b.cfg.SpillRunCounter,
		})
	}
	failpoint.Inject("spillIOFail", func(val failpoint.Value) {
		if val.(bool) {
			panic("sortbuffer: injected spill IO failure")
		}
	})
	if err := b.spiller.Spill(b.rowStore); err != nil {
		return errors.Trace(ErrSpillIO)
	}
	b.rowStore.Clear()
	return nil
}

// NoMoreInput closes the ingest phase and prepares the buffer to emit
// globally sorted output: an in-memory sort.Slice pass if nothing was ever
// spilled, or a final flush plus a k-way merge across every spilled run
// otherwise (section 4.5).
func (b *Buffer) NoMoreInput() error {
	if b.state != stateIngest {
		return errors.Trace(ErrPreconditionViolated)
	}
	b.state = stateEmit

	if b.numInputRows == 0 {
		return nil
	}

	if b.spiller == nil {
		cursor := 0
		ptrs := b.rowStore.ListRows(&cursor, b.numInputRows)
		sort.Slice(ptrs, func(i, j int) bool {
			return b.rowStore.CompareRows(ptrs[i], ptrs[j]) < 0
		})
		b.sortedRows = ptrs
		return nil
	}

	if err := b.spillNow(); err != nil {
		return errors.Trace(err)
	}
	if err := b.spiller.FinalizeSpill(); err != nil {
		return errors.Trace(err)
	}
	merge, err := b.spiller.StartMerge()
	if err != nil {
		return errors.Trace(err)
	}
	b.merge = merge
	return nil
}

// GetOutput returns the next batch of globally sorted rows, capped at
// Config.OutputBatchSize, or (nil, nil) once every ingested row has been
// returned (section 4.6). It is only legal once NoMoreInput has run.
func (b *Buffer) GetOutput() (*chunk.Chunk, error) {
	if b.state != stateEmit {
		return nil, errors.Trace(ErrPreconditionViolated)
	}
	if b.aborted || b.cfg.Pool.Aborted() {
		return nil, errors.Trace(ErrAborted)
	}
	if b.numOutputRows >= b.numInputRows {
		return nil, nil
	}

	n := b.numInputRows - b.numOutputRows
	if n > b.cfg.OutputBatchSize {
		n = b.cfg.OutputBatchSize
	}

	if b.output == nil {
		b.output = chunk.NewChunk(b.cfg.InputSchema, b.cfg.OutputBatchSize)
	} else {
		b.output.Reset()
	}

	if b.spiller == nil {
		ptrs := b.sortedRows[b.numOutputRows : b.numOutputRows+n]
		for _, pair := range b.proj.pairs() {
			internalCol, inputCol := pair[0], pair[1]
			b.rowStore.ExtractColumn(ptrs, internalCol, b.output.Column(inputCol))
		}
	} else {
		outRow := make([]types.Value, len(b.cfg.InputSchema))
		for i := 0; i < n; i++ {
			internalRow, ok, err := b.merge.Next()
			if err != nil {
				return nil, errors.Trace(ErrSpillIO)
			}
			if !ok {
				return nil, errors.Trace(errors.New("sortbuffer: spilled merge exhausted early"))
			}
			for internalCol, inputCol := range b.proj.internalToInput {
				outRow[inputCol] = internalRow[internalCol]
			}
			b.output.AppendRow(outRow)
		}
	}

	b.numOutputRows += n
	return b.output, nil
}

// CanReclaim implements memory.Reclaimer: reclamation is valid throughout
// the ingest phase (either because the governor's own reservation-growth
// call has marked the buffer reclaimable, or because Reclaim itself acts
// through the same spill() path the buffer could invoke on its own) and
// refused during the emit phase, where the merge iterator owns transient
// buffers that cannot be invalidated (section 5).
func (b *Buffer) CanReclaim() bool {
	return b.state == stateIngest && b.cfg.spillEnabled()
}

// ReclaimableBytes implements memory.Reclaimer.
func (b *Buffer) ReclaimableBytes() int64 {
	return b.cfg.Pool.Tracker().BytesConsumed()
}

// Reclaim implements memory.Reclaimer by spilling RowStore's entire current
// contents, reporting the bytes the tracker shows freed afterward.
func (b *Buffer) Reclaim(maxBytes int64) (int64, error) {
	if !b.CanReclaim() {
		return 0, nil
	}
	before := b.cfg.Pool.Tracker().BytesConsumed()
	if err := b.spillNow(); err != nil {
		return 0, errors.Trace(err)
	}
	freed := before - b.cfg.Pool.Tracker().BytesConsumed()
	if freed < 0 {
		freed = 0
	}
	return freed, nil
}

// Abort implements memory.Reclaimer: the buffer drops every resource it
// holds and remembers cause so subsequent calls fail with ErrAborted.
func (b *Buffer) Abort(cause error) {
	b.aborted = true
	b.abortCause = cause
	if b.spiller != nil {
		_ = b.spiller.Close()
	}
	if b.merge != nil {
		_ = b.merge.Close()
	}
	b.rowStore.Clear()
}

// AbortCause returns the cause passed to Abort, if the buffer has been
// aborted.
func (b *Buffer) AbortCause() error { return b.abortCause }

// Stats reports observable spill counters (section 6), zero-valued if
// nothing was ever spilled.
func (b *Buffer) Stats() spill.Stats {
	if b.spiller == nil {
		return spill.Stats{}
	}
	return b.spiller.Stats()
}

// Close releases every resource the buffer holds, including any spilled
// runs still on disk.
func (b *Buffer) Close() error {
	var firstErr error
	if b.merge != nil {
		if err := b.merge.Close(); err != nil {
			firstErr = err
		}
	}
	if b.spiller != nil {
		if err := b.spiller.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return errors.Trace(firstErr)
}

// estimateFlatBytes sums the string payload of every variable-length column
// in batch, the input the governor's step (e)/(g) needs to size the
// incoming batch's out-of-line footprint.
func estimateFlatBytes(batch *chunk.Chunk) int64 {
	var total int64
	schema := batch.Schema()
	for i, col := range schema {
		if !col.Type.VarLen() {
			continue
		}
		c := batch.Column(i)
		for r := 0; r < c.Len(); r++ {
			v := c.Get(r)
			if !v.Null {
				total += int64(len(v.String()))
			}
		}
	}
	return total
}
