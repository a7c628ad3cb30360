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

// Package spill implements the Spiller collaborator contract from section
// 4.4: it takes ownership of a RowStore's contents, writes each flush as a
// sorted on-disk run, and exposes a k-way MergeIterator once every run has
// been finalized. Each run is backed by its own pkg/extsort.DiskSorter
// rooted at a distinct subdirectory, adapted from
// util/extsort/disk_sorter.go; runs are merged with a container/heap
// priority queue adapted from
// pkg/executor/sortexec/multi_way_merge.go's multiWayMergeImpl.
package spill

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/dbeng/sortspill/internal/logutil"
	"github.com/dbeng/sortspill/pkg/extsort"
	"github.com/dbeng/sortspill/pkg/memory"
	"github.com/dbeng/sortspill/pkg/rowstore"
	"github.com/dbeng/sortspill/pkg/types"
)

// Compression names the codec a caller intends for spill runs. This core's
// pebble/sstable-backed writer does not take a separate per-run codec (sstable
// block compression already covers it), so the field is carried through
// Config for API compatibility with the original engine's spillConfig but
// otherwise unused here.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionZstd
)

// Config is the construction input to New, matching the collaborator
// contract's construct(kind=OrderBy, rowStore, spillSchema, numKeys,
// compareFlags, dir, writeBufferSize, compression, spillPool, executor).
type Config struct {
	Dir              string
	WriteBufferSize  int
	Compression      Compression
	Concurrency      int
	SpillPool        *memory.Pool
	SpillRunCounter  *int64
	FlushBatchRows   int
}

func (c *Config) ensureDefaults() {
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 128 << 20
	}
	if c.FlushBatchRows <= 0 {
		c.FlushBatchRows = 1024
	}
}

// Stats reports the Spiller's observable counters (spec.md section 6).
type Stats struct {
	SpilledPartitions int
	SpillRuns         int
	PeakDiskBytes     int64
}

// Spiller streams a RowStore's contents to sorted on-disk runs and later
// opens a merging iterator across them. At most one Spiller instance is
// created per buffer, matching the contract's "at most one instance per
// buffer".
type Spiller struct {
	schema  types.Schema
	numKeys int
	flags   []types.CompareFlags
	cfg     Config

	runs          []*extsort.DiskSorter
	finalized     bool
	peakDiskBytes int64
}

// New constructs a Spiller for the given internal schema, key prefix, and
// per-key comparison flags. schema must equal S_sp: the spill schema is
// equal in column order to S_int (spec.md section 3).
func New(schema types.Schema, numKeys int, flags []types.CompareFlags, cfg Config) *Spiller {
	cfg.ensureDefaults()
	return &Spiller{schema: schema, numKeys: numKeys, flags: flags, cfg: cfg}
}

// Spill flushes rs's current contents as one sorted run and returns.
// RowStore.Clear is the caller's duty afterward, per the contract. It is a
// no-op when rs is empty.
func (s *Spiller) Spill(rs *rowstore.RowStore) error {
	if s.finalized {
		return errors.New("spill: cannot spill after finalizeSpill")
	}
	if rs.NumRows() == 0 {
		return nil
	}

	runDir := filepath.Join(s.cfg.Dir, fmt.Sprintf("run-%04d", len(s.runs)))
	ds, err := extsort.OpenDiskSorter(runDir, &extsort.DiskSorterOptions{
		Concurrency:      s.cfg.Concurrency,
		WriterBufferSize: s.cfg.WriteBufferSize,
	})
	if err != nil {
		return errors.Trace(err)
	}

	ctx := context.Background()
	w, err := ds.NewWriter(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	if s.cfg.SpillPool != nil {
		s.cfg.SpillPool.Tracker().Consume(int64(s.cfg.WriteBufferSize))
		defer s.cfg.SpillPool.Tracker().Consume(-int64(s.cfg.WriteBufferSize))
	}

	var keyBuf []byte
	cursor := 0
	rowsWritten := 0
	for {
		ptrs := rs.ListRows(&cursor, s.cfg.FlushBatchRows)
		if len(ptrs) == 0 {
			break
		}
		for _, ptr := range ptrs {
			row := rs.GetRow(ptr)
			keyBuf = keyBuf[:0]
			for i := 0; i < s.numKeys; i++ {
				keyBuf = types.EncodeKey(keyBuf, row[i], s.flags[i])
			}
			valBuf := encodeRow(row, s.schema)
			// Rows with equal sort keys must not collide in the run's key
			// space, so every key carries the row's position in the run as
			// a big-endian suffix.
			key := cloneBytes(keyBuf)
			for shift := 56; shift >= 0; shift -= 8 {
				key = append(key, byte(rowsWritten>>shift))
			}
			if err := w.Put(key, valBuf); err != nil {
				return errors.Trace(err)
			}
			rowsWritten++
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Trace(err)
	}
	if err := w.Close(); err != nil {
		return errors.Trace(err)
	}
	if err := ds.Sort(ctx); err != nil {
		return errors.Trace(err)
	}

	s.runs = append(s.runs, ds)
	if s.cfg.SpillRunCounter != nil {
		atomic.AddInt64(s.cfg.SpillRunCounter, 1)
	}

	diskBytes := int64(rowsWritten) * int64(len(keyBuf))
	if diskBytes > s.peakDiskBytes {
		s.peakDiskBytes = diskBytes
	}

	logutil.BgLogger().Info("spill run written",
		zap.Int("run", len(s.runs)-1),
		zap.Int("rows", rowsWritten),
		zap.String("dir", runDir))
	return nil
}

// FinalizeSpill closes the run sequence; after this no further Spill calls
// are allowed.
func (s *Spiller) FinalizeSpill() error {
	s.finalized = true
	return nil
}

// StartMerge opens a k-way merge across every run written so far.
func (s *Spiller) StartMerge() (*MergeIterator, error) {
	ctx := context.Background()
	iters := make([]extsort.Iterator, len(s.runs))
	for i, run := range s.runs {
		it, err := run.NewIterator(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		iters[i] = it
	}
	return newMergeIterator(iters, s.schema, s.numKeys, s.flags)
}

// Stats reports the spiller's observable counters. This core uses exactly
// one partition (no hash split), so SpilledPartitions is 0 or 1.
func (s *Spiller) Stats() Stats {
	partitions := 0
	if len(s.runs) > 0 {
		partitions = 1
	}
	return Stats{
		SpilledPartitions: partitions,
		SpillRuns:         len(s.runs),
		PeakDiskBytes:     s.peakDiskBytes,
	}
}

// Close releases every run's on-disk files. The Spiller owns spill files
// for its lifetime; callers destroy the Spiller (and thus call Close) when
// the owning buffer is destroyed.
func (s *Spiller) Close() error {
	var firstErr error
	for _, run := range s.runs {
		if err := run.CloseAndCleanup(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return errors.Trace(firstErr)
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
