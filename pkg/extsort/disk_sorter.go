// Copyright 2023 PingCAP, Inc.
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

package extsort

import (
	"context"
	goerrors "errors"
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/objstorage/objstorageprovider"
	"github.com/cockroachdb/pebble/sstable"
	"github.com/pingcap/errors"
	"golang.org/x/exp/slices"

	"github.com/dbeng/sortspill/pkg/types"
)

// DiskSorter is an ExternalSorter for one spill run: rows arrive as
// EncodeKey output paired with an encoded row payload, get batched into
// sstables ordered by types.CompareEncodedKeys, and are ingested into a
// pebble instance rooted at its own directory. The run's final order is
// produced by a single pebble.Compact rather than an explicit merge pass,
// since every ingested sstable is already internally sorted and pebble's
// LSM naturally overlaps them level by level.
type DiskSorter struct {
	db     *pebble.DB
	dbOpts *pebble.Options

	opts   *DiskSorterOptions
	dbDir  string
	tmpDir string

	nextRunFile *atomic.Int64
	sorted      bool
	rows        atomic.Int64
}

// DiskSorterOptions holds the optional parameters for DiskSorter.
type DiskSorterOptions struct {
	// Concurrency caps the goroutines pebble may spend on background
	// compaction for this run's database. Defaults to runtime.GOMAXPROCS(0).
	Concurrency int

	// WriterBufferSize bounds how many key/value bytes a Writer batches
	// before it sorts the batch and ingests it as one sstable. Larger
	// values mean fewer, bigger sstables per run at the cost of holding
	// more of the run in memory while it's still being written. Defaults
	// to 128MB.
	WriterBufferSize int
}

func (o *DiskSorterOptions) ensureDefaults() {
	if o.Concurrency == 0 {
		o.Concurrency = runtime.GOMAXPROCS(0)
	}
	if o.WriterBufferSize == 0 {
		o.WriterBufferSize = 128 << 20
	}
}

// OpenDiskSorter opens a DiskSorter rooted at dirname, creating it if
// necessary. dirname is expected to be private to this run; two runs must
// never share a directory.
func OpenDiskSorter(dirname string, opts *DiskSorterOptions) (*DiskSorter, error) {
	if opts == nil {
		opts = &DiskSorterOptions{}
	}
	opts.ensureDefaults()

	dbOpts := (&pebble.Options{
		MaxConcurrentCompactions: func() int { return opts.Concurrency },
		DisableWAL:               true,
		// A spill run is write-once, read-once, then deleted: there is no
		// read amplification to bound ahead of time, so let sstables pile
		// up in L0 until the final Sort's Compact flattens them.
		L0CompactionThreshold: math.MaxInt,
		L0StopWritesThreshold: math.MaxInt,
	}).EnsureDefaults()

	dbDir, tmpDir := filepath.Join(dirname, "db"), filepath.Join(dirname, "tmp")
	if err := dbOpts.FS.RemoveAll(tmpDir); err != nil {
		return nil, errors.Trace(err)
	}
	if err := dbOpts.FS.MkdirAll(tmpDir, 0755); err != nil {
		return nil, errors.Trace(err)
	}

	db, err := pebble.Open(dbDir, dbOpts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	d := &DiskSorter{db: db, dbOpts: dbOpts, opts: opts, dbDir: dbDir, tmpDir: tmpDir}
	d.nextRunFile = new(atomic.Int64)
	return d, nil
}

// NewWriter implements ExternalSorter.
func (d *DiskSorter) NewWriter(_ context.Context) (Writer, error) {
	if d.sorted {
		return nil, errors.Trace(ErrSorted)
	}
	return &runBatch{d: d, budget: d.opts.WriterBufferSize}, nil
}

// Sort implements ExternalSorter. It compacts the whole keyspace into one
// run, after which NewIterator walks rows in types.CompareEncodedKeys
// order.
func (d *DiskSorter) Sort(_ context.Context) error {
	if d.sorted {
		return nil
	}

	iter, err := d.db.NewIter(nil)
	if err != nil {
		return errors.Trace(err)
	}
	if !iter.Last() {
		err := iter.Error()
		_ = iter.Close()
		if err != nil {
			return errors.Trace(err)
		}
		// Nothing was written: there is nothing to compact.
		d.sorted = true
		return nil
	}
	end := slices.Clone(iter.Key())
	if err := iter.Close(); err != nil {
		return errors.Trace(err)
	}

	// end is used as an exclusive Compact bound, which is fine: nothing
	// sorts after the run's own last key either way.
	if err := d.db.Compact(nil, end, false); err != nil {
		return errors.Trace(err)
	}
	d.sorted = true
	return nil
}

// IsSorted implements ExternalSorter.
func (d *DiskSorter) IsSorted() bool { return d.sorted }

// NumRows reports how many key/value pairs have been written to this run
// so far, regardless of whether Sort has run yet.
func (d *DiskSorter) NumRows() int64 { return d.rows.Load() }

// NewIterator implements ExternalSorter.
func (d *DiskSorter) NewIterator(_ context.Context) (Iterator, error) {
	if !d.sorted {
		return nil, errors.Trace(ErrNotSorted)
	}
	iter, err := d.db.NewIter(nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &runIterator{iter: iter}, nil
}

// Close implements ExternalSorter.
func (d *DiskSorter) Close() error { return errors.Trace(d.db.Close()) }

// CloseAndCleanup implements ExternalSorter.
func (d *DiskSorter) CloseAndCleanup() error {
	if err := d.Close(); err != nil {
		return errors.Trace(err)
	}
	fs := d.dbOpts.FS
	return errors.Trace(goerrors.Join(fs.RemoveAll(d.dbDir), fs.RemoveAll(d.tmpDir)))
}

// runIterator adapts a pebble.Iterator to the Iterator contract.
type runIterator struct{ iter *pebble.Iterator }

func (i *runIterator) Seek(key []byte) bool { return i.iter.SeekGE(key) }
func (i *runIterator) First() bool          { return i.iter.First() }
func (i *runIterator) Next() bool           { return i.iter.Next() }
func (i *runIterator) Last() bool           { return i.iter.Last() }
func (i *runIterator) Valid() bool          { return i.iter.Valid() }
func (i *runIterator) Error() error         { return i.iter.Error() }
func (i *runIterator) UnsafeKey() []byte    { return i.iter.Key() }
func (i *runIterator) UnsafeValue() []byte  { return i.iter.Value() }
func (i *runIterator) Close() error         { return i.iter.Close() }

// encodedPair is one EncodeKey-ordered row waiting to be ingested.
type encodedPair struct {
	key, value []byte
}

// runBatch accumulates a run's key/value pairs in plain per-pair
// allocations, orders them with types.CompareEncodedKeys once the byte
// budget is spent (or on Close/Flush), and ingests the result as one
// sstable. Unlike a pool-backed arena, each Put simply clones its
// arguments: this run's batches are bounded by WriterBufferSize (128MB by
// default), well
// below where per-pair allocation overhead would matter next to pebble's
// own ingest cost.
type runBatch struct {
	d      *DiskSorter
	pairs  []encodedPair
	used   int
	budget int
}

func (b *runBatch) Put(key, value []byte) error {
	if b.used+len(key)+len(value) > b.budget && len(b.pairs) > 0 {
		if err := b.ingest(); err != nil {
			return errors.Trace(err)
		}
	}
	b.pairs = append(b.pairs, encodedPair{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	b.used += len(key) + len(value)
	b.d.rows.Add(1)
	return nil
}

func (b *runBatch) Flush() error {
	if len(b.pairs) == 0 {
		return nil
	}
	return b.ingest()
}

func (b *runBatch) Close() error { return b.Flush() }

// ingest sorts the batch by types.CompareEncodedKeys - the same order
// EncodeKey's callers expect - writes it as one sstable, and ingests that
// sstable into the run's database. The batch's in-memory copy is freed
// once ingested.
func (b *runBatch) ingest() error {
	d := b.d
	fs := d.dbOpts.FS

	slices.SortFunc(b.pairs, func(x, y encodedPair) int {
		return types.CompareEncodedKeys(x.key, y.key)
	})

	name := fmt.Sprintf("%d.sst", d.nextRunFile.Add(1))
	path := filepath.Join(d.tmpDir, name)
	defer func() {
		if _, err := fs.Stat(path); err == nil {
			_ = fs.Remove(path)
		}
	}()

	f, err := fs.Create(path)
	if err != nil {
		return errors.Trace(err)
	}
	w := sstable.NewWriter(objstorageprovider.NewFileWritable(f), sstable.WriterOptions{Comparer: d.dbOpts.Comparer})
	for _, p := range b.pairs {
		if err := w.Set(p.key, p.value); err != nil {
			_ = w.Close()
			return errors.Trace(err)
		}
	}
	if err := w.Close(); err != nil {
		return errors.Trace(err)
	}
	if err := d.db.Ingest([]string{path}); err != nil {
		return errors.Trace(err)
	}

	b.pairs = b.pairs[:0]
	b.used = 0
	return nil
}
