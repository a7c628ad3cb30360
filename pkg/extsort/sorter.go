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

// Package extsort provides an on-disk key/value sorter used to persist one
// spill run at a time. It is the storage engine behind pkg/spill: each
// run's rows are encoded as order-preserving keys and written through a
// Writer, then read back in sorted order through an Iterator once Sort has
// run.
package extsort

import (
	"context"

	"github.com/pingcap/errors"
)

// ErrSorted is returned by NewWriter once Sort has already run: a sorter
// accepts writes only before it is sorted.
var ErrSorted = errors.New("extsort: sorter is already sorted")

// ErrNotSorted is returned by NewIterator before Sort has run.
var ErrNotSorted = errors.New("extsort: sorter is not sorted yet")

// Writer buffers key/value pairs for one run and flushes them to the
// backing store. Put must be called with keys in any order; sorting
// happens on flush.
type Writer interface {
	Put(key, value []byte) error
	Flush() error
	Close() error
}

// Iterator walks a sorted run's key/value pairs in order. UnsafeKey and
// UnsafeValue's backing arrays are only valid until the next call that
// moves the iterator.
type Iterator interface {
	Seek(key []byte) bool
	First() bool
	Next() bool
	Last() bool
	Valid() bool
	Error() error
	UnsafeKey() []byte
	UnsafeValue() []byte
	Close() error
}

// ExternalSorter is the contract one spill run's on-disk storage must
// satisfy: accept writes, sort them, and iterate the sorted result.
type ExternalSorter interface {
	NewWriter(ctx context.Context) (Writer, error)
	Sort(ctx context.Context) error
	IsSorted() bool
	NewIterator(ctx context.Context) (Iterator, error)
	Close() error
	CloseAndCleanup() error
}
