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

package memory

import (
	"sync"

	"github.com/pingcap/errors"
)

// ErrOutOfMemory is returned by Pool.Grow when a reservation cannot be
// satisfied and the pool has nothing left to arbitrate.
var ErrOutOfMemory = errors.New("memory: out of memory")

// ErrPoolAborted is returned once the pool has received an abort signal;
// every subsequent call that would otherwise consume or reserve memory
// fails with this error instead.
var ErrPoolAborted = errors.New("memory: pool aborted")

// Reclaimer is the capability a reclaimable operator registers with a Pool.
// The arbitrator (running on another goroutine, per the concurrency model in
// which the pool is concurrently observed while the owning operator drives
// its own single-threaded operations) calls these methods to cooperatively
// take memory back. It mirrors the "operator <-> memory reclaimer" interface
// from the design notes: no ownership edges, only an opaque handle held by
// the pool.
type Reclaimer interface {
	// CanReclaim reports whether the operator currently permits external
	// reclamation (i.e. it is inside a reclaimable section or otherwise
	// safe to spill).
	CanReclaim() bool
	// ReclaimableBytes estimates how much could be freed right now.
	ReclaimableBytes() int64
	// Reclaim asks the operator to free up to maxBytes, returning the
	// number of bytes actually freed.
	Reclaim(maxBytes int64) (int64, error)
	// Abort tells the operator to drop its resources because the pool (or
	// an ancestor) has been aborted.
	Abort(cause error)
}

// Pool is the MemoryPool / Arbitrator collaborator contract: reservation
// growth, reclamation, and an abort signal layered over a Tracker. Only the
// contract is implemented here; arbitration *policy* across multiple pools
// belongs to the surrounding engine and is out of scope.
type Pool struct {
	tracker *Tracker

	mu        sync.Mutex
	capacity  int64 // 0 means unbounded; reservation growth never fails on capacity alone
	reserved  int64
	reclaimer Reclaimer
	aborted   bool
	abortErr  error
}

// NewPool creates a Pool rooted at tracker. capacity <= 0 means the pool
// never refuses a reservation on capacity grounds (growth can still fail if
// the pool has been aborted).
func NewPool(tracker *Tracker, capacity int64) *Pool {
	return &Pool{tracker: tracker, capacity: capacity}
}

// Tracker returns the underlying accounting tracker, so collaborators like
// RowStore can attach their own child trackers to the same tree.
func (p *Pool) Tracker() *Tracker { return p.tracker }

// Reserved returns the bytes currently reserved (granted but not necessarily
// consumed) against this pool.
func (p *Pool) Reserved() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved
}

// Available returns reserved-but-unused bytes: Reserved() minus what the
// tracker reports consumed. Used by the memory governor's step (f).
func (p *Pool) Available() int64 {
	p.mu.Lock()
	reserved := p.reserved
	p.mu.Unlock()
	avail := reserved - p.tracker.BytesConsumed()
	if avail < 0 {
		return 0
	}
	return avail
}

// Grow attempts to increase the reservation by delta bytes. It is the
// blocking call the memory governor brackets with a reclaimable-section
// guard (NonReclaimableSection): in a fuller engine this may hand off to an
// arbitrator that reclaims from sibling pools before granting or refusing
// growth. Here it grants whenever the pool has capacity headroom and has not
// been aborted.
func (p *Pool) Grow(delta int64) error {
	if delta <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aborted {
		return errors.Trace(ErrPoolAborted)
	}
	if p.capacity > 0 && p.reserved+delta > p.capacity {
		return errors.Trace(ErrOutOfMemory)
	}
	p.reserved += delta
	return nil
}

// Shrink gives back delta bytes of reservation, e.g. after a spill clears
// RowStore and the operator no longer needs the headroom.
func (p *Pool) Shrink(delta int64) {
	if delta <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserved -= delta
	if p.reserved < 0 {
		p.reserved = 0
	}
}

// RegisterReclaimer installs the operator's Reclaimer handle. At most one
// reclaimer is registered per pool, matching the one-buffer-per-pool
// lifecycle described for this core.
func (p *Pool) RegisterReclaimer(r Reclaimer) {
	p.mu.Lock()
	p.reclaimer = r
	p.mu.Unlock()
}

// InvokeReclaim is the arbitrator-side entry point: ask the registered
// reclaimer to free up to maxBytes. It refuses (returns 0, nil) when no
// reclaimer is registered or the reclaimer currently reports it cannot
// reclaim, e.g. because the operator is mid-emit rather than inside a
// reclaimable section.
func (p *Pool) InvokeReclaim(maxBytes int64) (int64, error) {
	p.mu.Lock()
	r := p.reclaimer
	p.mu.Unlock()
	if r == nil || !r.CanReclaim() {
		return 0, nil
	}
	freed, err := r.Reclaim(maxBytes)
	if err != nil {
		return freed, errors.Trace(err)
	}
	p.Shrink(freed)
	return freed, nil
}

// Abort marks the pool aborted and propagates the signal to the registered
// reclaimer, if any. Every subsequent Grow call fails with ErrPoolAborted.
func (p *Pool) Abort(cause error) {
	p.mu.Lock()
	p.aborted = true
	p.abortErr = cause
	r := p.reclaimer
	p.mu.Unlock()
	if r != nil {
		r.Abort(cause)
	}
}

// Aborted reports whether the pool has received an abort signal.
func (p *Pool) Aborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}

// AbortCause returns the cause passed to Abort, if any.
func (p *Pool) AbortCause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.abortErr
}

// NonReclaimableSection scopes a shared "non-reclaimable" flag so that the
// arbitrator is permitted to invoke reclamation for the duration of fn,
// restoring the prior value of *flag on every exit path including panics.
// This is the "Scoped reclaimable section" design: entry marks the operator
// reclaimable, exit (on all paths) restores what it was before.
func NonReclaimableSection(flag *bool, fn func() error) error {
	prev := *flag
	*flag = false
	defer func() { *flag = prev }()
	return fn()
}
