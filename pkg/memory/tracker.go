// Copyright 2018 PingCAP, Inc.
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

// Package memory implements the memory-accounting tree that the
// sort-and-spill buffer reserves against, plus the cooperative
// reservation/reclamation protocol described in spec.md section 4.3 and 5.
package memory

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Tracker tracks byte consumption during query execution. It is arranged
// into a tree so that consumption tracked by a Tracker is also reflected by
// its ancestors; the design follows Apache Impala's mem-tracker, the same
// lineage util/memory/tracker.go in the wider engine documents.
//
// Only BytesConsumed, Consume, and AttachTo are safe to call concurrently
// with each other; the rest of the tree shape is mutated single-threaded.
type Tracker struct {
	mu struct {
		sync.Mutex
		children map[int][]*Tracker
	}
	actionMu struct {
		sync.Mutex
		actionOnExceed ActionOnExceed
	}
	parMu struct {
		sync.Mutex
		parent *Tracker
	}

	label         int
	bytesConsumed int64
	bytesLimit    int64
	maxConsumed   int64
}

// NewTracker creates a Tracker. bytesLimit <= 0 means no limit.
func NewTracker(label int, bytesLimit int64) *Tracker {
	return &Tracker{label: label, bytesLimit: bytesLimit}
}

// SetBytesLimit sets the bytes limit for this tracker. bytesLimit <= 0
// means no limit.
func (t *Tracker) SetBytesLimit(bytesLimit int64) {
	t.bytesLimit = bytesLimit
}

// GetBytesLimit returns the bytes limit for this tracker.
func (t *Tracker) GetBytesLimit() int64 {
	return t.bytesLimit
}

// CheckExceed reports whether consumption has reached the limit.
func (t *Tracker) CheckExceed() bool {
	return atomic.LoadInt64(&t.bytesConsumed) >= t.bytesLimit && t.bytesLimit > 0
}

// SetActionOnExceed sets the action run when consumption exceeds the limit.
func (t *Tracker) SetActionOnExceed(a ActionOnExceed) {
	t.actionMu.Lock()
	t.actionMu.actionOnExceed = a
	t.actionMu.Unlock()
}

// FallbackOldAndSetNewAction installs a new action, chaining the previous
// one as its fallback.
func (t *Tracker) FallbackOldAndSetNewAction(a ActionOnExceed) {
	t.actionMu.Lock()
	defer t.actionMu.Unlock()
	t.actionMu.actionOnExceed = reArrangeFallback(t.actionMu.actionOnExceed, a)
}

func reArrangeFallback(a, b ActionOnExceed) ActionOnExceed {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.GetPriority() < b.GetPriority() {
		a, b = b, a
		a.SetFallback(b)
	} else {
		a.SetFallback(reArrangeFallback(a.GetFallback(), b))
	}
	return a
}

// SetLabel sets the label of a Tracker.
func (t *Tracker) SetLabel(label int) { t.label = label }

// Label returns the label of a Tracker.
func (t *Tracker) Label() int { return t.label }

// AttachTo attaches this tracker as a child of parent, detaching it from any
// prior parent first. The child's already-consumed bytes are folded into
// the new parent immediately.
func (t *Tracker) AttachTo(parent *Tracker) {
	if oldParent := t.getParent(); oldParent != nil {
		oldParent.remove(t)
	}
	parent.mu.Lock()
	if parent.mu.children == nil {
		parent.mu.children = make(map[int][]*Tracker)
	}
	parent.mu.children[t.label] = append(parent.mu.children[t.label], t)
	parent.mu.Unlock()

	t.setParent(parent)
	parent.Consume(t.BytesConsumed())
}

// Detach removes this tracker from its parent.
func (t *Tracker) Detach() {
	parent := t.getParent()
	if parent == nil {
		return
	}
	parent.remove(t)
	t.setParent(nil)
}

func (t *Tracker) remove(oldChild *Tracker) {
	found := false
	label := oldChild.label
	t.mu.Lock()
	if t.mu.children != nil {
		children := t.mu.children[label]
		for i, child := range children {
			if child == oldChild {
				children = append(children[:i], children[i+1:]...)
				if len(children) > 0 {
					t.mu.children[label] = children
				} else {
					delete(t.mu.children, label)
				}
				found = true
				break
			}
		}
	}
	t.mu.Unlock()
	if found {
		oldChild.setParent(nil)
		t.Consume(-oldChild.BytesConsumed())
	}
}

// Consume records a (possibly negative) change in consumption, propagating
// to every ancestor. When bytes is positive, it then invokes the action of
// the topmost tracker on that path (t itself or an ancestor) whose limit is
// reached.
func (t *Tracker) Consume(bytes int64) {
	if bytes == 0 {
		return
	}
	var rootExceed *Tracker
	for tracker := t; tracker != nil; tracker = tracker.getParent() {
		if atomic.AddInt64(&tracker.bytesConsumed, bytes) >= tracker.bytesLimit && tracker.bytesLimit > 0 {
			rootExceed = tracker
		}
		for {
			maxNow := atomic.LoadInt64(&tracker.maxConsumed)
			consumed := atomic.LoadInt64(&tracker.bytesConsumed)
			if consumed > maxNow && !atomic.CompareAndSwapInt64(&tracker.maxConsumed, maxNow, consumed) {
				continue
			}
			break
		}
	}
	if bytes > 0 && rootExceed != nil {
		rootExceed.actionMu.Lock()
		defer rootExceed.actionMu.Unlock()
		if rootExceed.actionMu.actionOnExceed != nil {
			rootExceed.actionMu.actionOnExceed.Action(rootExceed)
		}
	}
}

// BytesConsumed returns the currently consumed bytes.
func (t *Tracker) BytesConsumed() int64 { return atomic.LoadInt64(&t.bytesConsumed) }

// MaxConsumed returns the peak consumption observed on this tracker.
func (t *Tracker) MaxConsumed() int64 { return atomic.LoadInt64(&t.maxConsumed) }

// ReplaceBytesUsed resets consumption to exactly bytes.
func (t *Tracker) ReplaceBytesUsed(bytes int64) {
	t.Consume(-t.BytesConsumed())
	t.Consume(bytes)
}

func (t *Tracker) getParent() *Tracker {
	t.parMu.Lock()
	defer t.parMu.Unlock()
	return t.parMu.parent
}

func (t *Tracker) setParent(parent *Tracker) {
	t.parMu.Lock()
	defer t.parMu.Unlock()
	t.parMu.parent = parent
}

// String renders the tracker tree, mostly useful in test failure output.
func (t *Tracker) String() string {
	buf := bytes.NewBufferString("\n")
	t.toString("", buf)
	return buf.String()
}

func (t *Tracker) toString(indent string, buf *bytes.Buffer) {
	fmt.Fprintf(buf, "%s\"%d\"{\n", indent, t.label)
	if t.bytesLimit > 0 {
		fmt.Fprintf(buf, "%s  \"quota\": %d\n", indent, t.bytesLimit)
	}
	fmt.Fprintf(buf, "%s  \"consumed\": %d\n", indent, t.BytesConsumed())

	t.mu.Lock()
	labels := make([]int, 0, len(t.mu.children))
	for label := range t.mu.children {
		labels = append(labels, label)
	}
	sort.Ints(labels)
	for _, label := range labels {
		for _, child := range t.mu.children[label] {
			child.toString(indent+"  ", buf)
		}
	}
	t.mu.Unlock()
	buf.WriteString(indent + "}\n")
}

// Tracker labels used across this repository's packages.
const (
	LabelForRowStore        int = -1
	LabelForSortPartition   int = -2
	LabelForSpillPool       int = -3
	LabelForRootPool        int = -4
	LabelForStringAllocator int = -5
)
