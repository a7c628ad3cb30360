// Copyright 2020 PingCAP, Inc.
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

	"go.uber.org/zap"

	"github.com/dbeng/sortspill/internal/logutil"
)

// Priority constants for chained ActionOnExceed implementations. A higher
// priority action runs before a lower priority one, and falls back to it
// when it cannot make further progress.
const (
	DefPriority int64 = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
)

// ActionOnExceed is invoked by a Tracker when consumption exceeds its
// configured limit. Implementations form a singly linked chain via
// SetFallback/GetFallback, ordered by priority. A Tracker invokes only the
// head of the chain; each action decides for itself whether to call its
// fallback.
type ActionOnExceed interface {
	// Action is called when a Tracker's limit is exceeded.
	Action(t *Tracker)
	// SetFallback chains a lower-priority action to run if this one cannot
	// reclaim anything.
	SetFallback(a ActionOnExceed)
	// GetFallback returns the chained fallback action, or nil.
	GetFallback() ActionOnExceed
	// GetPriority returns the priority used to order chained actions.
	GetPriority() int64
}

// BaseOOMAction implements the fallback bookkeeping shared by every
// ActionOnExceed so concrete actions only need to implement Action and
// GetPriority.
type BaseOOMAction struct {
	fallback ActionOnExceed
}

// SetFallback implements ActionOnExceed.
func (b *BaseOOMAction) SetFallback(a ActionOnExceed) { b.fallback = a }

// GetFallback implements ActionOnExceed.
func (b *BaseOOMAction) GetFallback() ActionOnExceed { return b.fallback }

// LogOnExceed logs a warning the first time a tracker exceeds its limit and
// otherwise does nothing; it is typically installed as a low-priority
// fallback in a chain.
type LogOnExceed struct {
	BaseOOMAction
	logged bool
}

// Action implements ActionOnExceed.
func (a *LogOnExceed) Action(t *Tracker) {
	if a.logged {
		return
	}
	a.logged = true
	logutil.BgLogger().Warn("memory exceeds quota",
		zap.Int("tracker", t.Label()),
		zap.Int64("consumed", t.BytesConsumed()),
		zap.Int64("limit", t.GetBytesLimit()))
}

// GetPriority implements ActionOnExceed.
func (*LogOnExceed) GetPriority() int64 { return PriorityLow }

// PanicOnExceed panics once a tracker's limit is exceeded and every
// higher-priority action in the chain has already run without cancelling
// the condition. It is the action of last resort.
type PanicOnExceed struct {
	BaseOOMAction
	mutex sync.Mutex
}

// Action implements ActionOnExceed.
func (a *PanicOnExceed) Action(t *Tracker) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	panic(PanicMemoryExceedWarnMsg)
}

// GetPriority implements ActionOnExceed.
func (*PanicOnExceed) GetPriority() int64 { return DefPriority }

// PanicMemoryExceedWarnMsg is the panic message raised by PanicOnExceed.
const PanicMemoryExceedWarnMsg = "Out Of Memory Quota!"
