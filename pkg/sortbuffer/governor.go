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
	"github.com/pingcap/errors"

	"github.com/dbeng/sortspill/pkg/memory"
)

// ensureInputFits is the memory governor of section 4.3: it decides,
// ahead of copying an n-row batch into RowStore, whether a spill is
// required to keep RowStore's footprint within the pool's reservation.
// inputFlatBytes estimates the incoming batch's variable-length payload.
// It returns whether the caller should spill before proceeding, or a fatal
// ErrOutOfMemory (section 7) when reservation growth fails and spilling
// cannot free anything either, because it is disabled or RowStore is
// already empty.
func (b *Buffer) ensureInputFits(n int, inputFlatBytes int64) (shouldSpill bool, err error) {
	numRows := b.rowStore.NumRows()

	if b.cfg.spillEnabled() && numRows > 0 {
		// Test-only spill path (step b).
		if b.cfg.Spill.TestSpillPct > 0 {
			b.spillTestCounter++
			if (b.spillTestCounter*2654435761)%100 < uint64(b.cfg.Spill.TestSpillPct) {
				return true, nil
			}
		}

		// Threshold trigger (step c).
		if b.cfg.SpillMemoryThreshold != 0 && b.cfg.Pool.Tracker().BytesConsumed() > b.cfg.SpillMemoryThreshold {
			return true, nil
		}
	}

	freeRows, outOfLineFreeBytes := b.rowStore.FreeSpace()
	outOfLineBytes := b.rowStore.StringAllocatorRetainedSize() - outOfLineFreeBytes

	// Cheap local check (step e): enough free rows and enough free
	// variable-length space for the incoming batch.
	if freeRows > n && (outOfLineBytes == 0 || outOfLineFreeBytes >= inputFlatBytes) {
		return false, nil
	}

	varBytesHint := int64(0)
	if outOfLineBytes != 0 {
		varBytesHint = inputFlatBytes
	}
	incremental := b.rowStore.SizeIncrement(n, varBytesHint)

	// Step (f): already-reserved headroom covers the safety factor.
	if b.cfg.Pool.Available() > b.cfg.ReservationSafetyFactor*incremental {
		return false, nil
	}

	// Step (g): attempt reservation growth under a reclaimable-section
	// guard, so the arbitrator may reclaim from this buffer while the call
	// blocks.
	target := b.cfg.ReservationSafetyFactor * incremental
	if b.cfg.spillEnabled() {
		if pct := int64(b.cfg.Spill.SpillableReservationGrowthPct); pct > 0 {
			byPct := b.cfg.Pool.Tracker().BytesConsumed() * pct / 100
			if byPct > target {
				target = byPct
			}
		}
	}

	growErr := memory.NonReclaimableSection(b.cfg.NonReclaimableSection, func() error {
		return b.cfg.Pool.Grow(target)
	})
	if growErr == nil {
		return false, nil
	}

	// Growth failed. Fall back to spilling if it could still make room;
	// otherwise spilling is already exhausted (disabled, or RowStore holds
	// nothing left to flush) and there is no way left to shrink this
	// buffer's footprint.
	if b.cfg.spillEnabled() && numRows > 0 {
		return true, nil
	}
	b.cfg.Pool.Abort(ErrOutOfMemory)
	return false, errors.Trace(ErrOutOfMemory)
}
