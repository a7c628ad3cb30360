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
	"github.com/dbeng/sortspill/pkg/memory"
	"github.com/dbeng/sortspill/pkg/spill"
	"github.com/dbeng/sortspill/pkg/types"
)

// SpillConfig is the optional spill configuration from section 6:
// {dir, writeBufferSize, compression, spillableReservationGrowthPct,
// testSpillPct, executor}. Its absence on Config means spilling is
// disabled for the buffer's whole lifetime.
type SpillConfig struct {
	Dir             string
	WriteBufferSize int
	Compression     spill.Compression

	// SpillableReservationGrowthPct is the multiplier used in the
	// governor's step (g): reservation growth targets
	// max(ReservationSafetyFactor*incremental, currentUsage*growthPct/100).
	SpillableReservationGrowthPct int

	// TestSpillPct in [0, 100] is the probability hook step (b) of the
	// governor consults so tests can force spilling deterministically
	// without shaping input size.
	TestSpillPct int

	// Concurrency bounds background compaction work performed by the
	// on-disk sorter backing each spill run; 0 uses extsort's default.
	Concurrency int
}

// Config carries every construction input listed in section 6.
type Config struct {
	// InputSchema is S_in: the ordered (name, type) columns of the input
	// batches this buffer will ingest.
	InputSchema types.Schema

	// SortColumnIndices are indices into InputSchema, length m >= 1, all
	// distinct, each < len(InputSchema).
	SortColumnIndices []int

	// SortCompareFlags is length m, parallel to SortColumnIndices.
	SortCompareFlags []types.CompareFlags

	// OutputBatchSize bounds every non-final getOutput() result.
	OutputBatchSize int

	// Pool is the memory pool every byte this buffer uses is tracked
	// through (invariant 4 of section 3).
	Pool *memory.Pool

	// NonReclaimableSection is shared with the arbitrator: false marks the
	// buffer reclaimable, true forbids reclamation. It starts true and is
	// only set false for the duration of a reservation-growth call.
	NonReclaimableSection *bool

	// SpillRunCounter, if non-nil, is incremented once per spill call that
	// actually flushes rows, matching section 9's "pass it explicitly as a
	// reference parameter" global-state note.
	SpillRunCounter *int64

	// Spill is the optional spill configuration; nil disables spilling.
	Spill *SpillConfig

	// SpillMemoryThreshold, if > 0, forces a spill whenever the pool's
	// current usage exceeds it (governor step (c)). 0 disables the check.
	SpillMemoryThreshold int64

	// ReservationSafetyFactor is the "2x" multiplier of governor steps (f)
	// and (g), exposed as a tunable per section 9's open question (i)
	// rather than a hardcoded constant. Defaults to 2 if unset.
	ReservationSafetyFactor int64
}

func (c *Config) ensureDefaults() {
	if c.ReservationSafetyFactor <= 0 {
		c.ReservationSafetyFactor = 2
	}
	if c.OutputBatchSize <= 0 {
		c.OutputBatchSize = 1024
	}
}

// spillEnabled reports whether a spill configuration is present.
func (c *Config) spillEnabled() bool { return c.Spill != nil }

// numKeys returns m, the length of the sort key prefix.
func (c *Config) numKeys() int { return len(c.SortColumnIndices) }
