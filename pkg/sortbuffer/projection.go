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

import "github.com/dbeng/sortspill/pkg/types"

// projection is the bijection between S_in column order and S_int column
// order: the m key columns first, in priority order, followed by the
// remaining payload columns in their original relative order. It is
// captured once at construction (section 3).
type projection struct {
	internalToInput []int
	inputToInternal []int
	internalSchema  types.Schema
}

func newProjection(inputSchema types.Schema, keyIndices []int) *projection {
	n := len(inputSchema)
	isKey := make([]bool, n)
	for _, k := range keyIndices {
		isKey[k] = true
	}

	internalToInput := make([]int, 0, n)
	internalToInput = append(internalToInput, keyIndices...)
	for i := 0; i < n; i++ {
		if !isKey[i] {
			internalToInput = append(internalToInput, i)
		}
	}

	inputToInternal := make([]int, n)
	internalSchema := make(types.Schema, n)
	for internalIdx, inputIdx := range internalToInput {
		inputToInternal[inputIdx] = internalIdx
		internalSchema[internalIdx] = inputSchema[inputIdx]
	}

	return &projection{
		internalToInput: internalToInput,
		inputToInternal: inputToInternal,
		internalSchema:  internalSchema,
	}
}

// internalTypes returns S_int.
func (p *projection) internalTypes() types.Schema { return p.internalSchema }

// inputIndexOf returns the input column index for a given internal index.
func (p *projection) inputIndexOf(internalIdx int) int { return p.internalToInput[internalIdx] }

// pairs returns the projection map as (internal_index, input_index) pairs,
// in internal-index order.
func (p *projection) pairs() [][2]int {
	out := make([][2]int, len(p.internalToInput))
	for internalIdx, inputIdx := range p.internalToInput {
		out[internalIdx] = [2]int{internalIdx, inputIdx}
	}
	return out
}
