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

import "github.com/pingcap/errors"

// The error taxonomy from section 7: everything is a sentinel wrapped with
// errors.Trace at the point of return, so call sites can errors.Cause back
// to the sentinel while logs still get a stack trace.
var (
	// ErrPreconditionViolated means an operation was called in the wrong
	// phase (addInput after noMoreInput, noMoreInput twice). Fatal.
	ErrPreconditionViolated = errors.New("sortbuffer: precondition violated")

	// ErrUnconfigured means spill() was called without a spill
	// configuration. Fatal.
	ErrUnconfigured = errors.New("sortbuffer: spill requested but no spill configuration is set")

	// ErrOutOfMemory means reservation growth failed and spill has already
	// been exhausted (e.g. disabled). The pool aborts the operator.
	ErrOutOfMemory = errors.New("sortbuffer: out of memory and spilling is unavailable")

	// ErrAborted means the pool's abort signal was received.
	ErrAborted = errors.New("sortbuffer: aborted by memory pool")

	// ErrSpillIO is a spiller failure, treated as fatal and propagated.
	ErrSpillIO = errors.New("sortbuffer: spill I/O error")
)
