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

// Package logutil provides the process-wide background logger used by the
// sort-and-spill buffer and its collaborators.
package logutil

import "go.uber.org/zap"

var bgLogger = newDefaultLogger()

func newDefaultLogger() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// BgLogger returns the background logger used outside of any particular
// request context, mirroring logutil.BgLogger() in the wider engine.
func BgLogger() *zap.Logger {
	return bgLogger
}

// SetLogger overrides the background logger. Tests use this to assert on
// emitted records or to silence logging with zap.NewNop().
func SetLogger(l *zap.Logger) {
	bgLogger = l
}
