// Copyright 2024 DIG-Network
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

// Package progress carries long-running-operation progress out of
// chunking, commit, and archive-verification passes. Callers that don't
// care pass a nil Reporter; Report is a no-op against a nil receiver.
package progress

import "github.com/dustin/go-humanize"

// Event describes one step of progress within a named stage. Total of
// zero means the stage's extent isn't known in advance.
type Event struct {
	Stage     string
	Total     uint32
	Completed uint32
}

// Bytes renders a byte count the way a progress line would, e.g. for
// logging chunk-payload sizes alongside a stage update.
func Bytes(n uint64) string {
	return humanize.Bytes(n)
}

// Reporter receives synchronous progress callbacks. Unlike the teacher's
// ArchiveBuildProgressMsg-over-channel pattern, delivery here is a direct
// function call on whichever goroutine made the progress (in
// VerifyArchive, a worker goroutine) — there is no consumer to
// schedule, and a slow callback backpressures the operation it describes
// rather than silently queuing.
type Reporter func(Event)

// Report delivers ev to r, or does nothing if r is nil.
func (r Reporter) Report(ev Event) {
	if r == nil {
		return
	}
	r(ev)
}
