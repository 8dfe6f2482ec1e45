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

package retrieval

import (
	"strconv"
	"strings"

	"github.com/DIG-Network/digstore/derrors"
)

// Range is a parsed "bytes=..." fragment using HTTP-range semantics
// (spec §4.H/§6.3): "a-b" (closed, inclusive), "a-" (from a to EOF), or
// "-n" (the last n bytes).
type Range struct {
	suffix bool   // true for the "-n" form
	hasEnd bool   // true for the "a-b" form
	a, b   uint64 // a is start (or n for suffix); b is inclusive end
}

// ParseRange parses the portion of a URN fragment after "bytes=".
func ParseRange(s string) (Range, error) {
	if s == "" {
		return Range{}, derrors.InvalidArgument.New("empty byte range")
	}

	if strings.HasPrefix(s, "-") {
		n, err := strconv.ParseUint(s[1:], 10, 64)
		if err != nil {
			return Range{}, derrors.InvalidArgument.New("bad suffix byte range: " + err.Error())
		}
		return Range{suffix: true, a: n}, nil
	}

	i := strings.IndexByte(s, '-')
	if i < 0 {
		return Range{}, derrors.InvalidArgument.New("byte range missing \"-\"")
	}
	start, err := strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		return Range{}, derrors.InvalidArgument.New("bad byte range start: " + err.Error())
	}
	if i == len(s)-1 {
		return Range{a: start}, nil
	}
	end, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return Range{}, derrors.InvalidArgument.New("bad byte range end: " + err.Error())
	}
	if end < start {
		return Range{}, derrors.InvalidArgument.New("byte range end before start")
	}
	return Range{hasEnd: true, a: start, b: end}, nil
}

// Resolve computes the concrete, half-open [start, end) byte span this
// range selects out of a file of the given total size. The "a-b"/"a-"
// forms reject a start at or beyond size; the "-n" suffix form instead
// clamps to the whole file when n exceeds size — "#bytes=-n" returns the
// last min(n, file_size) bytes, with no error case (spec §8).
func (r Range) Resolve(size int64) (start, end int64, err error) {
	switch {
	case r.suffix:
		n := int64(r.a)
		if n > size {
			n = size
		}
		return size - n, size, nil
	case r.hasEnd:
		start, end = int64(r.a), int64(r.b)+1
		if start >= size || end > size {
			return 0, 0, derrors.InvalidArgument.New("invalid range: range beyond file size")
		}
		return start, end, nil
	default:
		start = int64(r.a)
		if start >= size {
			return 0, 0, derrors.InvalidArgument.New("invalid range: range beyond file size")
		}
		return start, size, nil
	}
}
