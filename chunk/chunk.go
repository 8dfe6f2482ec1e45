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

// Package chunk defines the shared content-addressable data model: a
// Chunk is a content-defined byte span, a FileRecord is an ordered list
// of chunk references describing one file, all keyed by hash.Hash.
package chunk

import (
	"sort"

	"github.com/DIG-Network/digstore/hash"
)

// Chunk is one content-defined span of a source file: its hash, its
// offset within the source it was cut from, and its length. Chunk does
// not carry the span's bytes; callers that need bytes pair a Chunk with
// a byte slice obtained from the chunker or from storage.
type Chunk struct {
	Hash   hash.Hash
	Offset int64
	Length int64
}

// Ref is a reference to a chunk from within a FileRecord: the chunk's
// hash plus where it sits in the file's byte stream. Length is
// duplicated from the chunk itself so FileRecord can be validated without
// resolving every chunk's storage location.
type Ref struct {
	Hash         hash.Hash
	OffsetInFile int64
	Length       int64
}

// End returns the exclusive end offset of r within its file.
func (r Ref) End() int64 {
	return r.OffsetInFile + r.Length
}

// Record is one file's FileRecord (spec §3). Mode and ModTimeUnix are
// optional POSIX metadata carried alongside it; zero means "not
// recorded" for either.
type Record struct {
	// Path is the file's POSIX-normalized, slash-separated path relative
	// to the tree root. Unique within a single layer.
	Path string
	// Hash is SHA-256 of the concatenated chunk bytes in order.
	Hash hash.Hash
	// Size is the total byte length of the file.
	Size int64
	// Chunks lists the file's content in order; Chunks[i].OffsetInFile ==
	// sum of Chunks[0:i].Length.
	Chunks []Ref
	// Mode is the optional POSIX file mode; 0 means "not recorded".
	Mode uint32
	// ModTimeUnix is the optional modification time, as Unix seconds; 0
	// means "not recorded".
	ModTimeUnix int64
}

// SortRecords sorts records by Path, the order required for a layer's
// file table and for merkle leaf ordering (spec §3).
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
}

// Validate checks that a Record's chunk references tile its declared
// Size contiguously with no gaps or overlaps, the invariant a layer
// codec relies on when slicing byte ranges (spec §4.H).
func (r Record) Validate() error {
	var want int64
	for _, c := range r.Chunks {
		if c.OffsetInFile != want {
			return errNonContiguous{path: r.Path}
		}
		want += c.Length
	}
	if want != r.Size {
		return errSizeMismatch{path: r.Path, declared: r.Size, actual: want}
	}
	return nil
}

type errNonContiguous struct{ path string }

func (e errNonContiguous) Error() string {
	return "chunk: non-contiguous chunk references in file " + e.path
}

type errSizeMismatch struct {
	path             string
	declared, actual int64
}

func (e errSizeMismatch) Error() string {
	return "chunk: file size mismatch in " + e.path
}
