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
	"io"

	"github.com/DIG-Network/digstore/derrors"
	"github.com/DIG-Network/digstore/hash"
	"github.com/DIG-Network/digstore/layer"
)

// Stream writes res's file content to w (spec §4.H stream). If u
// carries a byte range, only the bytes in that range are written and no
// integrity check is performed (the spec only requires the running-hash
// check for a full-file retrieval). Stream never buffers more than one
// chunk at a time.
func Stream(res *Resolution, u Urn, w io.Writer) error {
	if res.File == nil {
		return derrors.InvalidArgument.New("urn does not name a file")
	}

	start, end := int64(0), res.File.Size
	fullFile := true
	if u.HasRange {
		s, e, err := u.Range.Resolve(res.File.Size)
		if err != nil {
			return err
		}
		start, end = s, e
		fullFile = false
	}

	var hasher *hash.StreamHasher
	if fullFile {
		hasher = hash.NewStreamHasher()
	}

	for i, ref := range res.File.Chunks {
		chunkStart := ref.OffsetInFile
		chunkEnd := ref.End()
		if chunkEnd <= start || chunkStart >= end {
			continue
		}

		loc := res.ChunkPlan[i]
		raw, err := chunkBytes(loc)
		if err != nil {
			return err
		}

		lo := int64(0)
		hi := int64(len(raw))
		if chunkStart < start {
			lo = start - chunkStart
		}
		if chunkEnd > end {
			hi = int64(len(raw)) - (chunkEnd - end)
		}
		if lo < 0 || hi > int64(len(raw)) || lo > hi {
			return derrors.Corrupt.New("chunk span inconsistent with file record")
		}

		if hasher != nil {
			hasher.Write(raw)
		}
		if _, err := w.Write(raw[lo:hi]); err != nil {
			return derrors.Wrap(derrors.Io, err, "write stream output")
		}
	}

	if hasher != nil && hasher.Sum() != res.File.Hash {
		return derrors.IntegrityError.New("reconstructed file hash does not match its FileRecord")
	}
	return nil
}

// chunkBytes returns a chunk location's raw (decompressed) bytes,
// slicing directly out of its owning layer's mmap'd payload region.
func chunkBytes(loc ChunkLocation) ([]byte, error) {
	l := loc.OwningLayerV
	for _, span := range l.ChunkTable {
		if span.Hash != loc.Ref.Hash {
			continue
		}
		payload := layer.ChunkPayloadSlice(loc.OwningBlob, l)
		if span.Offset+span.Length > uint64(len(payload)) {
			return nil, derrors.Corrupt.New("chunk span runs past end of layer payload")
		}
		return layer.Decompress(l.Meta.Compression, payload[span.Offset:span.Offset+span.Length])
	}
	return nil, derrors.Corrupt.New("chunk " + loc.Ref.Hash.String() + " missing from its declared owning layer")
}
