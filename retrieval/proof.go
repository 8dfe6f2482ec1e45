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
	"github.com/DIG-Network/digstore/derrors"
	"github.com/DIG-Network/digstore/hash"
	"github.com/DIG-Network/digstore/merkle"
)

// ChunkMembership records that a chunk participates in a file's chunk
// list at a given byte offset — membership is already guaranteed by the
// file's own content hash (verified during Stream), so this is a plain
// positional record rather than a second merkle proof (spec §4.H: "a
// proof of each participating chunk's membership in the file's chunk
// list, which is itself covered by the file hash").
type ChunkMembership struct {
	FileHash     hash.Hash
	ChunkHash    hash.Hash
	OffsetInFile int64
	Length       int64
}

// Proof is the merkle inclusion proof for a resolved file's hash
// against its layer's root, plus chunk-membership records when the
// request named a byte range (spec §4.H prove).
type Proof struct {
	RootHash    hash.Hash
	FileProof   merkle.Proof
	ChunkProofs []ChunkMembership
}

// Prove builds a Proof for res, which must name a file (u.Path != "").
func Prove(res *Resolution, u Urn) (Proof, error) {
	if res.File == nil {
		return Proof{}, derrors.InvalidArgument.New("urn does not name a file")
	}

	tree := merkle.Build(res.RootLayer.MerkleLeaves)
	idx := -1
	for i, leaf := range res.RootLayer.MerkleLeaves {
		if leaf == res.File.Hash {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Proof{}, derrors.Corrupt.New("file hash not present among layer's merkle leaves")
	}

	fp, err := tree.Prove(idx)
	if err != nil {
		return Proof{}, derrors.Corrupt.New(err.Error())
	}

	p := Proof{RootHash: tree.Root(), FileProof: fp}

	if u.HasRange {
		start, end, err := u.Range.Resolve(res.File.Size)
		if err != nil {
			return Proof{}, err
		}
		for _, ref := range res.File.Chunks {
			if ref.End() <= start || ref.OffsetInFile >= end {
				continue
			}
			p.ChunkProofs = append(p.ChunkProofs, ChunkMembership{
				FileHash:     res.File.Hash,
				ChunkHash:    ref.Hash,
				OffsetInFile: ref.OffsetInFile,
				Length:       ref.Length,
			})
		}
	}

	return p, nil
}

// Verify recomputes p's implied root from its merkle proof and checks
// it against expectedRoot (spec §4.H verify).
func Verify(p Proof, expectedRoot hash.Hash) bool {
	return merkle.Verify(p.FileProof, expectedRoot) && p.RootHash == expectedRoot
}
