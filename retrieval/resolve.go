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
	"github.com/DIG-Network/digstore/archive"
	"github.com/DIG-Network/digstore/chunk"
	"github.com/DIG-Network/digstore/derrors"
	"github.com/DIG-Network/digstore/hash"
	"github.com/DIG-Network/digstore/layer"
)

// ChunkLocation pairs a chunk reference with the layer that physically
// stores its bytes.
type ChunkLocation struct {
	Ref          chunk.Ref
	OwningLayer  hash.Hash
	OwningBlob   []byte
	OwningLayerV *layer.Layer
}

// Resolution is the result of resolving a Urn against an open archive
// (spec §4.H resolve): the chosen root layer, the file it names (if
// any), and where each of its chunks physically lives.
type Resolution struct {
	RootHash   hash.Hash
	RootLayer  *layer.Layer
	RootBlob   []byte
	File       *chunk.Record
	ChunkPlan  []ChunkLocation
}

// currentRootOf decodes r's latest LayerZero record and returns its
// current root hash, or NotFound if nothing has ever been committed.
func currentRootOf(r *archive.Reader) (hash.Hash, error) {
	gens := r.HeaderGenerations()
	if len(gens) == 0 {
		return hash.Hash{}, derrors.Corrupt.New("archive has no LayerZero record")
	}
	current := gens[0]
	for _, e := range gens[1:] {
		if e.Generation > current.Generation {
			current = e
		}
	}
	lz, _, err := r.Layer(current.LayerHash)
	if err != nil {
		return hash.Hash{}, err
	}
	root, ok := lz.LayerZero.CurrentRoot()
	if !ok {
		return hash.Hash{}, derrors.NotFound.New("store has no commits yet")
	}
	return root.RootHash, nil
}

// Resolve implements spec §4.H's resolve operation: pick a root,
// confirm it is a snapshot layer, find the named file by walking
// ancestors if needed, and locate every chunk it references.
func Resolve(r *archive.Reader, u Urn) (*Resolution, error) {
	rootHash := u.RootHash
	if !u.HasRoot {
		h, err := currentRootOf(r)
		if err != nil {
			return nil, err
		}
		rootHash = h
	}

	rootLayer, rootBlob, err := r.Layer(rootHash)
	if err != nil {
		return nil, err
	}
	if rootLayer.Header.Kind == layer.KindHeader {
		return nil, derrors.InvalidArgument.New("urn root-hash names a LayerZero record, not a snapshot")
	}

	res := &Resolution{RootHash: rootHash, RootLayer: rootLayer, RootBlob: rootBlob}
	if u.Path == "" {
		return res, nil
	}

	rec, foundLayer, foundBlob, err := findFile(r, rootLayer, rootBlob, u.Path)
	if err != nil {
		return nil, err
	}
	res.File = rec

	plan, err := gatherChunks(r, foundLayer, foundBlob, *rec)
	if err != nil {
		return nil, err
	}
	res.ChunkPlan = plan
	return res, nil
}

// findFile looks for path in l's file table, walking ParentHash
// ancestors until found (spec §4.H step 4). A hand-edited archive's
// cyclic ParentHash pointer is detected rather than walked forever
// (spec §9).
func findFile(r *archive.Reader, l *layer.Layer, blob []byte, path string) (*chunk.Record, *layer.Layer, []byte, error) {
	cur, curBlob := l, blob
	seen := make(map[hash.Hash]struct{})
	for {
		for i := range cur.Files {
			if cur.Files[i].Path == path {
				rec := cur.Files[i]
				return &rec, cur, curBlob, nil
			}
		}
		parent := cur.Header.ParentHash
		if parent.IsEmpty() {
			return nil, nil, nil, derrors.NotFound.New("no such file: " + path)
		}
		if _, ok := seen[parent]; ok {
			return nil, nil, nil, derrors.Corrupt.New("cycle in layer ancestry at " + parent.String())
		}
		seen[parent] = struct{}{}
		next, nextBlob, err := r.Layer(parent)
		if err != nil {
			return nil, nil, nil, err
		}
		cur, curBlob = next, nextBlob
	}
}

// gatherChunks locates the owning layer for every chunk reference in
// rec, probing the file's own layer first and then its ancestors in
// order (spec §4.H step 5). A hand-edited archive's cyclic ParentHash
// pointer is detected rather than walked forever (spec §9).
func gatherChunks(r *archive.Reader, fileLayer *layer.Layer, fileBlob []byte, rec chunk.Record) ([]ChunkLocation, error) {
	plan := make([]ChunkLocation, len(rec.Chunks))

	type candidate struct {
		l    *layer.Layer
		hash hash.Hash
		blob []byte
	}
	candidates := []candidate{{l: fileLayer, hash: hash.Of(fileBlob), blob: fileBlob}}
	seen := make(map[hash.Hash]struct{})
	cur := fileLayer
	for !cur.Header.ParentHash.IsEmpty() {
		parent := cur.Header.ParentHash
		if _, ok := seen[parent]; ok {
			return nil, derrors.Corrupt.New("cycle in layer ancestry at " + parent.String())
		}
		seen[parent] = struct{}{}
		next, nextBlob, err := r.Layer(parent)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{l: next, hash: parent, blob: nextBlob})
		cur = next
	}

	for i, ref := range rec.Chunks {
		found := false
		for _, c := range candidates {
			if hasChunk(c.l, ref.Hash) {
				plan[i] = ChunkLocation{Ref: ref, OwningLayer: c.hash, OwningBlob: c.blob, OwningLayerV: c.l}
				found = true
				break
			}
		}
		if !found {
			return nil, derrors.Corrupt.New("no layer along the chain stores chunk " + ref.Hash.String())
		}
	}
	return plan, nil
}

func hasChunk(l *layer.Layer, h hash.Hash) bool {
	for _, span := range l.ChunkTable {
		if span.Hash == h {
			return true
		}
	}
	return false
}
