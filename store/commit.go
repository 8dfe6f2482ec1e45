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

package store

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/DIG-Network/digstore/archive"
	"github.com/DIG-Network/digstore/chunk"
	"github.com/DIG-Network/digstore/derrors"
	"github.com/DIG-Network/digstore/hash"
	"github.com/DIG-Network/digstore/layer"
	"github.com/DIG-Network/digstore/progress"
)

// ancestorChain returns every data-layer hash reachable by walking
// ParentHash pointers starting at from, oldest-last (from itself first).
// A hand-edited archive's cyclic ParentHash pointer is detected rather
// than walked forever (spec §9).
func (s *Store) ancestorChain(from hash.Hash) ([]hash.Hash, error) {
	var chain []hash.Hash
	seen := make(map[hash.Hash]struct{})
	cur := from
	for !cur.IsEmpty() {
		if _, ok := seen[cur]; ok {
			return nil, derrors.Corrupt.New("cycle in layer ancestry at " + cur.String())
		}
		seen[cur] = struct{}{}
		chain = append(chain, cur)
		l, _, err := s.reader.Layer(cur)
		if err != nil {
			return nil, err
		}
		cur = l.Header.ParentHash
	}
	return chain, nil
}

// deltaChainLength counts how many consecutive Delta layers sit above
// the nearest Full layer (or the root), starting at from. Used to
// enforce the hard delta-chain-length cap (spec §4.G) even when a
// commit doesn't land on a cadence boundary. Guards against a cyclic
// ParentHash pointer the same way ancestorChain does (spec §9).
func (s *Store) deltaChainLength(from hash.Hash) (int, error) {
	n := 0
	seen := make(map[hash.Hash]struct{})
	cur := from
	for !cur.IsEmpty() {
		if _, ok := seen[cur]; ok {
			return 0, derrors.Corrupt.New("cycle in layer ancestry at " + cur.String())
		}
		seen[cur] = struct{}{}
		l, _, err := s.reader.Layer(cur)
		if err != nil {
			return 0, err
		}
		if l.Header.Kind == layer.KindFull {
			break
		}
		n++
		cur = l.Header.ParentHash
	}
	return n, nil
}

// buildAncestorChunkSet collects every chunk hash physically stored by
// an ancestor layer in chain, decoding each ancestor concurrently in
// its own errgroup goroutine (one per ancestor, with no worker limit).
// Modeled on the teacher's compressChunksInParallel, which fans a fixed
// work list out across an errgroup.
func (s *Store) buildAncestorChunkSet(chain []hash.Hash) (*shardedChunkSet, error) {
	set := newShardedChunkSet()
	g, _ := errgroup.WithContext(context.Background())
	for _, h := range chain {
		h := h
		g.Go(func() error {
			l, _, err := s.reader.Layer(h)
			if err != nil {
				return err
			}
			for _, span := range l.ChunkTable {
				set.Insert(span.Hash)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return set, nil
}

// chooseKind decides whether the next commit must be a Full layer: the
// first commit always is; thereafter a cadence boundary or a delta
// chain already at its cap forces Full, otherwise Delta (spec §4.G).
func (s *Store) chooseKind(parentHash hash.Hash, generation uint64) (layer.Kind, error) {
	if parentHash.IsEmpty() {
		return layer.KindFull, nil
	}

	cadence := s.lz.Cadence.FullLayerCadence
	if cadence <= 0 {
		cadence = DefaultFullLayerCadence
	}
	chainCap := s.lz.Cadence.DeltaChainCap
	if chainCap <= 0 {
		chainCap = DefaultDeltaChainCap
	}

	if int(generation)%cadence == 0 {
		return layer.KindFull, nil
	}

	chainLen, err := s.deltaChainLength(parentHash)
	if err != nil {
		return 0, err
	}
	if chainLen+1 >= chainCap {
		return layer.KindFull, nil
	}
	return layer.KindDelta, nil
}

// Commit builds a new layer from everything currently staged, appends
// it to the archive, advances LayerZero's root history, and clears
// staging — the eight-step sequence of spec §4.G. It returns the new
// layer's hash (the commit's root hash). ctx is checked while building
// the chunk table and again immediately before the archive append
// (spec §5); canceling it after the append has started no longer has
// any effect, since at that point the write must run to completion to
// preserve the at-most-once commit point (spec §8).
func (s *Store) Commit(ctx context.Context, author, message string, report progress.Reporter) (hash.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.staging.List()
	if err != nil {
		return hash.Hash{}, err
	}
	if len(records) == 0 {
		return hash.Hash{}, derrors.InvalidArgument.New("nothing staged")
	}
	report.Report(progress.Event{Stage: "Preparing Commit", Total: uint32(len(records)), Completed: 0})

	current, hasCurrent := s.lz.CurrentRoot()
	var parentHash hash.Hash
	generation := uint64(1)
	if hasCurrent {
		parentHash = current.RootHash
		generation = current.Generation + 1
	}

	kind, err := s.chooseKind(parentHash, generation)
	if err != nil {
		return hash.Hash{}, err
	}

	var ancestors *shardedChunkSet
	if kind == layer.KindDelta {
		chain, err := s.ancestorChain(parentHash)
		if err != nil {
			return hash.Hash{}, err
		}
		ancestors, err = s.buildAncestorChunkSet(chain)
		if err != nil {
			return hash.Hash{}, err
		}
	}

	chunk.SortRecords(records)

	chunkTable := make([]layer.ChunkSpan, 0)
	chunkBytes := make(map[hash.Hash][]byte)
	seen := make(map[hash.Hash]struct{})

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return hash.Hash{}, derrors.Wrap(derrors.Cancelled, err, "commit")
		}
		for _, ref := range rec.Chunks {
			if _, already := seen[ref.Hash]; already {
				continue
			}
			if ancestors != nil && ancestors.Has(ref.Hash) {
				continue
			}
			raw, ok, err := s.staging.ChunkBytes(ref.Hash)
			if err != nil {
				return hash.Hash{}, err
			}
			if !ok {
				return hash.Hash{}, derrors.Corrupt.New("staged file references unstaged chunk " + ref.Hash.String())
			}
			seen[ref.Hash] = struct{}{}
			chunkBytes[ref.Hash] = raw
			chunkTable = append(chunkTable, layer.ChunkSpan{Hash: ref.Hash})
		}
		report.Report(progress.Event{Stage: "Preparing Commit", Total: uint32(len(records)), Completed: uint32(i + 1)})
	}

	leaves := make([]hash.Hash, len(records))
	for i, rec := range records {
		leaves[i] = rec.Hash
	}

	l := &layer.Layer{
		Header: layer.Header{
			Kind:          kind,
			Generation:    generation,
			TimestampUnix: nowUnix(),
			ParentHash:    parentHash,
		},
		Meta: layer.Metadata{
			Author:      author,
			Message:     message,
			Compression: layer.CompressionZstd,
		},
		Files:        records,
		ChunkTable:   chunkTable,
		MerkleLeaves: leaves,
	}

	// The data layer's hash feeds the LayerZero root-history entry, so it
	// is encoded (but not yet published) before the header layer can be
	// built — then both are published via one AppendEncoded call, so they
	// land in the archive together or not at all (spec §4.G step 6 / §8's
	// at-most-once commit point: a crash must never leave a data layer
	// durable with no LayerZero entry pointing at it).
	blob, layerHash, err := layer.Encode(l, layer.CompressionZstd, chunkBytes)
	if err != nil {
		return hash.Hash{}, err
	}

	newLZ := s.lz.WithAppendedRoot(layer.RootHistoryEntry{
		Generation: generation,
		RootHash:   layerHash,
		Timestamp:  nowUnix(),
		LayerCount: uint32(s.reader.LayerCount() + 1),
	})
	lzLayer := &layer.Layer{
		Header: layer.Header{Kind: layer.KindHeader, Generation: generation, TimestampUnix: nowUnix()},
		LayerZero: newLZ,
	}
	lzBlob, lzHashVal, err := layer.Encode(lzLayer, layer.CompressionNone, nil)
	if err != nil {
		return hash.Hash{}, err
	}

	if err := ctx.Err(); err != nil {
		return hash.Hash{}, derrors.Wrap(derrors.Cancelled, err, "commit")
	}

	w, err := archive.OpenWriter(s.archivePath)
	if err != nil {
		return hash.Hash{}, err
	}
	hashes, err := w.AppendEncoded([]archive.EncodedLayer{
		{Blob: blob, Hash: layerHash, Generation: l.Header.Generation, Kind: l.Header.Kind, Compression: layer.CompressionZstd},
		{Blob: lzBlob, Hash: lzHashVal, Generation: lzLayer.Header.Generation, Kind: layer.KindHeader, Compression: layer.CompressionNone},
	})
	if err != nil {
		w.Close()
		return hash.Hash{}, err
	}
	layerHash, lzHash := hashes[0], hashes[1]
	if err := w.Close(); err != nil {
		return hash.Hash{}, err
	}

	// Past this point the layer is durably appended; any failure below is
	// logged with a stack trace rather than silently dropped, since the
	// archive and the in-memory store can disagree about the current root.
	if err := s.reader.Close(); err != nil {
		wrapped := derrors.WrapFatal(derrors.Io, err, "close previous archive reader after commit")
		s.log.Error(wrapped.Error())
		return hash.Hash{}, wrapped
	}
	newReader, err := archive.Open(s.archivePath)
	if err != nil {
		wrapped := derrors.WrapFatal(derrors.Io, err, "reopen archive after commit")
		s.log.Error(wrapped.Error())
		return hash.Hash{}, wrapped
	}
	s.reader = newReader
	s.lz = newLZ
	s.lzHash = lzHash

	if err := s.staging.Clear(); err != nil {
		wrapped := derrors.WrapFatal(derrors.Io, err, "clear staging after commit")
		s.log.Error(wrapped.Error())
		return hash.Hash{}, wrapped
	}

	report.Report(progress.Event{Stage: "Commit Complete", Total: 1, Completed: 1})
	return layerHash, nil
}
