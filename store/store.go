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

// Package store is the commit engine: it owns one store directory's
// archive file and staging area, and implements init/open/add/commit
// (spec §4.G).
package store

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/DIG-Network/digstore/archive"
	"github.com/DIG-Network/digstore/chunk"
	"github.com/DIG-Network/digstore/chunker"
	"github.com/DIG-Network/digstore/derrors"
	"github.com/DIG-Network/digstore/hash"
	"github.com/DIG-Network/digstore/layer"
	"github.com/DIG-Network/digstore/staging"
)

const (
	archiveFileName = "store.dig"
	stagingFileName = "staging.db"

	// chunkCacheSize bounds the in-process chunk cache that Open creates
	// for each Store. Modeled on the teacher's simpleChunkSourceCache,
	// which bounds its own chunk cache the same way. No Store operation
	// reads from or adds to this cache.
	chunkCacheSize = 4096

	// DefaultFullLayerCadence and DefaultDeltaChainCap are the spec's
	// recommended defaults (spec §4.G): every 10th commit is Full
	// regardless of staged content, and a delta chain, counted together
	// with the Full layer it sits on, holds at most 10 layers — so no
	// more than 9 consecutive Delta layers chain before one is forced
	// Full.
	DefaultFullLayerCadence = 10
	DefaultDeltaChainCap    = 10
)

// Store is one store directory's open handle: its archive (read side),
// its staging area, and the chunking parameters fixed at Init time.
type Store struct {
	dir         string
	archivePath string

	mu      sync.Mutex
	reader  *archive.Reader
	staging *staging.Staging
	chunker *chunker.Chunker
	cache   *lru.TwoQueueCache[hash.Hash, []byte]
	log     *zap.Logger

	lzHash hash.Hash
	lz     layer.LayerZeroRecord
}

// Init creates a new store directory at dir: an archive file holding a
// single LayerZero record and an empty staging area. dir must not
// already contain an archive.
func Init(dir string, params chunker.Params, fullLayerCadence, deltaChainCap int) (*Store, error) {
	if err := params.Validate(); err != nil {
		return nil, derrors.InvalidArgument.New(err.Error())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, derrors.Wrap(derrors.Io, err, "create store directory")
	}

	archivePath := filepath.Join(dir, archiveFileName)
	if _, err := os.Stat(archivePath); err == nil {
		return nil, derrors.AlreadyExists.New("store already initialized at " + dir)
	} else if !os.IsNotExist(err) {
		return nil, derrors.Wrap(derrors.Io, err, "stat archive path")
	}

	storeID, err := newStoreID()
	if err != nil {
		return nil, err
	}

	if fullLayerCadence <= 0 {
		fullLayerCadence = DefaultFullLayerCadence
	}
	if deltaChainCap <= 0 {
		deltaChainCap = DefaultDeltaChainCap
	}

	lz := layer.LayerZeroRecord{
		StoreID:       storeID,
		FormatVersion: layer.FormatVersion,
		CreatedAtUnix: nowUnix(),
		Cadence: layer.CadenceConfig{
			Chunker: layer.ChunkerConfig{
				MinSize: params.MinSize,
				AvgSize: params.AvgSize,
				MaxSize: params.MaxSize,
			},
			FullLayerCadence: fullLayerCadence,
			DeltaChainCap:    deltaChainCap,
		},
	}

	w, err := archive.OpenWriter(archivePath)
	if err != nil {
		return nil, err
	}
	lzLayer := &layer.Layer{Header: layer.Header{Kind: layer.KindHeader, TimestampUnix: nowUnix()}, LayerZero: lz}
	if _, err := w.AppendLayer(lzLayer, layer.CompressionNone, nil); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	st, err := staging.Open(filepath.Join(dir, stagingFileName))
	if err != nil {
		return nil, err
	}
	if err := st.Close(); err != nil {
		return nil, derrors.Wrap(derrors.Io, err, "close staging database")
	}

	return Open(dir)
}

// Open reopens an existing store directory.
func Open(dir string) (*Store, error) {
	archivePath := filepath.Join(dir, archiveFileName)
	r, err := archive.Open(archivePath)
	if err != nil {
		return nil, err
	}

	gens := r.HeaderGenerations()
	if len(gens) == 0 {
		r.Close()
		return nil, derrors.Corrupt.New("archive has no LayerZero record")
	}
	current := gens[0]
	for _, e := range gens[1:] {
		if e.Generation > current.Generation {
			current = e
		}
	}
	lzLayer, _, err := r.Layer(current.LayerHash)
	if err != nil {
		r.Close()
		return nil, err
	}

	params := chunker.Params{
		MinSize: lzLayer.LayerZero.Cadence.Chunker.MinSize,
		AvgSize: lzLayer.LayerZero.Cadence.Chunker.AvgSize,
		MaxSize: lzLayer.LayerZero.Cadence.Chunker.MaxSize,
	}
	if err := params.Validate(); err != nil {
		r.Close()
		return nil, derrors.Corrupt.New("stored chunker params invalid: " + err.Error())
	}

	st, err := staging.Open(filepath.Join(dir, stagingFileName))
	if err != nil {
		r.Close()
		return nil, err
	}

	cache, err := lru.New2Q[hash.Hash, []byte](chunkCacheSize)
	if err != nil {
		r.Close()
		st.Close()
		return nil, derrors.Wrap(derrors.Io, err, "create chunk cache")
	}

	log, err := zap.NewProduction()
	if err != nil {
		log = zap.NewNop()
	}

	return &Store{
		dir:         dir,
		archivePath: archivePath,
		reader:      r,
		staging:     st,
		chunker:     chunker.New(params),
		cache:       cache,
		log:         log,
		lzHash:      current.LayerHash,
		lz:          lzLayer.LayerZero,
	}, nil
}

// Close releases the store's archive mapping, staging database, and
// logger.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	if err := s.staging.Close(); err != nil && first == nil {
		first = err
	}
	if err := s.reader.Close(); err != nil && first == nil {
		first = err
	}
	_ = s.log.Sync()
	return first
}

// StoreID returns the store's 32-byte, hex-encoded identity (spec §3).
func (s *Store) StoreID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lz.StoreID
}

// Archive returns the store's open archive reader, for callers (e.g.
// the retrieval package) that resolve URNs directly against it.
func (s *Store) Archive() *archive.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader
}

// CurrentRoot returns the store's most recently committed root hash, or
// false if nothing has been committed yet.
func (s *Store) CurrentRoot() (hash.Hash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lz.CurrentRoot()
	return e.RootHash, ok
}

// Add stages path's content read from r, chunked with the store's fixed
// chunking parameters (spec §4.F). It does not touch the archive. ctx
// is checked at chunk boundaries (spec §5); canceling it aborts
// chunking a large file without touching the archive at all.
func (s *Store) Add(ctx context.Context, path string, r io.Reader, mode uint32, modTimeUnix int64) (chunk.Record, error) {
	s.mu.Lock()
	c := s.chunker
	st := s.staging
	s.mu.Unlock()
	return st.Add(ctx, path, r, c, mode, modTimeUnix)
}

// StagedFiles lists every file currently staged for the next commit.
func (s *Store) StagedFiles() ([]chunk.Record, error) {
	s.mu.Lock()
	st := s.staging
	s.mu.Unlock()
	return st.List()
}
