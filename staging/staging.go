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

// Package staging holds the persistent, crash-safe path → StagedFile map
// a store keeps between add and commit (spec §4.F). It is backed by
// go.etcd.io/bbolt: every add is one bbolt write transaction covering
// both the staged record and any new dedup'd chunk bytes, so a crash
// mid-add leaves bbolt's own commit boundary as the record-checksum the
// spec calls for — there is nothing left for this package to validate on
// reopen.
package staging

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/DIG-Network/digstore/chunk"
	"github.com/DIG-Network/digstore/chunker"
	"github.com/DIG-Network/digstore/derrors"
	"github.com/DIG-Network/digstore/hash"
)

var filesBucket = []byte("files")
var chunksBucket = []byte("chunks")

// Staging is one store's pending-commit area.
type Staging struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the staging database at path.
func Open(path string) (*Staging, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, derrors.Wrap(derrors.Io, err, "open staging database")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(filesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(chunksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, derrors.Wrap(derrors.Io, err, "initialize staging buckets")
	}

	return &Staging{db: db}, nil
}

// Close releases the staging database.
func (s *Staging) Close() error {
	return s.db.Close()
}

// Add chunks r with c and stages the result under path, deduplicating
// chunk bytes already held in staging by hash. Chunking, hashing, and
// the bbolt Puts happen one chunk at a time off c.Stream, but all of
// them run inside a single bbolt write transaction, and bbolt keeps
// every value Put in a transaction in memory until it commits: the
// bytes of each chunk not already staged stay in memory until Add's
// transaction ends, so peak heap grows with the amount of new content
// in the file. ctx is checked at every chunk boundary (spec §5), so a
// caller can abort chunking a large file without waiting for it to
// finish.
func (s *Staging) Add(ctx context.Context, path string, r io.Reader, c *chunker.Chunker, mode uint32, modTimeUnix int64) (chunk.Record, error) {
	fileHasher := hash.NewStreamHasher()
	var refs []chunk.Ref
	var size int64

	err := s.db.Update(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(chunksBucket)
		cs := c.Stream(r)
		for {
			if err := ctx.Err(); err != nil {
				return derrors.Wrap(derrors.Cancelled, err, "stage "+path)
			}

			ch, data, err := cs.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return derrors.Wrap(derrors.Io, err, "chunk input for "+path)
			}

			fileHasher.Write(data)
			refs = append(refs, chunk.Ref{Hash: ch.Hash, OffsetInFile: ch.Offset, Length: ch.Length})
			size += ch.Length

			if cb.Get(ch.Hash[:]) != nil {
				continue
			}
			if err := cb.Put(ch.Hash[:], data); err != nil {
				return derrors.Wrap(derrors.Io, err, "stage chunk for "+path)
			}
		}

		record := chunk.Record{
			Path:        path,
			Hash:        fileHasher.Sum(),
			Size:        size,
			Chunks:      refs,
			Mode:        mode,
			ModTimeUnix: modTimeUnix,
		}
		if err := record.Validate(); err != nil {
			return derrors.InvalidArgument.New(err.Error())
		}
		recordBytes, err := encodeRecord(record)
		if err != nil {
			return err
		}
		if err := tx.Bucket(filesBucket).Put([]byte(path), recordBytes); err != nil {
			return derrors.Wrap(derrors.Io, err, "stage file "+path)
		}
		return nil
	})
	if err != nil {
		return chunk.Record{}, err
	}

	return s.recordFor(path)
}

// recordFor re-reads path's just-staged record, so Add returns the
// exact persisted value without keeping a second copy alive across the
// transaction closure above.
func (s *Staging) recordFor(path string) (chunk.Record, error) {
	var rec chunk.Record
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(filesBucket).Get([]byte(path))
		if v == nil {
			return nil
		}
		ok = true
		var err error
		rec, err = decodeRecord(v)
		return err
	})
	if err != nil {
		return chunk.Record{}, derrors.Wrap(derrors.Io, err, "read staged record "+path)
	}
	if !ok {
		return chunk.Record{}, derrors.NotFound.New("staged record " + path)
	}
	return rec, nil
}

// List returns every currently staged record, ordered by path.
func (s *Staging) List() ([]chunk.Record, error) {
	var records []chunk.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, derrors.Wrap(derrors.Io, err, "list staged files")
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return records, nil
}

// ChunkBytes returns the staged raw bytes for chunk h, if present.
func (s *Staging) ChunkBytes(h hash.Hash) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(chunksBucket).Get(h[:])
		if v == nil {
			return nil
		}
		out = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, false, derrors.Wrap(derrors.Io, err, "read staged chunk")
	}
	return out, out != nil, nil
}

// Clear atomically discards every staged record and chunk, called after
// a successful commit.
func (s *Staging) Clear() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(filesBucket); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		if err := tx.DeleteBucket(chunksBucket); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		if _, err := tx.CreateBucket(filesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(chunksBucket)
		return err
	})
	if err != nil {
		return derrors.Wrap(derrors.Io, err, "clear staging")
	}
	return nil
}

func encodeRecord(r chunk.Record) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(data []byte) (chunk.Record, error) {
	var r chunk.Record
	err := json.Unmarshal(data, &r)
	return r, err
}
