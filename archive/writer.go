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

package archive

import (
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/dolthub/fslock"
	"github.com/google/uuid"

	"github.com/DIG-Network/digstore/derrors"
	"github.com/DIG-Network/digstore/hash"
	"github.com/DIG-Network/digstore/layer"
)

// Writer serializes commits against one archive file. Only one Writer
// per path may hold the lock at a time (spec §5's one-writer model);
// readers never block on it since they only ever see a fully-renamed-
// into-place file.
type Writer struct {
	path string
	lock *fslock.Lock
}

// OpenWriter acquires the archive's exclusive writer lock and returns a
// Writer for path, which need not exist yet.
func OpenWriter(path string) (*Writer, error) {
	lock := fslock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, derrors.Wrap(derrors.Locked, err, "acquire archive writer lock")
	}
	return &Writer{path: path, lock: lock}, nil
}

// Close releases the writer lock.
func (w *Writer) Close() error {
	return w.lock.Unlock()
}

// Append writes one new layer blob to the data region and republishes
// the whole file. It is a one-item call to AppendBatch; see that
// method's doc for the durability guarantee.
func (w *Writer) Append(blob []byte, entry IndexEntry) error {
	return w.AppendBatch([]pendingEntry{{blob: blob, entry: entry}})
}

// pendingEntry is one not-yet-published blob/index-entry pair queued
// for AppendBatch.
type pendingEntry struct {
	blob  []byte
	entry IndexEntry
}

// AppendBatch writes every item in items to the data region and
// republishes the whole file in a single temp-write-plus-rename cycle —
// data, then index, then header, matching spec §4.E's "append to data
// region; add index entry; rewrite header" sequence — via a
// uniquely-named temporary sibling and an atomic rename, the spec's
// first blessed durability pattern. All of items become visible, or
// none do: there is no way to observe the archive with some items
// present and others missing, which is what makes it safe to use this
// for a commit's data layer and its LayerZero header layer together
// (spec §4.G step 6 / §8's at-most-once commit point). A reader that
// has the old file open via Open continues to see a complete,
// internally consistent archive until it reopens.
func (w *Writer) AppendBatch(items []pendingEntry) error {
	if len(items) == 0 {
		return nil
	}

	var priorData io.Reader
	var priorEntries []IndexEntry
	dataOffset := uint64(HeaderSize)
	nextOffset := dataOffset

	if existing, err := os.Open(w.path); err == nil {
		defer existing.Close()
		h, entries, err := readHeaderAndIndex(existing)
		if err != nil {
			return err
		}
		priorEntries = entries
		dataOffset = h.DataOffset
		if _, err := existing.Seek(int64(h.DataOffset), io.SeekStart); err != nil {
			return derrors.Wrap(derrors.Io, err, "seek archive")
		}
		priorData = io.LimitReader(existing, int64(h.DataSize))
		nextOffset = h.DataOffset + h.DataSize
	} else if !os.IsNotExist(err) {
		return derrors.Wrap(derrors.Io, err, "open archive for append")
	}

	newEntries := make([]IndexEntry, len(items))
	for i, item := range items {
		entry := item.entry
		entry.CRC32 = crc32.ChecksumIEEE(item.blob)
		entry.DataOffset = nextOffset
		entry.DataSize = uint64(len(item.blob))
		newEntries[i] = entry
		nextOffset += entry.DataSize
	}

	tmpPath := filepath.Join(filepath.Dir(w.path), "."+filepath.Base(w.path)+"."+uuid.NewString()+".tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return derrors.Wrap(derrors.Io, err, "create temp archive")
	}
	defer os.Remove(tmpPath)

	// Reserve the header's 64 bytes; it is written last, once every
	// other field it describes is known.
	if _, err := tmp.Write(make([]byte, HeaderSize)); err != nil {
		tmp.Close()
		return derrors.Wrap(derrors.Io, err, "reserve archive header")
	}

	if priorData != nil {
		if _, err := io.Copy(tmp, priorData); err != nil {
			tmp.Close()
			return derrors.Wrap(derrors.Io, err, "copy prior archive data")
		}
	}
	for _, item := range items {
		if _, err := tmp.Write(item.blob); err != nil {
			tmp.Close()
			return derrors.Wrap(derrors.Io, err, "write layer blob")
		}
	}

	allEntries := append(append([]IndexEntry{}, priorEntries...), newEntries...)
	indexBytes := encodeIndex(allEntries)
	indexOffset := nextOffset
	if _, err := tmp.Write(indexBytes); err != nil {
		tmp.Close()
		return derrors.Wrap(derrors.Io, err, "write archive index")
	}

	header := Header{
		Version:     FormatVersion,
		LayerCount:  uint32(len(allEntries)),
		IndexOffset: indexOffset,
		IndexSize:   uint64(len(indexBytes)),
		DataOffset:  dataOffset,
		DataSize:    indexOffset - dataOffset,
	}
	if _, err := tmp.WriteAt(header.encode(), 0); err != nil {
		tmp.Close()
		return derrors.Wrap(derrors.Io, err, "write archive header")
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return derrors.Wrap(derrors.Io, err, "fsync archive")
	}
	if err := tmp.Close(); err != nil {
		return derrors.Wrap(derrors.Io, err, "close temp archive")
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		return derrors.Wrap(derrors.Io, err, "publish archive")
	}
	return nil
}

// AppendLayer is the common-path helper: encode l, append it, and return
// the layer hash it was stored under.
func (w *Writer) AppendLayer(l *layer.Layer, compression layer.CompressionCode, chunkBytes map[hash.Hash][]byte) (hash.Hash, error) {
	hashes, err := w.AppendLayers([]*layer.Layer{l}, []layer.CompressionCode{compression}, []map[hash.Hash][]byte{chunkBytes})
	if err != nil {
		return hash.Hash{}, err
	}
	return hashes[0], nil
}

// AppendLayers encodes every layer in ls and publishes all of them in
// one AppendBatch call — one temp-write, one rename, one durability
// point for the whole group. Used by a commit to make its data layer
// and LayerZero header layer appear together or not at all.
func (w *Writer) AppendLayers(ls []*layer.Layer, compressions []layer.CompressionCode, chunkBytesList []map[hash.Hash][]byte) ([]hash.Hash, error) {
	items := make([]EncodedLayer, len(ls))
	for i, l := range ls {
		blob, layerHash, err := layer.Encode(l, compressions[i], chunkBytesList[i])
		if err != nil {
			return nil, err
		}
		items[i] = EncodedLayer{
			Blob:        blob,
			Hash:        layerHash,
			Generation:  l.Header.Generation,
			Kind:        l.Header.Kind,
			Compression: compressions[i],
		}
	}
	return w.AppendEncoded(items)
}

// EncodedLayer is an already-encoded layer blob queued for AppendEncoded,
// for callers that need to know one layer's hash before building the
// next (e.g. a LayerZero header layer whose root history names the data
// layer's hash) without losing the single-transaction publish guarantee.
type EncodedLayer struct {
	Blob        []byte
	Hash        hash.Hash
	Generation  uint64
	Kind        layer.Kind
	Compression layer.CompressionCode
}

// AppendEncoded publishes every item in items via one AppendBatch call
// and returns their hashes in order.
func (w *Writer) AppendEncoded(items []EncodedLayer) ([]hash.Hash, error) {
	pending := make([]pendingEntry, len(items))
	hashes := make([]hash.Hash, len(items))
	for i, it := range items {
		hashes[i] = it.Hash
		pending[i] = pendingEntry{
			blob: it.Blob,
			entry: IndexEntry{
				LayerHash:   it.Hash,
				Generation:  it.Generation,
				Kind:        it.Kind,
				Compression: it.Compression,
			},
		}
	}
	if err := w.AppendBatch(pending); err != nil {
		return nil, err
	}
	return hashes, nil
}
