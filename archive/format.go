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

// Package archive implements the single-file container that holds every
// layer blob a store has ever committed (spec §3/§4.E): a fixed 64-byte
// header, a layer index (one 80-byte entry per layer), and the data
// region — layer blobs concatenated back to back, in commit order. A
// commit appends its new blob to the end of the data region, rewrites
// the index to include it, then rewrites the header last; readers only
// ever observe either the pre- or the post-commit file, never a torn
// one, because Writer publishes every commit via a whole-file temp +
// rename rather than patching bytes in place.
//
// A reader only ever needs the header and index resident; layer bytes
// are served by memory-mapping the whole file and slicing out one blob
// (or, within a blob, one chunk span) at a time.
package archive

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/DIG-Network/digstore/derrors"
	"github.com/DIG-Network/digstore/hash"
	"github.com/DIG-Network/digstore/layer"
)

// Magic tags every archive file's header (spec §3/§6.1).
var Magic = [8]byte{'D', 'I', 'G', 'A', 'R', 'C', 'H', 0}

// FormatVersion is the only archive version this build understands.
const FormatVersion = 1

// HeaderSize is the fixed width of an archive file's header.
const HeaderSize = 64

// IndexEntrySize is the fixed width of one layer index entry.
const IndexEntrySize = 80

// Header is the archive file's fixed-size prefix (spec §3).
type Header struct {
	Version     uint16
	LayerCount  uint32
	IndexOffset uint64
	IndexSize   uint64
	DataOffset  uint64
	DataSize    uint64
}

func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], Magic[:])
	binary.LittleEndian.PutUint16(buf[8:10], h.Version)
	binary.LittleEndian.PutUint32(buf[10:14], h.LayerCount)
	binary.LittleEndian.PutUint64(buf[14:22], h.IndexOffset)
	binary.LittleEndian.PutUint64(buf[22:30], h.IndexSize)
	binary.LittleEndian.PutUint64(buf[30:38], h.DataOffset)
	binary.LittleEndian.PutUint64(buf[38:46], h.DataSize)
	crc := crc32.ChecksumIEEE(buf[0:46])
	binary.LittleEndian.PutUint32(buf[46:50], crc)
	// buf[50:HeaderSize] is reserved, left zeroed.
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, derrors.Corrupt.New("archive shorter than header")
	}
	if string(buf[0:8]) != string(Magic[:]) {
		return Header{}, derrors.Corrupt.New("bad archive magic")
	}
	var h Header
	h.Version = binary.LittleEndian.Uint16(buf[8:10])
	if h.Version != FormatVersion {
		return Header{}, derrors.UnsupportedVersion.New("archive format")
	}
	h.LayerCount = binary.LittleEndian.Uint32(buf[10:14])
	h.IndexOffset = binary.LittleEndian.Uint64(buf[14:22])
	h.IndexSize = binary.LittleEndian.Uint64(buf[22:30])
	h.DataOffset = binary.LittleEndian.Uint64(buf[30:38])
	h.DataSize = binary.LittleEndian.Uint64(buf[38:46])
	wantCRC := binary.LittleEndian.Uint32(buf[46:50])
	if crc32.ChecksumIEEE(buf[0:46]) != wantCRC {
		return Header{}, derrors.Corrupt.New("archive header checksum mismatch")
	}
	return h, nil
}

// IndexEntry locates and classifies one layer blob within the archive's
// data region. DataOffset is absolute from the start of the file.
type IndexEntry struct {
	LayerHash   hash.Hash
	DataOffset  uint64
	DataSize    uint64
	Generation  uint64
	Kind        layer.Kind
	Compression layer.CompressionCode
	CRC32       uint32
}

func (e IndexEntry) encode() []byte {
	buf := make([]byte, IndexEntrySize)
	copy(buf[0:32], e.LayerHash[:])
	binary.LittleEndian.PutUint64(buf[32:40], e.DataOffset)
	binary.LittleEndian.PutUint64(buf[40:48], e.DataSize)
	buf[48] = byte(e.Compression)
	binary.LittleEndian.PutUint32(buf[49:53], e.CRC32)
	// bytes [53:62) carry generation and kind, a convenience beyond the
	// spec's minimum entry fields, still inside the entry's reserved
	// span.
	binary.LittleEndian.PutUint64(buf[53:61], e.Generation)
	buf[61] = byte(e.Kind)
	// buf[62:80) is reserved, left zeroed.
	return buf
}

func decodeIndexEntry(buf []byte) (IndexEntry, error) {
	if len(buf) < IndexEntrySize {
		return IndexEntry{}, derrors.Corrupt.New("truncated index entry")
	}
	var e IndexEntry
	copy(e.LayerHash[:], buf[0:32])
	e.DataOffset = binary.LittleEndian.Uint64(buf[32:40])
	e.DataSize = binary.LittleEndian.Uint64(buf[40:48])
	e.Compression = layer.CompressionCode(buf[48])
	e.CRC32 = binary.LittleEndian.Uint32(buf[49:53])
	e.Generation = binary.LittleEndian.Uint64(buf[53:61])
	e.Kind = layer.Kind(buf[61])
	return e, nil
}

func encodeIndex(entries []IndexEntry) []byte {
	buf := make([]byte, 0, len(entries)*IndexEntrySize)
	for _, e := range entries {
		buf = append(buf, e.encode()...)
	}
	return buf
}

func decodeIndex(buf []byte, count uint32) ([]IndexEntry, error) {
	if uint64(len(buf)) < uint64(count)*IndexEntrySize {
		return nil, derrors.Corrupt.New("archive index truncated")
	}
	entries := make([]IndexEntry, count)
	for i := uint32(0); i < count; i++ {
		e, err := decodeIndexEntry(buf[i*IndexEntrySize : (i+1)*IndexEntrySize])
		if err != nil {
			return nil, err
		}
		entries[i] = e
	}
	return entries, nil
}
