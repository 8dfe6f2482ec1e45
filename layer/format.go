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

// Package layer encodes and decodes one layer blob: the immutable,
// hash-identified unit an archive stores one of per commit (spec §4.D).
//
// A blob is five contiguous sections: a fixed header, a variable
// metadata record, a file table + chunk table, a merkle leaf list, and
// the chunk payload. Encoding is stable — the same Layer value always
// produces byte-identical output, which is what makes layer_hash a pure
// function of content and lets readers verify a blob against its own
// name.
package layer

import (
	"encoding/binary"
	"io"

	"github.com/DIG-Network/digstore/derrors"
	"github.com/DIG-Network/digstore/hash"
)

// Magic is the 4-byte tag every layer blob begins with (spec §6.2).
var Magic = [4]byte{'D', 'L', 'A', 'Y'}

// FormatVersion is the only layer blob version this build understands.
const FormatVersion = 1

// HeaderSize is the fixed width of a layer blob's header section.
const HeaderSize = 256

// Kind distinguishes a metadata-only LayerZero record from a file-tree
// snapshot, and a snapshot that stores every chunk it references (Full)
// from one that omits chunks reachable via an ancestor (Delta).
type Kind uint8

const (
	KindHeader Kind = iota
	KindFull
	KindDelta
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindFull:
		return "full"
	case KindDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// Header is the fixed-size prefix of a layer blob.
type Header struct {
	Version         uint16
	Kind            Kind
	Flags           uint8
	Generation      uint64
	TimestampUnix   int64
	ParentHash      hash.Hash
	FileCount       uint32
	ChunkCount      uint32
	MetadataLen     uint32
	MerkleLen       uint32
	ChunkDataOffset uint64
	ChunkDataLen    uint64
}

// encode writes h as HeaderSize bytes of little-endian, packed fields.
func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = byte(h.Kind)
	buf[7] = h.Flags
	binary.LittleEndian.PutUint64(buf[8:16], h.Generation)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.TimestampUnix))
	copy(buf[24:56], h.ParentHash[:])
	binary.LittleEndian.PutUint32(buf[56:60], h.FileCount)
	binary.LittleEndian.PutUint32(buf[60:64], h.ChunkCount)
	binary.LittleEndian.PutUint32(buf[64:68], h.MetadataLen)
	binary.LittleEndian.PutUint32(buf[68:72], h.MerkleLen)
	binary.LittleEndian.PutUint64(buf[72:80], h.ChunkDataOffset)
	binary.LittleEndian.PutUint64(buf[80:88], h.ChunkDataLen)
	// buf[88:HeaderSize] is reserved, left zeroed.
	return buf
}

// decodeHeader parses the fixed header prefix of a layer blob.
func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, derrors.Corrupt.New("layer blob shorter than header")
	}
	if string(buf[0:4]) != string(Magic[:]) {
		return Header{}, derrors.Corrupt.New("bad layer magic")
	}

	var h Header
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	if h.Version != FormatVersion {
		return Header{}, derrors.UnsupportedVersion.New("layer format")
	}
	h.Kind = Kind(buf[6])
	h.Flags = buf[7]
	h.Generation = binary.LittleEndian.Uint64(buf[8:16])
	h.TimestampUnix = int64(binary.LittleEndian.Uint64(buf[16:24]))
	copy(h.ParentHash[:], buf[24:56])
	h.FileCount = binary.LittleEndian.Uint32(buf[56:60])
	h.ChunkCount = binary.LittleEndian.Uint32(buf[60:64])
	h.MetadataLen = binary.LittleEndian.Uint32(buf[64:68])
	h.MerkleLen = binary.LittleEndian.Uint32(buf[68:72])
	h.ChunkDataOffset = binary.LittleEndian.Uint64(buf[72:80])
	h.ChunkDataLen = binary.LittleEndian.Uint64(buf[80:88])
	return h, nil
}

// PeekHeader decodes only the fixed header from r, leaving the rest of
// the blob unread, so a layer can be classified (LayerZero vs. snapshot,
// Full vs. Delta) without paying for a full decode. The archive reader
// does not call it; it classifies layers from their index entries.
func PeekHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}
	return decodeHeader(buf)
}
