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

package layer

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/DIG-Network/digstore/chunk"
	"github.com/DIG-Network/digstore/derrors"
	"github.com/DIG-Network/digstore/hash"
	"github.com/DIG-Network/digstore/merkle"
)

// ChunkSpan locates one physically-present chunk's on-disk (possibly
// compressed) bytes within a layer blob's chunk payload region.
type ChunkSpan struct {
	Hash   hash.Hash
	Offset uint64
	Length uint64
}

// Layer is the fully decoded in-memory form of one layer blob.
type Layer struct {
	Header Header

	// Meta is populated for Full/Delta layers.
	Meta Metadata
	// LayerZero is populated for the Header-kind layer.
	LayerZero LayerZeroRecord

	// Files is the file table, sorted by Path. Empty for Header layers.
	Files []chunk.Record

	// ChunkTable lists the chunks this layer physically stores, in the
	// order they appear in the chunk payload.
	ChunkTable []ChunkSpan

	// MerkleLeaves are the file hashes in sorted-path order used to
	// build the layer's merkle tree; Root() rebuilds the tree from them
	// on every call.
	MerkleLeaves []hash.Hash
}

// Root returns the merkle root over MerkleLeaves.
func (l *Layer) Root() hash.Hash {
	return merkle.Build(l.MerkleLeaves).Root()
}

// Encode serializes l into a layer blob and returns the blob's bytes
// together with its content hash (the layer's identity, spec §3).
// chunkBytes supplies the pre-compression bytes for every entry in
// l.ChunkTable, keyed by hash; Encode compresses each one independently
// under compression before writing it, so any later reader can slice out
// a single chunk's on-disk span without touching the rest of the payload.
func Encode(l *Layer, compression CompressionCode, chunkBytes map[hash.Hash][]byte) ([]byte, hash.Hash, error) {
	metaBytes, err := encodeMetaSection(l)
	if err != nil {
		return nil, hash.Hash{}, err
	}

	tableBytes, err := encodeTables(l)
	if err != nil {
		return nil, hash.Hash{}, err
	}

	merkleBytes := encodeMerkleLeaves(l.MerkleLeaves)

	payload := new(bytes.Buffer)
	spans := make([]ChunkSpan, 0, len(l.ChunkTable))
	var offset uint64
	for _, span := range l.ChunkTable {
		raw, ok := chunkBytes[span.Hash]
		if !ok {
			return nil, hash.Hash{}, derrors.InvalidArgument.New("missing bytes for chunk " + span.Hash.String())
		}
		compressed, err := Compress(compression, raw)
		if err != nil {
			return nil, hash.Hash{}, err
		}
		spans = append(spans, ChunkSpan{Hash: span.Hash, Offset: offset, Length: uint64(len(compressed))})
		payload.Write(compressed)
		offset += uint64(len(compressed))
	}
	l.ChunkTable = spans

	// Chunk table bytes depend on final offsets, so it is encoded after
	// the payload loop above recomputes them.
	chunkTableBytes := encodeChunkTable(spans)
	tablesAndChunkTable := append(append([]byte{}, tableBytes...), chunkTableBytes...)

	h := l.Header
	h.Version = FormatVersion
	h.FileCount = uint32(len(l.Files))
	h.ChunkCount = uint32(len(spans))
	h.MetadataLen = uint32(len(metaBytes))
	h.MerkleLen = uint32(len(merkleBytes))
	h.ChunkDataOffset = uint64(HeaderSize) + uint64(len(metaBytes)) + uint64(len(tablesAndChunkTable)) + uint64(len(merkleBytes))
	h.ChunkDataLen = uint64(payload.Len())

	blob := new(bytes.Buffer)
	blob.Write(h.encode())
	blob.Write(metaBytes)
	blob.Write(tablesAndChunkTable)
	blob.Write(merkleBytes)
	blob.Write(payload.Bytes())

	out := blob.Bytes()
	return out, hash.Of(out), nil
}

func encodeMetaSection(l *Layer) ([]byte, error) {
	if l.Header.Kind == KindHeader {
		return EncodeLayerZero(l.LayerZero)
	}
	return EncodeMetadata(l.Meta)
}

func encodeTables(l *Layer) ([]byte, error) {
	buf := new(bytes.Buffer)
	for _, f := range l.Files {
		if err := f.Validate(); err != nil {
			return nil, derrors.InvalidArgument.New(err.Error())
		}
		if len(f.Path) > math.MaxUint16 {
			return nil, derrors.InvalidArgument.New("path too long")
		}
		writeUint16(buf, uint16(len(f.Path)))
		buf.WriteString(f.Path)
		writeUint64(buf, uint64(f.Size))
		buf.Write(f.Hash[:])
		writeUint32(buf, f.Mode)
		writeInt64(buf, f.ModTimeUnix)
		writeUint32(buf, uint32(len(f.Chunks)))
		for _, ref := range f.Chunks {
			buf.Write(ref.Hash[:])
			writeUint64(buf, uint64(ref.OffsetInFile))
			writeUint64(buf, uint64(ref.Length))
		}
	}
	return buf.Bytes(), nil
}

func encodeChunkTable(spans []ChunkSpan) []byte {
	buf := new(bytes.Buffer)
	for _, s := range spans {
		buf.Write(s.Hash[:])
		writeUint64(buf, s.Offset)
		writeUint64(buf, s.Length)
	}
	return buf.Bytes()
}

func encodeMerkleLeaves(leaves []hash.Hash) []byte {
	buf := new(bytes.Buffer)
	for _, h := range leaves {
		buf.Write(h[:])
	}
	return buf.Bytes()
}

func writeUint16(buf *bytes.Buffer, v uint16) { _ = binary.Write(buf, binary.LittleEndian, v) }
func writeUint32(buf *bytes.Buffer, v uint32) { _ = binary.Write(buf, binary.LittleEndian, v) }
func writeUint64(buf *bytes.Buffer, v uint64) { _ = binary.Write(buf, binary.LittleEndian, v) }
func writeInt64(buf *bytes.Buffer, v int64)   { _ = binary.Write(buf, binary.LittleEndian, v) }

// Decode parses a complete layer blob previously produced by Encode.
// Chunk payload bytes are returned as on-disk (still compressed) spans;
// callers use Decompress with the archive-supplied CompressionCode to
// recover raw bytes for any span they need.
func Decode(blob []byte) (*Layer, error) {
	if len(blob) < HeaderSize {
		return nil, derrors.Corrupt.New("layer blob truncated")
	}
	h, err := decodeHeader(blob[:HeaderSize])
	if err != nil {
		return nil, err
	}

	cursor := HeaderSize
	metaEnd := cursor + int(h.MetadataLen)
	if metaEnd > len(blob) {
		return nil, derrors.Corrupt.New("layer metadata section truncated")
	}
	metaBytes := blob[cursor:metaEnd]
	cursor = metaEnd

	l := &Layer{Header: h}

	if h.Kind == KindHeader {
		lz, err := DecodeLayerZero(metaBytes)
		if err != nil {
			return nil, derrors.Corrupt.New("bad layerzero metadata: " + err.Error())
		}
		l.LayerZero = lz
		return l, nil
	}

	meta, err := DecodeMetadata(metaBytes)
	if err != nil {
		return nil, derrors.Corrupt.New("bad layer metadata: " + err.Error())
	}
	l.Meta = meta

	files, n, err := decodeFileTable(blob[cursor:], int(h.FileCount))
	if err != nil {
		return nil, err
	}
	l.Files = files
	cursor += n

	spans, n, err := decodeChunkTable(blob[cursor:], int(h.ChunkCount))
	if err != nil {
		return nil, err
	}
	l.ChunkTable = spans
	cursor += n

	merkleEnd := cursor + int(h.MerkleLen)
	if merkleEnd > len(blob) {
		return nil, derrors.Corrupt.New("layer merkle section truncated")
	}
	leaves, err := decodeMerkleLeaves(blob[cursor:merkleEnd])
	if err != nil {
		return nil, err
	}
	l.MerkleLeaves = leaves
	cursor = merkleEnd

	if uint64(cursor) != h.ChunkDataOffset {
		return nil, derrors.Corrupt.New("layer chunk data offset mismatch")
	}
	if h.ChunkDataOffset+h.ChunkDataLen > uint64(len(blob)) {
		return nil, derrors.Corrupt.New("layer chunk payload truncated")
	}

	return l, nil
}

// ChunkPayloadSlice returns the raw on-disk bytes of blob's chunk payload
// region, for callers that already hold the decoded Layer and want to
// slice out individual spans by offset/length.
func ChunkPayloadSlice(blob []byte, l *Layer) []byte {
	return blob[l.Header.ChunkDataOffset : l.Header.ChunkDataOffset+l.Header.ChunkDataLen]
}

func decodeFileTable(buf []byte, count int) ([]chunk.Record, int, error) {
	r := bytes.NewReader(buf)
	files := make([]chunk.Record, 0, count)
	for i := 0; i < count; i++ {
		var pathLen uint16
		if err := binary.Read(r, binary.LittleEndian, &pathLen); err != nil {
			return nil, 0, derrors.Corrupt.New("truncated file table")
		}
		pathBytes := make([]byte, pathLen)
		if _, err := io.ReadFull(r, pathBytes); err != nil {
			return nil, 0, derrors.Corrupt.New("truncated file path")
		}

		var size uint64
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, 0, derrors.Corrupt.New("truncated file size")
		}
		var fh hash.Hash
		if _, err := io.ReadFull(r, fh[:]); err != nil {
			return nil, 0, derrors.Corrupt.New("truncated file hash")
		}
		var mode uint32
		if err := binary.Read(r, binary.LittleEndian, &mode); err != nil {
			return nil, 0, derrors.Corrupt.New("truncated file mode")
		}
		var modTime int64
		if err := binary.Read(r, binary.LittleEndian, &modTime); err != nil {
			return nil, 0, derrors.Corrupt.New("truncated file modtime")
		}
		var refCount uint32
		if err := binary.Read(r, binary.LittleEndian, &refCount); err != nil {
			return nil, 0, derrors.Corrupt.New("truncated chunk ref count")
		}

		refs := make([]chunk.Ref, 0, refCount)
		for j := uint32(0); j < refCount; j++ {
			var ch hash.Hash
			if _, err := io.ReadFull(r, ch[:]); err != nil {
				return nil, 0, derrors.Corrupt.New("truncated chunk ref hash")
			}
			var off, length uint64
			if err := binary.Read(r, binary.LittleEndian, &off); err != nil {
				return nil, 0, derrors.Corrupt.New("truncated chunk ref offset")
			}
			if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
				return nil, 0, derrors.Corrupt.New("truncated chunk ref length")
			}
			refs = append(refs, chunk.Ref{Hash: ch, OffsetInFile: int64(off), Length: int64(length)})
		}

		files = append(files, chunk.Record{
			Path:        string(pathBytes),
			Hash:        fh,
			Size:        int64(size),
			Chunks:      refs,
			Mode:        mode,
			ModTimeUnix: modTime,
		})
	}

	consumed := len(buf) - r.Len()
	return files, consumed, nil
}

func decodeChunkTable(buf []byte, count int) ([]ChunkSpan, int, error) {
	r := bytes.NewReader(buf)
	spans := make([]ChunkSpan, 0, count)
	for i := 0; i < count; i++ {
		var h hash.Hash
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return nil, 0, derrors.Corrupt.New("truncated chunk table hash")
		}
		var off, length uint64
		if err := binary.Read(r, binary.LittleEndian, &off); err != nil {
			return nil, 0, derrors.Corrupt.New("truncated chunk table offset")
		}
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, 0, derrors.Corrupt.New("truncated chunk table length")
		}
		spans = append(spans, ChunkSpan{Hash: h, Offset: off, Length: length})
	}
	consumed := len(buf) - r.Len()
	return spans, consumed, nil
}

func decodeMerkleLeaves(buf []byte) ([]hash.Hash, error) {
	if len(buf)%hash.ByteLen != 0 {
		return nil, derrors.Corrupt.New("merkle leaf section not hash-aligned")
	}
	n := len(buf) / hash.ByteLen
	leaves := make([]hash.Hash, n)
	for i := 0; i < n; i++ {
		copy(leaves[i][:], buf[i*hash.ByteLen:(i+1)*hash.ByteLen])
	}
	return leaves, nil
}
