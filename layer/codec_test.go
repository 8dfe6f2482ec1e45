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

package layer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DIG-Network/digstore/chunk"
	"github.com/DIG-Network/digstore/hash"
	"github.com/DIG-Network/digstore/layer"
)

func sampleLayer() (*layer.Layer, map[hash.Hash][]byte) {
	chunkA := hash.Of([]byte("chunk-a"))
	chunkB := hash.Of([]byte("chunk-b"))

	files := []chunk.Record{
		{
			Path: "a.txt",
			Hash: hash.Of([]byte("a.txt-contents")),
			Size: 14,
			Chunks: []chunk.Ref{
				{Hash: chunkA, OffsetInFile: 0, Length: 7},
				{Hash: chunkB, OffsetInFile: 7, Length: 7},
			},
			Mode:        0o644,
			ModTimeUnix: 1700000000,
		},
	}

	l := &layer.Layer{
		Header: layer.Header{
			Kind:          layer.KindFull,
			Generation:    3,
			TimestampUnix: 1700000000,
			ParentHash:    hash.Of([]byte("parent")),
		},
		Meta: layer.Metadata{
			Author:      "tester",
			Message:     "sample commit",
			Compression: layer.CompressionZstd,
		},
		Files: files,
		ChunkTable: []layer.ChunkSpan{
			{Hash: chunkA},
			{Hash: chunkB},
		},
		MerkleLeaves: []hash.Hash{files[0].Hash},
	}

	bytesByHash := map[hash.Hash][]byte{
		chunkA: []byte("1234567"),
		chunkB: []byte("abcdefg"),
	}
	return l, bytesByHash
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	l, payload := sampleLayer()

	blob, layerHash, err := layer.Encode(l, layer.CompressionZstd, payload)
	require.NoError(t, err)
	require.Equal(t, hash.Of(blob), layerHash)

	decoded, err := layer.Decode(blob)
	require.NoError(t, err)

	require.Equal(t, l.Files, decoded.Files)
	require.Equal(t, l.MerkleLeaves, decoded.MerkleLeaves)
	require.Equal(t, l.Meta, decoded.Meta)
	require.Len(t, decoded.ChunkTable, 2)

	payloadBytes := layer.ChunkPayloadSlice(blob, decoded)
	for _, span := range decoded.ChunkTable {
		raw, err := layer.Decompress(layer.CompressionZstd, payloadBytes[span.Offset:span.Offset+span.Length])
		require.NoError(t, err)
		require.Equal(t, payload[span.Hash], raw)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	l1, payload1 := sampleLayer()
	l2, payload2 := sampleLayer()

	blob1, hash1, err := layer.Encode(l1, layer.CompressionZstd, payload1)
	require.NoError(t, err)
	blob2, hash2, err := layer.Encode(l2, layer.CompressionZstd, payload2)
	require.NoError(t, err)

	require.Equal(t, blob1, blob2)
	require.Equal(t, hash1, hash2)
}

func TestEncodeDecodeLayerZero(t *testing.T) {
	lz := layer.LayerZeroRecord{
		StoreID:       "store-123",
		FormatVersion: 1,
		CreatedAtUnix: 1700000000,
		Cadence: layer.CadenceConfig{
			Chunker:          layer.ChunkerConfig{MinSize: 1 << 19, AvgSize: 1 << 20, MaxSize: 1 << 22},
			FullLayerCadence: 10,
			DeltaChainCap:    10,
		},
	}
	lz = lz.WithAppendedRoot(layer.RootHistoryEntry{
		Generation: 1,
		RootHash:   hash.Of([]byte("root-1")),
		Timestamp:  1700000001,
		LayerCount: 2,
	})

	l := &layer.Layer{
		Header:    layer.Header{Kind: layer.KindHeader},
		LayerZero: lz,
	}

	blob, _, err := layer.Encode(l, layer.CompressionNone, nil)
	require.NoError(t, err)

	decoded, err := layer.Decode(blob)
	require.NoError(t, err)
	require.Equal(t, layer.KindHeader, decoded.Header.Kind)
	require.Equal(t, lz, decoded.LayerZero)

	current, ok := decoded.LayerZero.CurrentRoot()
	require.True(t, ok)
	require.EqualValues(t, 1, current.Generation)
}

func TestDecodeRejectsTruncatedBlob(t *testing.T) {
	l, payload := sampleLayer()
	blob, _, err := layer.Encode(l, layer.CompressionZstd, payload)
	require.NoError(t, err)

	_, err = layer.Decode(blob[:len(blob)-10])
	require.Error(t, err)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	l, payload := sampleLayer()
	blob, _, err := layer.Encode(l, layer.CompressionZstd, payload)
	require.NoError(t, err)

	corrupt := append([]byte{}, blob...)
	corrupt[0] = 'X'
	_, err = layer.Decode(corrupt)
	require.Error(t, err)
}
