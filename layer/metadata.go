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
	"encoding/json"

	"github.com/BurntSushi/toml"

	"github.com/DIG-Network/digstore/derrors"
	"github.com/DIG-Network/digstore/hash"
)

// Metadata is the variable key/value record carried by every snapshot
// (Full or Delta) layer: who committed it, the message they left, and
// any compression/author annotations a future tool might want. Author
// may be the literal string "not-disclosed" (spec §4.D).
type Metadata struct {
	Author string            `json:"author"`
	Message string           `json:"message"`
	Compression CompressionCode `json:"compression"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// EncodeMetadata serializes m for embedding in a layer blob's metadata
// section.
func EncodeMetadata(m Metadata) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMetadata parses a snapshot layer's metadata section.
func DecodeMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if len(data) == 0 {
		return m, nil
	}
	err := json.Unmarshal(data, &m)
	return m, err
}

// RootHistoryEntry is one entry of LayerZero's append-only root history
// (spec §3): the generation that became current, its root hash, when it
// happened, and how many layers the archive held at that point.
type RootHistoryEntry struct {
	Generation uint64    `json:"generation"`
	RootHash   hash.Hash `json:"root_hash"`
	Timestamp  int64     `json:"timestamp"`
	LayerCount uint32    `json:"layer_count"`
}

// ChunkerConfig records the chunking parameters a store was initialized
// with, so that every later read uses the exact same boundary rule
// regardless of what a future build's compiled-in defaults are (spec
// §4.B).
type ChunkerConfig struct {
	MinSize int `toml:"min_size"`
	AvgSize int `toml:"avg_size"`
	MaxSize int `toml:"max_size"`
}

// CadenceConfig is the chunker-cadence portion of a LayerZeroRecord: the
// boundary parameters plus the commit-shape settings (Full-layer
// cadence and delta-chain cap), which are set independently of them.
// spec.md is silent on this sub-record's wire encoding; it is fixed here
// as its own TOML blob (see SPEC_FULL.md §9) rather than folded into the
// surrounding JSON, so a plain TOML decoder can read the cadence config
// back out of a dumped metadata section without understanding the rest
// of the record.
type CadenceConfig struct {
	Chunker          ChunkerConfig `toml:"chunker"`
	FullLayerCadence int           `toml:"full_layer_cadence"`
	DeltaChainCap    int           `toml:"delta_chain_cap"`
}

// LayerZeroRecord is the metadata body of a Header-kind layer (spec §3).
// The header layer written at Init has generation 0; each commit writes
// a superseding header layer carrying that commit's generation, so the
// current record is the header layer with the highest generation. It is
// never a file snapshot: FileCount and ChunkCount in its Header are
// always zero.
type LayerZeroRecord struct {
	StoreID       string             `json:"store_id"`
	FormatVersion uint32             `json:"format_version"`
	CreatedAtUnix int64              `json:"created_at"`
	RootHistory   []RootHistoryEntry `json:"root_history"`
	Cadence       CadenceConfig      `json:"-"`
}

// CurrentRoot returns the most recent root history entry, or false if
// nothing has ever been committed.
func (lz LayerZeroRecord) CurrentRoot() (RootHistoryEntry, bool) {
	if len(lz.RootHistory) == 0 {
		return RootHistoryEntry{}, false
	}
	return lz.RootHistory[len(lz.RootHistory)-1], true
}

// WithAppendedRoot returns a copy of lz with a new root history entry
// appended. LayerZero is never mutated in place: each commit supersedes
// the previous header layer with a fresh one carrying the extended
// history (spec §9 — the chosen resolution of its LayerZero-mutation open
// question).
func (lz LayerZeroRecord) WithAppendedRoot(e RootHistoryEntry) LayerZeroRecord {
	next := lz
	next.RootHistory = append(append([]RootHistoryEntry{}, lz.RootHistory...), e)
	return next
}

// layerZeroEnvelope carries every LayerZeroRecord field except the
// cadence config, which is encoded separately as its own TOML blob.
type layerZeroEnvelope struct {
	StoreID       string             `json:"store_id"`
	FormatVersion uint32             `json:"format_version"`
	CreatedAtUnix int64              `json:"created_at"`
	RootHistory   []RootHistoryEntry `json:"root_history"`
}

// EncodeLayerZero serializes lz for embedding in a Header-kind layer
// blob's metadata section: a uint32-length-prefixed JSON envelope for
// the store identity and root history, followed by a uint32-length-
// prefixed TOML blob for the cadence config (spec §9).
func EncodeLayerZero(lz LayerZeroRecord) ([]byte, error) {
	envBytes, err := json.Marshal(layerZeroEnvelope{
		StoreID:       lz.StoreID,
		FormatVersion: lz.FormatVersion,
		CreatedAtUnix: lz.CreatedAtUnix,
		RootHistory:   lz.RootHistory,
	})
	if err != nil {
		return nil, err
	}

	var tomlBuf bytes.Buffer
	if err := toml.NewEncoder(&tomlBuf).Encode(lz.Cadence); err != nil {
		return nil, err
	}
	tomlBytes := tomlBuf.Bytes()

	buf := make([]byte, 4+len(envBytes)+4+len(tomlBytes))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(envBytes)))
	copy(buf[4:], envBytes)
	off := 4 + len(envBytes)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(tomlBytes)))
	copy(buf[off+4:], tomlBytes)
	return buf, nil
}

// DecodeLayerZero parses a Header-kind layer blob's metadata section
// produced by EncodeLayerZero.
func DecodeLayerZero(data []byte) (LayerZeroRecord, error) {
	if len(data) < 4 {
		return LayerZeroRecord{}, derrors.Corrupt.New("layer zero record truncated")
	}
	envLen := binary.LittleEndian.Uint32(data[0:4])
	if uint32(len(data)) < 4+envLen+4 {
		return LayerZeroRecord{}, derrors.Corrupt.New("layer zero record truncated")
	}

	var envelope layerZeroEnvelope
	if err := json.Unmarshal(data[4:4+envLen], &envelope); err != nil {
		return LayerZeroRecord{}, derrors.Corrupt.New("layer zero envelope: " + err.Error())
	}

	off := 4 + envLen
	tomlLen := binary.LittleEndian.Uint32(data[off : off+4])
	tomlStart := off + 4
	tomlEnd := uint64(tomlStart) + uint64(tomlLen)
	if uint64(len(data)) < tomlEnd {
		return LayerZeroRecord{}, derrors.Corrupt.New("layer zero record truncated")
	}

	var cadence CadenceConfig
	if _, err := toml.Decode(string(data[tomlStart:tomlEnd]), &cadence); err != nil {
		return LayerZeroRecord{}, derrors.Corrupt.New("layer zero cadence config: " + err.Error())
	}

	return LayerZeroRecord{
		StoreID:       envelope.StoreID,
		FormatVersion: envelope.FormatVersion,
		CreatedAtUnix: envelope.CreatedAtUnix,
		RootHistory:   envelope.RootHistory,
		Cadence:       cadence,
	}, nil
}
