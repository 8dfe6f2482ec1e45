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

package merkle

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/DIG-Network/digstore/hash"
)

// ProofFormatVersion is the version tag stamped into both encodings of a
// Proof (spec §6.4).
const ProofFormatVersion = 1

// textProof is the JSON shape of a Proof; field names are stable wire
// contract, independent of the Go struct's field names.
type textSibling struct {
	Hash string `json:"hash"`
	Side string `json:"side"`
}

type textProof struct {
	Version    int           `json:"version"`
	TargetHash string        `json:"target_hash"`
	RootHash   string        `json:"root_hash"`
	LeafIndex  int           `json:"leaf_index"`
	LeafCount  int           `json:"leaf_count"`
	Siblings   []textSibling `json:"siblings"`
}

func sideToString(s Side) string {
	switch s {
	case Left:
		return "L"
	case Right:
		return "R"
	default:
		return "-"
	}
}

func sideFromString(s string) (Side, error) {
	switch s {
	case "L":
		return Left, nil
	case "R":
		return Right, nil
	case "-":
		return None, nil
	default:
		return 0, errBadSide(s)
	}
}

type errBadSide string

func (e errBadSide) Error() string { return "merkle: invalid proof side: " + string(e) }

// MarshalJSON encodes p into the spec §6.4 textual proof record.
func MarshalJSON(p Proof) ([]byte, error) {
	tp := textProof{
		Version:    ProofFormatVersion,
		TargetHash: p.TargetHash.String(),
		RootHash:   p.RootHash.String(),
		LeafIndex:  p.LeafIndex,
		LeafCount:  p.LeafCount,
	}
	for _, s := range p.Siblings {
		tp.Siblings = append(tp.Siblings, textSibling{Hash: s.Hash.String(), Side: sideToString(s.Side)})
	}
	return json.Marshal(tp)
}

// UnmarshalJSON decodes a proof previously written by MarshalJSON.
func UnmarshalJSON(data []byte) (Proof, error) {
	var tp textProof
	if err := json.Unmarshal(data, &tp); err != nil {
		return Proof{}, err
	}
	if tp.Version != ProofFormatVersion {
		return Proof{}, errUnsupportedVersion(tp.Version)
	}

	target, err := hash.Parse(tp.TargetHash)
	if err != nil {
		return Proof{}, err
	}
	root, err := hash.Parse(tp.RootHash)
	if err != nil {
		return Proof{}, err
	}

	p := Proof{TargetHash: target, RootHash: root, LeafIndex: tp.LeafIndex, LeafCount: tp.LeafCount}
	for _, ts := range tp.Siblings {
		side, err := sideFromString(ts.Side)
		if err != nil {
			return Proof{}, err
		}
		var h hash.Hash
		if side != None {
			h, err = hash.Parse(ts.Hash)
			if err != nil {
				return Proof{}, err
			}
		}
		p.Siblings = append(p.Siblings, Sibling{Hash: h, Side: side})
	}
	return p, nil
}

type errUnsupportedVersion int

func (e errUnsupportedVersion) Error() string { return "merkle: unsupported proof version" }

// MarshalBinary encodes p into a compact binary record: a version byte,
// fixed-width index/count fields, target + root hash, then one
// (side-byte, hash) pair per sibling.
func MarshalBinary(p Proof) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(ProofFormatVersion)
	_ = binary.Write(buf, binary.LittleEndian, uint32(p.LeafIndex))
	_ = binary.Write(buf, binary.LittleEndian, uint32(p.LeafCount))
	buf.Write(p.TargetHash[:])
	buf.Write(p.RootHash[:])
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(p.Siblings)))
	for _, s := range p.Siblings {
		buf.WriteByte(byte(s.Side))
		buf.Write(s.Hash[:])
	}
	return buf.Bytes()
}

// UnmarshalBinary decodes a proof previously written by MarshalBinary.
func UnmarshalBinary(data []byte) (Proof, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return Proof{}, err
	}
	if version != ProofFormatVersion {
		return Proof{}, errUnsupportedVersion(version)
	}

	var leafIndex, leafCount, siblingCount uint32
	if err := binary.Read(r, binary.LittleEndian, &leafIndex); err != nil {
		return Proof{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &leafCount); err != nil {
		return Proof{}, err
	}

	p := Proof{LeafIndex: int(leafIndex), LeafCount: int(leafCount)}
	if _, err := io.ReadFull(r, p.TargetHash[:]); err != nil {
		return Proof{}, err
	}
	if _, err := io.ReadFull(r, p.RootHash[:]); err != nil {
		return Proof{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &siblingCount); err != nil {
		return Proof{}, err
	}

	for i := uint32(0); i < siblingCount; i++ {
		sideByte, err := r.ReadByte()
		if err != nil {
			return Proof{}, err
		}
		var h hash.Hash
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return Proof{}, err
		}
		p.Siblings = append(p.Siblings, Sibling{Hash: h, Side: Side(sideByte)})
	}

	return p, nil
}
