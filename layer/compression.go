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
	"github.com/dolthub/gozstd"
	"github.com/golang/snappy"

	"github.com/DIG-Network/digstore/derrors"
)

// CompressionCode identifies the algorithm used to compress each chunk
// span within a layer's chunk payload. It is chosen once per layer and
// recorded in that layer's archive index entry (spec §3/§4.D) — never
// per chunk — so a reader only needs one code to decompress any chunk
// span it slices out of the payload.
type CompressionCode uint8

const (
	// CompressionNone stores chunk bytes as-is.
	CompressionNone CompressionCode = iota
	// CompressionSnappy favors decode speed over ratio; a good default
	// for already-entropic or small-average-chunk-size archives.
	CompressionSnappy
	// CompressionZstd favors ratio; the default for archives of
	// compressible data such as source trees.
	CompressionZstd
)

// Compress encodes data under the given algorithm.
func Compress(code CompressionCode, data []byte) ([]byte, error) {
	switch code {
	case CompressionNone:
		return data, nil
	case CompressionSnappy:
		return snappy.Encode(nil, data), nil
	case CompressionZstd:
		return gozstd.Compress(nil, data), nil
	default:
		return nil, derrors.InvalidArgument.New("unknown compression code")
	}
}

// Decompress reverses Compress.
func Decompress(code CompressionCode, data []byte) ([]byte, error) {
	switch code {
	case CompressionNone:
		return data, nil
	case CompressionSnappy:
		return snappy.Decode(nil, data)
	case CompressionZstd:
		return gozstd.Decompress(nil, data)
	default:
		return nil, derrors.InvalidArgument.New("unknown compression code")
	}
}
