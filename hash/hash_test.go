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

package hash_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DIG-Network/digstore/hash"
)

func TestOfAndString(t *testing.T) {
	h := hash.Of([]byte("hello\n"))
	require.Equal(t, 64, len(h.String()))
	require.Equal(t, strings.ToLower(h.String()), h.String())
}

func TestOfStreamMatchesOf(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1<<20)
	want := hash.Of(data)
	got, err := hash.OfStream(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestStreamHasherMatchesOf(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	want := hash.Of(data)

	sh := hash.NewStreamHasher()
	for _, chunk := range [][]byte{data[:10], data[10:20], data[20:]} {
		_, err := sh.Write(chunk)
		require.NoError(t, err)
	}
	require.Equal(t, want, sh.Sum())
}

func TestParseRoundTrip(t *testing.T) {
	h := hash.Of([]byte("round trip"))
	parsed, err := hash.Parse(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestParseRejectsBadLength(t *testing.T) {
	_, err := hash.Parse("deadbeef")
	require.Error(t, err)
}

func TestEmptyHashIsZero(t *testing.T) {
	var h hash.Hash
	require.True(t, h.IsEmpty())
	require.False(t, hash.Of([]byte{}).IsEmpty())
}

func TestLessIsTotalOrder(t *testing.T) {
	a := hash.MustParse(strings.Repeat("00", 32))
	b := hash.MustParse(strings.Repeat("ff", 32))
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.False(t, a.Less(a))
}

func TestSetOperations(t *testing.T) {
	a, b := hash.Of([]byte("a")), hash.Of([]byte("b"))
	s := hash.NewSet(a)
	require.True(t, s.Has(a))
	require.False(t, s.Has(b))

	s.Insert(b)
	require.True(t, s.Has(b))

	s.Remove(a)
	require.False(t, s.Has(a))

	slice := hash.NewSet(a, b).Slice()
	require.Len(t, slice, 2)
	require.True(t, slice[0].Less(slice[1]) || slice[0] == slice[1])
}

func TestCRC32Deterministic(t *testing.T) {
	data := []byte("archive payload bytes")
	require.Equal(t, hash.CRC32(data), hash.CRC32(append([]byte{}, data...)))
}
