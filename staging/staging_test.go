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

package staging_test

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DIG-Network/digstore/chunker"
	"github.com/DIG-Network/digstore/staging"
)

func smallChunker() *chunker.Chunker {
	return chunker.New(chunker.Params{MinSize: 16, AvgSize: 32, MaxSize: 64})
}

func TestAddAndList(t *testing.T) {
	s, err := staging.Open(filepath.Join(t.TempDir(), "staging.db"))
	require.NoError(t, err)
	defer s.Close()

	c := smallChunker()
	_, err = s.Add(context.Background(), "b.txt", strings.NewReader(strings.Repeat("b", 200)), c, 0o644, 1700000000)
	require.NoError(t, err)
	_, err = s.Add(context.Background(), "a.txt", strings.NewReader(strings.Repeat("a", 200)), c, 0o644, 1700000001)
	require.NoError(t, err)

	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a.txt", records[0].Path)
	require.Equal(t, "b.txt", records[1].Path)
}

func TestChunkBytesDedup(t *testing.T) {
	s, err := staging.Open(filepath.Join(t.TempDir(), "staging.db"))
	require.NoError(t, err)
	defer s.Close()

	c := smallChunker()
	content := strings.Repeat("xyz", 100)
	rec, err := s.Add(context.Background(), "one.txt", strings.NewReader(content), c, 0o644, 1700000000)
	require.NoError(t, err)
	require.NotEmpty(t, rec.Chunks)

	for _, ref := range rec.Chunks {
		raw, ok, err := s.ChunkBytes(ref.Hash)
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, raw, int(ref.Length))
	}

	rec2, err := s.Add(context.Background(), "two.txt", bytes.NewReader([]byte(content)), c, 0o644, 1700000001)
	require.NoError(t, err)
	require.Equal(t, rec.Hash, rec2.Hash)
}

func TestClearRemovesEverything(t *testing.T) {
	s, err := staging.Open(filepath.Join(t.TempDir(), "staging.db"))
	require.NoError(t, err)
	defer s.Close()

	c := smallChunker()
	_, err = s.Add(context.Background(), "a.txt", strings.NewReader("contents"), c, 0o644, 1700000000)
	require.NoError(t, err)

	require.NoError(t, s.Clear())

	records, err := s.List()
	require.NoError(t, err)
	require.Empty(t, records)
}
