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

package retrieval

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DIG-Network/digstore/archive"
	"github.com/DIG-Network/digstore/chunk"
	"github.com/DIG-Network/digstore/chunker"
	"github.com/DIG-Network/digstore/derrors"
	"github.com/DIG-Network/digstore/hash"
	"github.com/DIG-Network/digstore/layer"
	"github.com/DIG-Network/digstore/store"
)

func TestParseURN(t *testing.T) {
	storeID := strings.Repeat("ab", 32)
	rootHash := strings.Repeat("cd", 32)

	u, err := ParseURN("URN:DIG:CHIA:" + storeID + ":" + rootHash + "/dir/a.txt#bytes=0-9")
	require.NoError(t, err)
	require.Equal(t, storeID, u.StoreID)
	require.True(t, u.HasRoot)
	require.Equal(t, hash.MustParse(rootHash), u.RootHash)
	require.Equal(t, "dir/a.txt", u.Path)
	require.True(t, u.HasRange)

	start, end, err := u.Range.Resolve(100)
	require.NoError(t, err)
	require.Equal(t, int64(0), start)
	require.Equal(t, int64(10), end)
}

func TestParseURNRejectsTraversal(t *testing.T) {
	storeID := strings.Repeat("ab", 32)
	_, err := ParseURN("urn:dig:chia:" + storeID + "/../etc/passwd")
	require.Error(t, err)
}

func TestParseRangeForms(t *testing.T) {
	r, err := ParseRange("10-19")
	require.NoError(t, err)
	start, end, err := r.Resolve(100)
	require.NoError(t, err)
	require.Equal(t, int64(10), start)
	require.Equal(t, int64(20), end)

	r, err = ParseRange("90-")
	require.NoError(t, err)
	start, end, err = r.Resolve(100)
	require.NoError(t, err)
	require.Equal(t, int64(90), start)
	require.Equal(t, int64(100), end)

	r, err = ParseRange("-5")
	require.NoError(t, err)
	start, end, err = r.Resolve(100)
	require.NoError(t, err)
	require.Equal(t, int64(95), start)
	require.Equal(t, int64(100), end)

	r, err = ParseRange("95-99999")
	require.NoError(t, err)
	_, _, err = r.Resolve(100)
	require.Error(t, err)

	// "#bytes=-n" clamps to the whole file when n exceeds the file size,
	// rather than erroring like the "a-b"/"a-" forms do.
	r, err = ParseRange("-99999")
	require.NoError(t, err)
	start, end, err = r.Resolve(100)
	require.NoError(t, err)
	require.Equal(t, int64(0), start)
	require.Equal(t, int64(100), end)
}

func setupStore(t *testing.T) (*store.Store, string, hash.Hash) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Init(dir, chunker.Params{MinSize: 16, AvgSize: 64, MaxSize: 256}, 10, 10)
	require.NoError(t, err)

	content := "the quick brown fox jumps over the lazy dog, repeated many times. "
	_, err = s.Add(context.Background(), "greeting.txt", strings.NewReader(strings.Repeat(content, 20)), 0o644, 1000)
	require.NoError(t, err)

	root, err := s.Commit(context.Background(), "tester", "t1", nil)
	require.NoError(t, err)

	return s, s.StoreID(), root
}

func TestResolveAndStreamFullFile(t *testing.T) {
	s, storeID, root := setupStore(t)
	defer s.Close()

	u, err := ParseURN("urn:dig:chia:" + storeID + ":" + root.String() + "/greeting.txt")
	require.NoError(t, err)

	res, err := Resolve(s.Archive(), u)
	require.NoError(t, err)
	require.NotNil(t, res.File)

	var buf bytes.Buffer
	require.NoError(t, Stream(res, u, &buf))
	require.Equal(t, int(res.File.Size), buf.Len())
	require.Equal(t, res.File.Hash, hash.Of(buf.Bytes()))
}

func TestResolveAndStreamByteRange(t *testing.T) {
	s, storeID, root := setupStore(t)
	defer s.Close()

	u, err := ParseURN("urn:dig:chia:" + storeID + ":" + root.String() + "/greeting.txt#bytes=0-9")
	require.NoError(t, err)

	res, err := Resolve(s.Archive(), u)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Stream(res, u, &buf))
	require.Equal(t, 10, buf.Len())
}

func TestProveAndVerify(t *testing.T) {
	s, storeID, root := setupStore(t)
	defer s.Close()

	u, err := ParseURN("urn:dig:chia:" + storeID + ":" + root.String() + "/greeting.txt")
	require.NoError(t, err)

	res, err := Resolve(s.Archive(), u)
	require.NoError(t, err)

	p, err := Prove(res, u)
	require.NoError(t, err)
	require.True(t, Verify(p, res.RootLayer.Root()))
}

// selfReferencingLayer hand-patches an encoded layer blob's ParentHash
// to point at itself before appending it to a fresh archive, simulating
// the hand-edited-archive scenario spec §9 requires defensive cycle
// detection for: a real commit could never produce this, since a
// layer's hash is a function of its own content including that field.
func selfReferencingLayer(t *testing.T, l *layer.Layer, chunkBytes map[hash.Hash][]byte) (*archive.Reader, hash.Hash) {
	t.Helper()
	blob, h, err := layer.Encode(l, layer.CompressionNone, chunkBytes)
	require.NoError(t, err)
	copy(blob[24:56], h[:])

	path := filepath.Join(t.TempDir(), "store.dig")
	w, err := archive.OpenWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(blob, archive.IndexEntry{
		LayerHash: h, Generation: 1, Kind: layer.KindFull, Compression: layer.CompressionNone,
	}))
	require.NoError(t, w.Close())

	r, err := archive.Open(path)
	require.NoError(t, err)
	return r, h
}

func TestFindFileDetectsCycle(t *testing.T) {
	l := &layer.Layer{
		Header: layer.Header{Kind: layer.KindFull, Generation: 1, TimestampUnix: 1700000000},
		Files:  []chunk.Record{{Path: "present.txt"}},
	}
	r, h := selfReferencingLayer(t, l, nil)
	defer r.Close()

	root, blob, err := r.Layer(h)
	require.NoError(t, err)

	_, _, _, err = findFile(r, root, blob, "absent.txt")
	require.Error(t, err)
	require.True(t, derrors.Is(derrors.Corrupt, err))
}

func TestGatherChunksDetectsCycle(t *testing.T) {
	missing := hash.Of([]byte("never stored"))
	l := &layer.Layer{
		Header: layer.Header{Kind: layer.KindFull, Generation: 1, TimestampUnix: 1700000000},
	}
	r, h := selfReferencingLayer(t, l, nil)
	defer r.Close()

	root, blob, err := r.Layer(h)
	require.NoError(t, err)

	rec := chunk.Record{Path: "f.txt", Chunks: []chunk.Ref{{Hash: missing}}}
	_, err = gatherChunks(r, root, blob, rec)
	require.Error(t, err)
	require.True(t, derrors.Is(derrors.Corrupt, err))
}

func TestResolveMissingFile(t *testing.T) {
	s, storeID, root := setupStore(t)
	defer s.Close()

	u, err := ParseURN("urn:dig:chia:" + storeID + ":" + root.String() + "/nope.txt")
	require.NoError(t, err)

	_, err = Resolve(s.Archive(), u)
	require.Error(t, err)
}
