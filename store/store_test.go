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

package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DIG-Network/digstore/archive"
	"github.com/DIG-Network/digstore/chunker"
	"github.com/DIG-Network/digstore/derrors"
	"github.com/DIG-Network/digstore/hash"
	"github.com/DIG-Network/digstore/layer"
)

// appendSelfReferencingLayer hand-patches an encoded layer blob's
// ParentHash to point at itself before appending it, simulating the
// hand-edited-archive adversarial scenario spec §9 calls out: a real
// commit could never produce a cyclic ParentHash, since a layer's hash
// is a function of its own content including that field. The layer is a
// Delta so that deltaChainLength follows its ParentHash instead of
// stopping at it as it would at a Full layer.
func appendSelfReferencingLayer(t *testing.T, archivePath string) hash.Hash {
	t.Helper()
	l := &layer.Layer{Header: layer.Header{Kind: layer.KindDelta, Generation: 1, TimestampUnix: 1700000000}}
	blob, h, err := layer.Encode(l, layer.CompressionNone, nil)
	require.NoError(t, err)
	copy(blob[24:56], h[:])

	w, err := archive.OpenWriter(archivePath)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Append(blob, archive.IndexEntry{
		LayerHash: h, Generation: 1, Kind: layer.KindDelta, Compression: layer.CompressionNone,
	}))
	return h
}

func TestAncestorChainDetectsCycle(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, archiveFileName)
	h := appendSelfReferencingLayer(t, archivePath)

	r, err := archive.Open(archivePath)
	require.NoError(t, err)
	defer r.Close()
	s := &Store{reader: r}

	_, err = s.ancestorChain(h)
	require.Error(t, err)
	require.True(t, derrors.Is(derrors.Corrupt, err))

	_, err = s.deltaChainLength(h)
	require.Error(t, err)
	require.True(t, derrors.Is(derrors.Corrupt, err))
}

func smallParams() chunker.Params {
	return chunker.Params{MinSize: 16, AvgSize: 64, MaxSize: 256}
}

func TestInitOpenAddCommit(t *testing.T) {
	dir := t.TempDir()

	s, err := Init(dir, smallParams(), 10, 10)
	require.NoError(t, err)
	defer s.Close()

	_, hasRoot := s.CurrentRoot()
	require.False(t, hasRoot)

	_, err = s.Add(context.Background(), "hello.txt", strings.NewReader(strings.Repeat("hello world ", 50)), 0o644, 1000)
	require.NoError(t, err)
	_, err = s.Add(context.Background(), "dir/other.txt", strings.NewReader(strings.Repeat("more content ", 50)), 0o644, 1000)
	require.NoError(t, err)

	root, err := s.Commit(context.Background(), "tester", "first commit", nil)
	require.NoError(t, err)
	require.False(t, root.IsEmpty())

	current, ok := s.CurrentRoot()
	require.True(t, ok)
	require.Equal(t, root, current)

	staged, err := s.StagedFiles()
	require.NoError(t, err)
	require.Empty(t, staged)

	l, _, err := s.reader.Layer(root)
	require.NoError(t, err)
	require.Equal(t, layer.KindFull, l.Header.Kind)
	require.Len(t, l.Files, 2)
}

func TestReopenPreservesRoot(t *testing.T) {
	dir := t.TempDir()

	s, err := Init(dir, smallParams(), 10, 10)
	require.NoError(t, err)

	_, err = s.Add(context.Background(), "a.txt", strings.NewReader(strings.Repeat("a", 500)), 0o644, 1000)
	require.NoError(t, err)
	root, err := s.Commit(context.Background(), "tester", "msg", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	current, ok := reopened.CurrentRoot()
	require.True(t, ok)
	require.Equal(t, root, current)
}

func TestSecondCommitIsDeltaUnlessCadenceHits(t *testing.T) {
	dir := t.TempDir()

	s, err := Init(dir, smallParams(), 10, 10)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Add(context.Background(), "a.txt", strings.NewReader(strings.Repeat("a", 500)), 0o644, 1000)
	require.NoError(t, err)
	_, err = s.Commit(context.Background(), "tester", "first", nil)
	require.NoError(t, err)

	_, err = s.Add(context.Background(), "b.txt", strings.NewReader(strings.Repeat("b", 500)), 0o644, 1000)
	require.NoError(t, err)
	root2, err := s.Commit(context.Background(), "tester", "second", nil)
	require.NoError(t, err)

	l, _, err := s.reader.Layer(root2)
	require.NoError(t, err)
	require.Equal(t, layer.KindDelta, l.Header.Kind)
}

func TestDeltaChainCapForcesFull(t *testing.T) {
	dir := t.TempDir()

	s, err := Init(dir, smallParams(), 1000, 2)
	require.NoError(t, err)
	defer s.Close()

	var lastRoot = mustCommit(t, s, "a.txt", "aaaa")
	l, _, err := s.reader.Layer(lastRoot)
	require.NoError(t, err)
	require.Equal(t, layer.KindFull, l.Header.Kind)

	lastRoot = mustCommit(t, s, "b.txt", "bbbb")
	l, _, err = s.reader.Layer(lastRoot)
	require.NoError(t, err)
	require.Equal(t, layer.KindDelta, l.Header.Kind)

	// Third consecutive commit should be forced Full by the chain cap of 2.
	lastRoot = mustCommit(t, s, "c.txt", "cccc")
	l, _, err = s.reader.Layer(lastRoot)
	require.NoError(t, err)
	require.Equal(t, layer.KindFull, l.Header.Kind)
}

func mustCommit(t *testing.T, s *Store, path, content string) (root hash.Hash) {
	t.Helper()
	_, err := s.Add(context.Background(), path, strings.NewReader(strings.Repeat(content, 200)), 0o644, 1000)
	require.NoError(t, err)
	h, err := s.Commit(context.Background(), "tester", "msg for "+path, nil)
	require.NoError(t, err)
	return h
}

// TestCommitPublishesDataAndHeaderTogether guards against the data
// layer and the LayerZero header layer being appended as two separate
// archive writes: if they were, a crash between them would leave a data
// layer with no header pointing at it, neither "both visible" nor
// "neither visible." A fresh Open after Commit must always see both.
func TestCommitPublishesDataAndHeaderTogether(t *testing.T) {
	dir := t.TempDir()

	s, err := Init(dir, smallParams(), 10, 10)
	require.NoError(t, err)

	_, err = s.Add(context.Background(), "a.txt", strings.NewReader(strings.Repeat("a", 500)), 0o644, 1000)
	require.NoError(t, err)
	root, err := s.Commit(context.Background(), "tester", "msg", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	l, _, err := reopened.reader.Layer(root)
	require.NoError(t, err)
	require.Equal(t, layer.KindFull, l.Header.Kind)

	current, ok := reopened.CurrentRoot()
	require.True(t, ok)
	require.Equal(t, root, current)
}

func TestCommitWithNothingStagedFails(t *testing.T) {
	dir := t.TempDir()
	s, err := Init(dir, smallParams(), 10, 10)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Commit(context.Background(), "tester", "empty", nil)
	require.Error(t, err)
}

// TestCommitRejectsCancelledContext guards the cancellation-checking
// requirement (spec §5): a context canceled before Commit builds its
// chunk table must surface as derrors.Cancelled rather than running
// the commit to completion or returning a bare context.Canceled.
func TestCommitRejectsCancelledContext(t *testing.T) {
	dir := t.TempDir()
	s, err := Init(dir, smallParams(), 10, 10)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Add(context.Background(), "a.txt", strings.NewReader(strings.Repeat("a", 500)), 0o644, 1000)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Commit(ctx, "tester", "msg", nil)
	require.Error(t, err)
	require.True(t, derrors.Is(derrors.Cancelled, err))

	_, hasRoot := s.CurrentRoot()
	require.False(t, hasRoot)
}

// TestAddRejectsCancelledContext guards the same boundary on the
// staging side: a context canceled before staging begins must abort
// before the first chunk is hashed or written.
func TestAddRejectsCancelledContext(t *testing.T) {
	dir := t.TempDir()
	s, err := Init(dir, smallParams(), 10, 10)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Add(ctx, "a.txt", strings.NewReader(strings.Repeat("a", 500)), 0o644, 1000)
	require.Error(t, err)
	require.True(t, derrors.Is(derrors.Cancelled, err))
}
