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

package projectlink

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	storeID := strings.Repeat("ab", 32)

	l := New(storeID, 1000, "my-project")
	require.NoError(t, Write(path, l))

	got, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, l, got)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), FileName))
	require.Error(t, err)
}

func TestTouchUpdatesLastAccessed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	storeID := strings.Repeat("cd", 32)

	l := New(storeID, 1000, "")
	require.NoError(t, Write(path, l))

	updated, err := Touch(path, l, 2000)
	require.NoError(t, err)
	require.Equal(t, int64(2000), updated.LastAccessed)

	reread, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, int64(2000), reread.LastAccessed)
}

func TestReadRejectsBadStoreID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, Write(path, Link{Version: FormatVersion, StoreID: "too-short"}))

	_, err := Read(path)
	require.Error(t, err)
}
