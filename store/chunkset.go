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
	"sync"

	"github.com/DIG-Network/digstore/hash"
)

// shardedChunkSet is a concurrent set of chunk hashes, sharded by the
// hash's first byte so that many goroutines populating it during an
// ancestor-chain scan contend on different locks. Modeled on the
// teacher's ChunkRelations.manyToGroup, which shards a similar
// many-writer relation map the same way rather than guarding one map
// with a single mutex.
type shardedChunkSet struct {
	shards [256]map[hash.Hash]struct{}
	locks  [256]sync.Mutex
}

func newShardedChunkSet() *shardedChunkSet {
	s := &shardedChunkSet{}
	for i := range s.shards {
		s.shards[i] = make(map[hash.Hash]struct{})
	}
	return s
}

func (s *shardedChunkSet) Insert(h hash.Hash) {
	i := h[0]
	s.locks[i].Lock()
	s.shards[i][h] = struct{}{}
	s.locks[i].Unlock()
}

func (s *shardedChunkSet) Has(h hash.Hash) bool {
	i := h[0]
	s.locks[i].Lock()
	_, ok := s.shards[i][h]
	s.locks[i].Unlock()
	return ok
}
