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
	"crypto/rand"
	"encoding/hex"

	"github.com/DIG-Network/digstore/derrors"
)

// newStoreID generates the 32 random bytes, hex-encoded, that name a
// store's archive file and appear in its URNs (spec §3). This is
// deliberately not github.com/google/uuid: a UUID is 16 bytes with
// fixed version/variant bits, not the 32 free-form random bytes the
// spec calls for, so crypto/rand is the right primitive here (uuid is
// used elsewhere in this project for its actual purpose — unique
// temp-file and migration-run suffixes).
func newStoreID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", derrors.Wrap(derrors.Io, err, "generate store id")
	}
	return hex.EncodeToString(buf), nil
}
