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

// Package projectlink reads and writes the ".digstore" sidecar file
// that maps a project directory to a global store id (spec §4.I/§6.5),
// enabling path-only URN shorthand.
package projectlink

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/DIG-Network/digstore/derrors"
)

// FileName is the sidecar's fixed name within a project directory.
const FileName = ".digstore"

// FormatVersion is the only project-link format this build writes.
const FormatVersion = 1

// Link is the project-link record (spec §6.5). It never contains an
// absolute path: the archive it names is always located by store id
// under the user's home ".dig/" directory by convention.
type Link struct {
	Version        int    `toml:"version"`
	StoreID        string `toml:"store_id"`
	CreatedAt      int64  `toml:"created_at"`
	LastAccessed   int64  `toml:"last_accessed"`
	RepositoryName string `toml:"repository_name,omitempty"`
}

// New builds a fresh Link for storeID, stamping createdAt as both its
// creation and first-access time.
func New(storeID string, createdAt int64, repositoryName string) Link {
	return Link{
		Version:        FormatVersion,
		StoreID:        storeID,
		CreatedAt:      createdAt,
		LastAccessed:   createdAt,
		RepositoryName: repositoryName,
	}
}

// Write serializes l as TOML to path (conventionally FileName inside a
// project directory), overwriting any existing file.
func Write(path string, l Link) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return derrors.Wrap(derrors.Io, err, "create project link")
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(l); err != nil {
		return derrors.Wrap(derrors.Io, err, "encode project link")
	}
	return nil
}

// Read parses the project-link file at path.
func Read(path string) (Link, error) {
	var l Link
	if _, err := toml.DecodeFile(path, &l); err != nil {
		if os.IsNotExist(err) {
			return Link{}, derrors.NotFound.New("no project link at " + path)
		}
		return Link{}, derrors.Wrap(derrors.Corrupt, err, "decode project link")
	}
	if l.Version != FormatVersion {
		return Link{}, derrors.UnsupportedVersion.New("project link format")
	}
	if len(l.StoreID) != 64 {
		return Link{}, derrors.Corrupt.New("project link store_id malformed")
	}
	return l, nil
}

// Touch updates l's last-accessed timestamp and rewrites path.
func Touch(path string, l Link, nowUnix int64) (Link, error) {
	l.LastAccessed = nowUnix
	if err := Write(path, l); err != nil {
		return Link{}, err
	}
	return l, nil
}
