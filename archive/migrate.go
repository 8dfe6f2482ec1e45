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

package archive

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/DIG-Network/digstore/derrors"
	"github.com/DIG-Network/digstore/hash"
	"github.com/DIG-Network/digstore/layer"
	"github.com/DIG-Network/digstore/progress"
)

// MigrateFromDirectory is the one-shot legacy path (spec §4.E/§9): a
// pre-single-file install kept one layer blob per file in srcDir, named
// by the layer's own hash. It reads each file, confirms the bytes still
// decode and still hash to their filename, and appends them into a new
// archive at destPath in ascending Generation order. It returns a
// migration id stamped nowhere durable but useful for the caller's own
// audit log.
func MigrateFromDirectory(srcDir, destPath string, report progress.Reporter) (string, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return "", derrors.Wrap(derrors.Io, err, "read legacy directory")
	}

	type legacyFile struct {
		name string
		blob []byte
		l    *layer.Layer
	}

	files := make([]legacyFile, 0, len(entries))
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(srcDir, de.Name())
		blob, err := os.ReadFile(path)
		if err != nil {
			return "", derrors.Wrap(derrors.Io, err, "read legacy layer file "+de.Name())
		}

		l, err := layer.Decode(blob)
		if err != nil {
			return "", derrors.Corrupt.New("legacy layer file " + de.Name() + " failed to decode: " + err.Error())
		}

		wantHash, err := hash.Parse(de.Name())
		if err == nil && wantHash != hash.Of(blob) {
			return "", derrors.IntegrityError.New("legacy layer file " + de.Name() + " content does not match its own filename")
		}

		files = append(files, legacyFile{name: de.Name(), blob: blob, l: l})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].l.Header.Generation < files[j].l.Header.Generation
	})

	w, err := OpenWriter(destPath)
	if err != nil {
		return "", err
	}
	defer w.Close()

	total := uint32(len(files))
	for i, lf := range files {
		entry := IndexEntry{
			LayerHash:   hash.Of(lf.blob),
			DataSize:    uint64(len(lf.blob)),
			Generation:  lf.l.Header.Generation,
			Kind:        lf.l.Header.Kind,
			Compression: lf.l.Meta.Compression,
		}
		if err := w.Append(lf.blob, entry); err != nil {
			return "", err
		}
		report.Report(progress.Event{Stage: "Migrating Legacy Layers", Total: total, Completed: uint32(i + 1)})
	}

	return uuid.NewString(), nil
}
