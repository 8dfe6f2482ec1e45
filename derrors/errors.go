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

// Package derrors defines the typed error kinds surfaced across the
// digstore core. Every public operation returns errors built from one of
// these kinds so callers can branch on failure class without string
// matching.
package derrors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
	goerrors "gopkg.in/src-d/go-errors.v1"
)

var (
	// InvalidArgument covers bad URNs, bad byte ranges, bad hex, and path
	// traversal attempts.
	InvalidArgument = goerrors.NewKind("invalid argument: %s")

	// NotFound covers missing stores, missing layers, and missing files
	// at a given root.
	NotFound = goerrors.NewKind("not found: %s")

	// AlreadyExists covers re-init of an existing store and duplicate
	// project links.
	AlreadyExists = goerrors.NewKind("already exists: %s")

	// UnsupportedVersion covers archive or layer format versions newer
	// than this build understands.
	UnsupportedVersion = goerrors.NewKind("unsupported version: %s")

	// Corrupt covers CRC mismatches, missing chunks referenced by a
	// FileRecord, merkle mismatches, and truncated archives.
	Corrupt = goerrors.NewKind("corrupt: %s")

	// IntegrityError covers a reconstructed file hash that does not
	// match its declared FileRecord hash.
	IntegrityError = goerrors.NewKind("integrity error: %s")

	// Io wraps an underlying OS/file error.
	Io = goerrors.NewKind("io error: %s")

	// Locked covers writer-lock contention on an archive.
	Locked = goerrors.NewKind("locked: %s")

	// Cancelled covers a caller-supplied cancellation token firing
	// before a durability point was reached.
	Cancelled = goerrors.NewKind("cancelled: %s")
)

// Is reports whether err (or any error it wraps) was built from kind.
func Is(kind *goerrors.Kind, err error) bool {
	return kind.Is(err)
}

// Wrap builds a new error of kind carrying context and the underlying
// err's message, for surfacing an OS or library failure under one of our
// typed kinds without losing the original detail.
func Wrap(kind *goerrors.Kind, err error, context string) error {
	return kind.New(context + ": " + err.Error())
}

// WrapFatal is Wrap plus a captured stack trace, for failures at a point
// past which there is no rollback — e.g. the archive was durably
// appended but the in-memory reader couldn't be remapped afterward.
// Format the result with "%+v" to print the trace.
func WrapFatal(kind *goerrors.Kind, err error, context string) error {
	return kind.New(fmt.Sprintf("%s: %+v", context, pkgerrors.WithStack(err)))
}
