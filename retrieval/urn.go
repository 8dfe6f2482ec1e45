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

// Package retrieval implements URN parsing, delta-chain resolution,
// byte-range streaming, and merkle proof production/verification (spec
// §4.H).
package retrieval

import (
	"net/url"
	"path"
	"strings"

	"github.com/DIG-Network/digstore/derrors"
	"github.com/DIG-Network/digstore/hash"
)

// urnPrefix is matched case-insensitively; every other token in a URN
// (hex components) is lowercase-normalized (spec §3/§6.3).
const urnPrefix = "urn:dig:chia:"

// Urn is a parsed, normalized location-independent name (spec §6.3):
//
//	urn:dig:chia:<storeId>[:<rootHash>][/<path>][#bytes=<range>]
type Urn struct {
	StoreID  string
	HasRoot  bool
	RootHash hash.Hash
	Path     string
	HasRange bool
	Range    Range
}

// ParseURN parses a full URN string. The store-id and, if present,
// root-hash components are validated as 64 lowercase-hex characters and
// normalized to lowercase; path is percent-decoded, POSIX-normalized,
// and rejected if it escapes the tree root via "..".
func ParseURN(s string) (Urn, error) {
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, urnPrefix) {
		return Urn{}, derrors.InvalidArgument.New("urn missing \"urn:dig:chia:\" prefix")
	}
	rest := s[len(urnPrefix):]

	var fragment string
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		fragment = rest[i+1:]
		rest = rest[:i]
	}

	var rawPath string
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rawPath = rest[i+1:]
		rest = rest[:i]
	}

	storeID := rest
	hasRoot := false
	var rootHash hash.Hash
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		storeID = rest[:i]
		rootHex := rest[i+1:]
		h, err := hash.Parse(strings.ToLower(rootHex))
		if err != nil {
			return Urn{}, derrors.InvalidArgument.New("bad urn root-hash: " + err.Error())
		}
		rootHash = h
		hasRoot = true
	}

	storeID = strings.ToLower(storeID)
	if len(storeID) != hash.StringLen {
		return Urn{}, derrors.InvalidArgument.New("bad urn store-id length")
	}
	for _, c := range storeID {
		if !isHexDigit(c) {
			return Urn{}, derrors.InvalidArgument.New("bad urn store-id: not hex")
		}
	}

	path := ""
	if rawPath != "" {
		decoded, err := url.PathUnescape(rawPath)
		if err != nil {
			return Urn{}, derrors.InvalidArgument.New("bad urn path encoding: " + err.Error())
		}
		path, err = normalizePath(decoded)
		if err != nil {
			return Urn{}, err
		}
	}

	u := Urn{StoreID: storeID, HasRoot: hasRoot, RootHash: rootHash, Path: path}
	if fragment != "" {
		r, err := parseFragment(fragment)
		if err != nil {
			return Urn{}, err
		}
		u.HasRange = true
		u.Range = r
	}
	return u, nil
}

// ParseShorthand parses a project-directory shorthand "/path[#range]"
// (spec §4.I/§6.3), binding it to storeID and leaving the root
// unpinned — it always resolves against the store's current root.
func ParseShorthand(s string, storeID string) (Urn, error) {
	if !strings.HasPrefix(s, "/") {
		return Urn{}, derrors.InvalidArgument.New("shorthand urn must start with \"/\"")
	}
	return ParseURN(urnPrefix + storeID + s)
}

func parseFragment(fragment string) (Range, error) {
	const rangePrefix = "bytes="
	if !strings.HasPrefix(fragment, rangePrefix) {
		return Range{}, derrors.InvalidArgument.New("urn fragment must be \"bytes=<range>\"")
	}
	return ParseRange(strings.TrimPrefix(fragment, rangePrefix))
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

// normalizePath enforces the path grammar of spec §3/§6.3: POSIX-style,
// no leading slash, no ".." segment anywhere (directory traversal out
// of the tree root is always rejected, even internal to the path). An
// accepted path is cleaned with path.Clean, which drops "." segments,
// repeated slashes and a trailing slash.
func normalizePath(p string) (string, error) {
	if strings.HasPrefix(p, "/") {
		return "", derrors.InvalidArgument.New("urn path must not have a leading slash")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", derrors.InvalidArgument.New("urn path must not contain \"..\"")
		}
	}
	return path.Clean(p), nil
}
