// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

// Package projectkey canonicalizes project identifiers.
//
// A project is identified by a filesystem path, but two encodings of the same
// path circulate in the system: the path-safe encoded form used for activity
// log directories (separators and dots flattened to dashes) and the
// human-readable display form. Both must resolve to one logical project, so
// all comparisons go through the canonical form; the two derived encodings
// are never compared to each other directly.
package projectkey

import (
	"path/filepath"
	"strings"
)

// Key holds the canonical identity of a project plus its derived encodings.
type Key struct {
	// Canonical is the cleaned absolute-style path. Equality is defined over
	// this form only.
	Canonical string `json:"canonical"`

	// Encoded is the path-safe form used as a directory name for activity
	// logs: every separator and dot becomes a dash.
	Encoded string `json:"encoded"`

	// Display is the human-readable form shown in listings.
	Display string `json:"display"`
}

// FromPath derives a Key from a source path. The same source path always
// produces the same Key; the function is pure.
func FromPath(path string) Key {
	canonical := canonicalize(path)
	return Key{
		Canonical: canonical,
		Encoded:   Encode(canonical),
		Display:   canonical,
	}
}

// canonicalize cleans a path into the canonical comparison form.
func canonicalize(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return ""
	}
	p = filepath.ToSlash(filepath.Clean(p))
	// Clean("") yields "." which is not a useful project identity.
	if p == "." {
		return ""
	}
	return strings.TrimSuffix(p, "/")
}

// Encode flattens a canonical path into its path-safe directory form.
// "/home/user/proj.v2" becomes "-home-user-proj-v2".
func Encode(canonical string) string {
	if canonical == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(canonical))
	for _, r := range canonical {
		switch r {
		case '/', '\\', '.', ' ', ':':
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Equal reports whether two source paths identify the same logical project.
// Both inputs may be raw paths in either circulating form; they are reduced
// to the canonical form before comparison.
func Equal(a, b string) bool {
	return canonicalize(a) == canonicalize(b)
}

// Matches reports whether a Key identifies the same project as another Key.
func (k Key) Matches(other Key) bool {
	return k.Canonical != "" && k.Canonical == other.Canonical
}

// IsZero reports whether the key carries no project identity.
func (k Key) IsZero() bool {
	return k.Canonical == ""
}
