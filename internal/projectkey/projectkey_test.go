// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package projectkey

import "testing"

func TestFromPathProducesBothForms(t *testing.T) {
	k := FromPath("/home/user/proj.v2")

	if k.Canonical != "/home/user/proj.v2" {
		t.Errorf("Canonical = %q", k.Canonical)
	}
	if k.Encoded != "-home-user-proj-v2" {
		t.Errorf("Encoded = %q", k.Encoded)
	}
	if k.Display != "/home/user/proj.v2" {
		t.Errorf("Display = %q", k.Display)
	}
}

func TestEqualResolvesVariantSpellings(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical", "/home/user/proj", "/home/user/proj", true},
		{"trailing slash", "/home/user/proj/", "/home/user/proj", true},
		{"redundant segments", "/home/user/../user/proj", "/home/user/proj", true},
		{"whitespace", "  /home/user/proj ", "/home/user/proj", true},
		{"different projects", "/home/user/proj-a", "/home/user/proj-b", false},
		{"empty vs path", "", "/home/user/proj", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Equal(tt.a, tt.b); got != tt.want {
				t.Errorf("Equal(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestEncodedFormsAreNeverComparedDirectly(t *testing.T) {
	// Two equivalent source paths produce identical keys even though their
	// raw spellings differ, so Matches over the canonical form holds.
	a := FromPath("/home/user/proj/")
	b := FromPath("/home/user/proj")

	if !a.Matches(b) {
		t.Errorf("keys for equivalent paths do not match: %+v vs %+v", a, b)
	}
	if a.Encoded != b.Encoded {
		t.Errorf("encoded forms differ for equivalent paths: %q vs %q", a.Encoded, b.Encoded)
	}
}

func TestFromPathDeterministic(t *testing.T) {
	first := FromPath("/srv/work/My Project")
	second := FromPath("/srv/work/My Project")
	if first != second {
		t.Errorf("FromPath not pure: %+v vs %+v", first, second)
	}
	if first.Encoded != "-srv-work-My-Project" {
		t.Errorf("Encoded = %q", first.Encoded)
	}
}

func TestZeroKey(t *testing.T) {
	k := FromPath("   ")
	if !k.IsZero() {
		t.Errorf("blank path should produce zero key, got %+v", k)
	}
	if k.Matches(k) {
		t.Error("zero keys must not match anything, including themselves")
	}
}
