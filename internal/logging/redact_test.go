// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package logging

import (
	"strings"
	"testing"
)

func TestSanitizeToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"short", "***"},
		{"abcdefghijklmnop", "abcd...mnop"},
	}
	for _, tt := range tests {
		if got := SanitizeToken(tt.in); got != tt.want {
			t.Errorf("SanitizeToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeURL(t *testing.T) {
	t.Parallel()

	got := SanitizeURL("wss://user:pw@db.example.com/.ws?auth=supersecrettokenvalue&ns=main")
	if strings.Contains(got, "supersecrettokenvalue") || strings.Contains(got, "pw@") {
		t.Errorf("credentials leaked: %s", got)
	}
	if !strings.Contains(got, "ns=main") {
		t.Errorf("non-sensitive parameter dropped: %s", got)
	}
	if SanitizeURL("://bad") != "***" {
		t.Error("unparseable URL not masked")
	}
}
