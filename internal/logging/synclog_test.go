// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSyncLogger_TagsEntries(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewSyncLoggerWithLogger(zerolog.New(&buf), "/rooms/1")

	l.LogStateChange("connecting", "streaming")
	l.LogMalformed("put", errors.New("bad json"))
	l.LogClosed(errors.New("permission denied"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 entries, got %d: %s", len(lines), buf.String())
	}
	for _, line := range lines {
		if !strings.Contains(line, `"component":"engine"`) || !strings.Contains(line, `"subscription":"/rooms/1"`) {
			t.Errorf("entry not tagged: %s", line)
		}
	}
	if !strings.Contains(lines[0], `"to":"streaming"`) {
		t.Errorf("state change missing target: %s", lines[0])
	}
	if !strings.Contains(lines[2], `"level":"warn"`) {
		t.Errorf("backend close should warn: %s", lines[2])
	}
}
