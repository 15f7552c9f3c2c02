// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got '%s'", cfg.Level)
	}
	if cfg.Format != "json" {
		t.Errorf("expected default format 'json', got '%s'", cfg.Format)
	}
	if !cfg.Timestamp {
		t.Error("expected default timestamp to be true")
	}
}

func TestInit(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	Debug().Str("path", "/rooms/1").Msg("applying put")

	out := buf.String()
	if !strings.Contains(out, `"message":"applying put"`) {
		t.Errorf("missing message: %s", out)
	}
	if !strings.Contains(out, `"path":"/rooms/1"`) {
		t.Errorf("missing field: %s", out)
	}
}

func TestInit_ServiceField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Service: "mirror-eu", Output: &buf})
	defer Init(DefaultConfig())

	l := WithComponent("engine")
	l.Info().Msg("streaming")
	out := buf.String()
	if !strings.Contains(out, `"service":"mirror-eu"`) || !strings.Contains(out, `"component":"engine"`) {
		t.Errorf("missing service or component field: %s", out)
	}
}

func TestInit_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "console", Output: &buf})
	defer Init(DefaultConfig())

	Info().Msg("console line")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("console output looks like JSON: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.expected {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestErr(t *testing.T) {
	var buf bytes.Buffer
	orig := Logger()
	SetLogger(NewTestLogger(&buf))
	defer SetLogger(orig)

	Err(errTest).Msg("failed")
	if !strings.Contains(buf.String(), `"error":"boom"`) {
		t.Errorf("error field missing: %s", buf.String())
	}
}

type testError string

func (e testError) Error() string { return string(e) }

const errTest = testError("boom")
