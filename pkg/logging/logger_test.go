// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.String())
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

// =============================================================================
// Logger Tests
// =============================================================================

type replaceRedactor struct{ secret string }

func (r replaceRedactor) Sanitize(text string) string {
	return strings.ReplaceAll(text, r.secret, "[REDACTED]")
}

func TestNew_WritesConsoleAndFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "installer",
		Console: &console,
	})

	logger.Info("phase started", "phase", "PREREQS")
	logger.Debug("hidden")
	require.NoError(t, logger.Close())

	assert.Contains(t, console.String(), "phase started")
	assert.NotContains(t, console.String(), "hidden")
	require.NotEmpty(t, logger.FilePath())

	data, err := os.ReadFile(logger.FilePath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"phase":"PREREQS"`)
	assert.Contains(t, string(data), `"service":"installer"`)
}

func TestNew_QuietWithoutDirDiscards(t *testing.T) {
	var console bytes.Buffer
	logger := New(Config{Quiet: true, Console: &console})
	logger.Error("nothing to see")
	assert.Empty(t, console.String())
	assert.Empty(t, logger.FilePath())
	assert.NoError(t, logger.Close())
}

func TestRedactHandler_MasksMessageAndAttrs(t *testing.T) {
	var console bytes.Buffer
	logger := New(Config{
		Console:  &console,
		Redactor: replaceRedactor{secret: "KMZ-SECRET-1234"},
	})

	logger.Slog().Info("running with KMZ-SECRET-1234",
		"args", []string{"debconf", "KMZ-SECRET-1234"},
		"err", errors.New("bad key KMZ-SECRET-1234"),
		"plain", "KMZ-SECRET-1234",
	)

	out := console.String()
	assert.NotContains(t, out, "KMZ-SECRET-1234")
	assert.Equal(t, 4, strings.Count(out, "[REDACTED]"))
}

func TestWith_SharesFile(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Quiet: true})
	child := logger.With("run_id", "abc")
	child.Warn("degraded")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logger.FilePath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id":"abc"`)
}
