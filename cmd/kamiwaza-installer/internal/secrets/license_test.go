// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package secrets

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLicenseKey_Reveal(t *testing.T) {
	k := NewLicenseKey("KMZ-1234-ABCD")
	require.True(t, k.IsSet())

	var seen string
	err := k.Reveal(func(p []byte) error {
		seen = string(p)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "KMZ-1234-ABCD", seen)
}

func TestLicenseKey_RevealPropagatesError(t *testing.T) {
	k := NewLicenseKey("KMZ-1234-ABCD")
	want := fmt.Errorf("write failed")
	err := k.Reveal(func([]byte) error { return want })
	assert.ErrorIs(t, err, want)
}

func TestLicenseKey_Empty(t *testing.T) {
	k := NewLicenseKey("")
	assert.False(t, k.IsSet())
	assert.ErrorIs(t, k.Reveal(func([]byte) error { return nil }), ErrNoKey)

	var nilKey *LicenseKey
	assert.False(t, nilKey.IsSet())
	assert.ErrorIs(t, nilKey.Reveal(func([]byte) error { return nil }), ErrNoKey)
}

func TestLicenseKey_Destroy(t *testing.T) {
	k := NewLicenseKey("KMZ-1234-ABCD")
	k.Destroy()
	assert.False(t, k.IsSet())
	assert.ErrorIs(t, k.Reveal(func([]byte) error { return nil }), ErrNoKey)
}

func TestLicenseKey_NeverPrinted(t *testing.T) {
	k := NewLicenseKey("KMZ-1234-ABCD")

	assert.Equal(t, Redacted, fmt.Sprintf("%v", k))
	assert.Equal(t, Redacted, k.String())

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("session", "license", k)
	assert.NotContains(t, buf.String(), "KMZ-1234-ABCD")
	assert.Contains(t, buf.String(), Redacted)
}
