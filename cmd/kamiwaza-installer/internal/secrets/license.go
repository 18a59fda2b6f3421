// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package secrets holds the license key in guarded memory.
//
// The key is sealed into a memguard Enclave as soon as the CLI parses it.
// It is only decrypted inside Reveal, and the plaintext buffer is wiped when
// the callback returns. String and LogValue never return the key, so passing
// a *LicenseKey to fmt or slog is safe.
package secrets

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
)

// Redacted is what a LicenseKey prints as.
const Redacted = "[REDACTED]"

// ErrNoKey is returned by Reveal when no key was supplied or it was destroyed.
var ErrNoKey = errors.New("license key not set")

// LicenseKey is an encrypted, in-memory license key.
//
// # Thread Safety
//
// Safe for concurrent use.
type LicenseKey struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
}

// NewLicenseKey seals raw into an enclave. An empty raw yields a key for
// which IsSet returns false.
func NewLicenseKey(raw string) *LicenseKey {
	k := &LicenseKey{}
	if raw == "" {
		return k
	}
	// NewEnclave wipes the source slice.
	k.enclave = memguard.NewEnclave([]byte(raw))
	return k
}

// IsSet reports whether a key is held.
func (k *LicenseKey) IsSet() bool {
	if k == nil {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.enclave != nil
}

// Reveal decrypts the key and passes the plaintext to fn. The slice is only
// valid during fn and is destroyed afterwards; fn must not retain it.
func (k *LicenseKey) Reveal(fn func(plaintext []byte) error) error {
	if k == nil {
		return ErrNoKey
	}
	k.mu.Lock()
	enclave := k.enclave
	k.mu.Unlock()
	if enclave == nil {
		return ErrNoKey
	}

	buf, err := enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()

	return fn(buf.Bytes())
}

// Destroy drops the enclave. Subsequent Reveal calls return ErrNoKey.
func (k *LicenseKey) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	k.enclave = nil
	k.mu.Unlock()
}

// String implements fmt.Stringer without exposing the key.
func (k *LicenseKey) String() string {
	return Redacted
}

// LogValue implements slog.LogValuer without exposing the key.
func (k *LicenseKey) LogValue() slog.Value {
	return slog.StringValue(Redacted)
}

// Purge wipes all guarded memory. Called once at process exit; interrupts
// are handled by the CLI so cleanup can run before the purge.
func Purge() {
	memguard.Purge()
}
