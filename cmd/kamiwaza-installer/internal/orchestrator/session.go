// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"sync"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/secrets"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/wsl"
)

// Session holds the caller-supplied parameters of one run and its mutable
// state. It is created at process start and discarded at exit.
type Session struct {
	RunID string

	Version  string
	Codename string
	Build    string
	Arch     string

	// MemoryGB and SwapGB size the WSL VM. Zero leaves the setting alone.
	MemoryGB int
	SwapGB   int

	Email          string
	License        *secrets.LicenseKey
	UsageReporting bool
	Mode           string

	// PackageURL is the .deb to install.
	PackageURL string

	mu     sync.Mutex
	phase  Phase
	handle *wsl.Handle
}

// Phase returns the phase currently running.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Handle returns the resolved environment, or nil before ENVIRONMENT
// succeeds.
func (s *Session) Handle() *wsl.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) setHandle(h *wsl.Handle) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}
