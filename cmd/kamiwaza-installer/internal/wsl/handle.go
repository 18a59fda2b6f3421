// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package wsl

// State is a resolver state.
type State int

const (
	StateAbsent State = iota
	StateExistsHealthy
	StateExistsCorrupted
	StateActive
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAbsent:
		return "ABSENT"
	case StateExistsHealthy:
		return "EXISTS_HEALTHY"
	case StateExistsCorrupted:
		return "EXISTS_CORRUPTED"
	case StateActive:
		return "ACTIVE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Role distinguishes the owned primary distribution from a borrowed
// fallback.
type Role int

const (
	RolePrimary Role = iota
	RoleFallback
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleFallback {
		return "fallback"
	}
	return "primary"
}

// Handle references a resolved, ACTIVE distribution.
//
// It carries everything needed to build commands that run inside the
// distribution. A Handle is only valid for the current run.
type Handle struct {
	// Name is the distribution name.
	Name string

	// State is always StateActive for a returned Handle.
	State State

	// Role is primary or fallback.
	Role Role

	// User is the non-root account the application runs as.
	User string

	// IsDefaultUser reports whether User is the distribution's default.
	IsDefaultUser bool

	// Owned is true for the primary: cleanup may unregister it.
	Owned bool

	// Created is true when this run imported the distribution.
	Created bool

	// DataDir is the host directory backing an owned distribution.
	DataDir string

	// ConfigBackup holds a fallback's wsl.conf from before the installer
	// edited it. Nil when nothing was changed.
	ConfigBackup *FileBackup

	// WSL is the wsl.exe path used to build commands.
	WSL string
}

// Command returns an argument vector running args as Handle.User.
func (h *Handle) Command(args ...string) []string {
	return h.as(h.User, args)
}

// RootCommand returns an argument vector running args as root.
func (h *Handle) RootCommand(args ...string) []string {
	return h.as("root", args)
}

// Shell returns an argument vector running script with bash as User.
// A login shell is used so the application's PATH entries apply.
func (h *Handle) Shell(script string) []string {
	return h.Command("bash", "-lc", script)
}

// RootShell returns an argument vector running script with bash as root.
func (h *Handle) RootShell(script string) []string {
	return h.RootCommand("bash", "-c", script)
}

func (h *Handle) as(user string, args []string) []string {
	wslPath := h.WSL
	if wslPath == "" {
		wslPath = DefaultExecutable
	}
	out := make([]string, 0, len(args)+6)
	out = append(out, wslPath, "-d", h.Name)
	if user != "" {
		out = append(out, "-u", user)
	}
	out = append(out, "--")
	return append(out, args...)
}
