// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package wsl

import (
	"strings"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
)

// VerifyMarker is echoed inside the distribution to prove it runs commands.
const VerifyMarker = "kamiwaza-ok"

// ProbeKind classifies a verification attempt.
type ProbeKind int

const (
	// ProbeUnknown is a failure that is not a recognized corruption.
	ProbeUnknown ProbeKind = iota

	// ProbeHealthy means the distribution ran the verify command.
	ProbeHealthy

	// ProbeCorrupted means the virtual disk could not be attached.
	ProbeCorrupted
)

// String returns the kind name.
func (k ProbeKind) String() string {
	switch k {
	case ProbeHealthy:
		return "healthy"
	case ProbeCorrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

// ProbeResult is the outcome of verifying a distribution.
type ProbeResult struct {
	Kind ProbeKind

	// Signature is the corruption signature matched, for ProbeCorrupted.
	Signature string

	// Detail is a one-line summary of the failure.
	Detail string

	// ExitCode is the verify command's exit code.
	ExitCode int
}

// corruptionSignatures are substrings wsl.exe prints when the distribution's
// ext4.vhdx is missing, locked, or cannot be attached.
var corruptionSignatures = []string{
	"MountVhd",
	"MountDisk",
	"ERROR_FILE_NOT_FOUND",
	"ERROR_PATH_NOT_FOUND",
	"ext4.vhdx",
	"HCS_E_",
	"attach the disk",
	"Failed to attach disk",
	"virtual disk",
}

// ClassifyProbe turns a verify Outcome into a ProbeResult.
func ClassifyProbe(out executor.Outcome) ProbeResult {
	text := strings.ReplaceAll(out.Combined(), "\x00", "")

	if out.OK() && strings.Contains(text, VerifyMarker) {
		return ProbeResult{Kind: ProbeHealthy}
	}

	lower := strings.ToLower(text)
	for _, sig := range corruptionSignatures {
		if strings.Contains(lower, strings.ToLower(sig)) {
			return ProbeResult{
				Kind:      ProbeCorrupted,
				Signature: sig,
				Detail:    firstLine(text),
				ExitCode:  out.ExitCode,
			}
		}
	}

	detail := firstLine(text)
	if detail == "" {
		detail = "verify command produced no output"
	}
	return ProbeResult{Kind: ProbeUnknown, Detail: detail, ExitCode: out.ExitCode}
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// DistroNotFound reports whether out is wsl.exe saying the named
// distribution does not exist.
func DistroNotFound(out executor.Outcome) bool {
	text := strings.ToLower(strings.ReplaceAll(out.Combined(), "\x00", ""))
	return strings.Contains(text, "wsl_e_distro_not_found") ||
		strings.Contains(text, "no distribution with the supplied name")
}
