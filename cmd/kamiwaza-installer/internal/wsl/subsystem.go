// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package wsl

import (
	"context"
	"strconv"
	"strings"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/util"
)

// ExitRebootRequired is the Windows installer convention for "succeeded,
// restart required".
const ExitRebootRequired = 3010

// SubsystemStatus is the result of a read-only WSL health check.
type SubsystemStatus struct {
	// Operable is true when wsl.exe runs and reports a usable WSL 2.
	Operable bool

	// Reason explains a non-operable status.
	Reason string

	Outcome executor.Outcome
}

// notOperableMarkers appear in `wsl --status` output when WSL or the
// Virtual Machine Platform is missing or disabled.
var notOperableMarkers = []string{
	"is not installed",
	"not enabled",
	"virtual machine platform",
	"please enable",
	"wsl --install",
	"requires an update",
}

// CheckSubsystem runs `wsl --status` without touching any distribution.
func (l Lifecycle) CheckSubsystem(ctx context.Context) SubsystemStatus {
	out := l.Runner.Run(ctx, executor.Invocation{
		Args:    []string{l.WSL, "--status"},
		Timeout: util.ListTimeout,
		Label:   "wsl-status",
	})
	if out.Err != nil {
		return SubsystemStatus{Reason: "wsl.exe could not be started: " + out.Err.Error(), Outcome: out}
	}

	text := strings.ToLower(strings.ReplaceAll(out.Combined(), "\x00", ""))
	for _, marker := range notOperableMarkers {
		if strings.Contains(text, marker) {
			return SubsystemStatus{Reason: firstLine(strings.ReplaceAll(out.Combined(), "\x00", "")), Outcome: out}
		}
	}
	if !out.OK() {
		return SubsystemStatus{Reason: "wsl --status exited " + strconv.Itoa(out.ExitCode), Outcome: out}
	}
	return SubsystemStatus{Operable: true, Outcome: out}
}

// Update runs `wsl --update`.
func (l Lifecycle) Update(ctx context.Context) executor.Outcome {
	return l.Runner.Run(ctx, executor.Invocation{
		Args:    []string{l.WSL, "--update"},
		Timeout: util.RemediationTimeout,
		Stream:  true,
		Label:   "wsl-update",
	})
}

// InstallSubsystem runs `wsl --install --no-distribution`.
func (l Lifecycle) InstallSubsystem(ctx context.Context) executor.Outcome {
	return l.Runner.Run(ctx, executor.Invocation{
		Args:    []string{l.WSL, "--install", "--no-distribution"},
		Timeout: util.RemediationTimeout,
		Stream:  true,
		Label:   "wsl-install",
	})
}

// RebootRequired reports whether a remediation outcome asks for a restart.
func RebootRequired(out executor.Outcome) bool {
	if out.ExitCode == ExitRebootRequired {
		return true
	}
	text := strings.ToLower(strings.ReplaceAll(out.Combined(), "\x00", ""))
	return strings.Contains(text, "restart") || strings.Contains(text, "reboot")
}
