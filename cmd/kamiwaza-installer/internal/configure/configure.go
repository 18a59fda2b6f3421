// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package configure holds the best-effort configuration steps applied to a
// resolved distribution: host memory and swap limits, debconf preseeding,
// network and package-manager preferences, and opaque provisioning scripts.
//
// Every Configurator returns an error instead of aborting. The orchestrator
// logs it and marks the phase degraded; none of these settings decide
// whether the package installs.
package configure

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/util"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/wsl"
)

var (
	// ErrUnmanagedConfig is returned when a host config file exists that
	// the installer did not write.
	ErrUnmanagedConfig = errors.New("config file is not managed by kamiwaza-installer")

	// ErrCommandFailed is returned when a configuration command exits
	// non-zero.
	ErrCommandFailed = errors.New("configuration command failed")

	// ErrScriptFailed is returned when a provisioning script exits non-zero.
	ErrScriptFailed = errors.New("provisioning script failed")

	// ErrNoResolver is returned when the distribution has no usable
	// /etc/resolv.conf.
	ErrNoResolver = errors.New("no DNS resolver configured")
)

// Configurator is one best-effort configuration step.
type Configurator interface {
	// Name identifies the step in logs and phase reports.
	Name() string

	// Apply performs the step against h. Implementations are idempotent.
	Apply(ctx context.Context, h *wsl.Handle) error
}

// commandError describes a failed configuration command.
func commandError(step string, out executor.Outcome) error {
	detail := strings.Join(out.Tail(3), " | ")
	if detail == "" {
		return fmt.Errorf("%s: %w (exit %d)", step, ErrCommandFailed, out.ExitCode)
	}
	return fmt.Errorf("%s: %w (exit %d: %s)", step, ErrCommandFailed, out.ExitCode, detail)
}

// writeGuestFile writes content to path inside h as root. The content goes
// through stdin.
func writeGuestFile(ctx context.Context, runner executor.Runner, h *wsl.Handle, path, mode string, content []byte, label string) error {
	out := runner.Run(ctx, executor.Invocation{
		Args:    h.RootShell(wsl.WriteFileScript(path, mode)),
		Stdin:   content,
		Timeout: util.ConfigTimeout,
		Label:   label,
	})
	if !out.OK() {
		return commandError("write "+path, out)
	}
	return nil
}
