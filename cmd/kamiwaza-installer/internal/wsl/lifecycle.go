// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package wsl

import (
	"context"
	"strings"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/util"
)

// DefaultExecutable is the wsl.exe invoked when none is configured.
const DefaultExecutable = "wsl.exe"

// Lifecycle wraps the wsl.exe lifecycle subcommands.
//
// Every method returns the raw Outcome; callers decide what a failure
// means.
type Lifecycle struct {
	WSL    string
	Runner executor.Runner
}

// NewLifecycle creates a Lifecycle. An empty wslPath selects wsl.exe.
func NewLifecycle(wslPath string, runner executor.Runner) Lifecycle {
	if wslPath == "" {
		wslPath = DefaultExecutable
	}
	return Lifecycle{WSL: wslPath, Runner: runner}
}

// List enumerates registered distributions.
//
// wsl.exe exits non-zero with a "no installed distributions" message when
// the list is empty; that case yields an empty set and a nil error flag.
func (l Lifecycle) List(ctx context.Context) (NameSet, executor.Outcome, bool) {
	out := l.Runner.Run(ctx, executor.Invocation{
		Args:    []string{l.WSL, "--list", "--quiet"},
		Timeout: util.ListTimeout,
		Label:   "wsl-list",
	})
	if out.OK() {
		return ParseDistroList(out.Stdout), out, true
	}
	text := strings.ToLower(strings.ReplaceAll(out.Combined(), "\x00", ""))
	if strings.Contains(text, "no installed distributions") {
		return NameSet{}, out, true
	}
	return NameSet{}, out, false
}

// Terminate stops one distribution.
func (l Lifecycle) Terminate(ctx context.Context, name string) executor.Outcome {
	return l.Runner.Run(ctx, executor.Invocation{
		Args:    []string{l.WSL, "--terminate", name},
		Timeout: util.LifecycleTimeout,
		Label:   "wsl-terminate",
	})
}

// Shutdown stops every distribution and the WSL VM.
func (l Lifecycle) Shutdown(ctx context.Context) executor.Outcome {
	return l.Runner.Run(ctx, executor.Invocation{
		Args:    []string{l.WSL, "--shutdown"},
		Timeout: util.LifecycleTimeout,
		Label:   "wsl-shutdown",
	})
}

// Unregister deletes a distribution and its virtual disk.
func (l Lifecycle) Unregister(ctx context.Context, name string) executor.Outcome {
	return l.Runner.Run(ctx, executor.Invocation{
		Args:    []string{l.WSL, "--unregister", name},
		Timeout: util.LifecycleTimeout,
		Label:   "wsl-unregister",
	})
}

// Import registers a distribution from a root filesystem tarball.
func (l Lifecycle) Import(ctx context.Context, name, dataDir, tarball string) executor.Outcome {
	return l.Runner.Run(ctx, executor.Invocation{
		Args:    []string{l.WSL, "--import", name, dataDir, tarball, "--version", "2"},
		Timeout: util.ImportTimeout,
		Label:   "wsl-import",
	})
}

// Verify runs a trivial command as root inside the distribution.
func (l Lifecycle) Verify(ctx context.Context, name string) ProbeResult {
	out := l.Runner.Run(ctx, executor.Invocation{
		Args:    []string{l.WSL, "-d", name, "-u", "root", "--", "echo", VerifyMarker},
		Timeout: util.VerifyTimeout,
		Label:   "wsl-verify",
	})
	return ClassifyProbe(out)
}
