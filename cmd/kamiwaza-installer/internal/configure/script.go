// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package configure

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/util"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/wsl"
)

// ScriptRunner runs an opaque provisioning script shipped next to the
// installer.
//
// The contract is fixed: `bash <script> <mode>`, run as root, exit 0 means
// success. Output is streamed so long driver installs produce heartbeats.
type ScriptRunner struct {
	runner  executor.Runner
	mode    string
	timeout time.Duration
	onLine  func(string)
}

// NewScriptRunner creates a ScriptRunner. Zero timeout defaults to
// util.DownloadTimeout.
func NewScriptRunner(runner executor.Runner, mode string, timeout time.Duration, onLine func(string)) *ScriptRunner {
	if timeout <= 0 {
		timeout = util.DownloadTimeout
	}
	return &ScriptRunner{runner: runner, mode: mode, timeout: timeout, onLine: onLine}
}

// Run translates hostPath into the distribution and runs it.
//
// # Inputs
//
//   - h: the active distribution
//   - hostPath: Windows path of the script, e.g. C:\Program Files\Kamiwaza\scripts\gpu_prep.sh
//
// # Outputs
//
//   - error: wraps ErrScriptFailed on a non-zero exit
func (s *ScriptRunner) Run(ctx context.Context, h *wsl.Handle, hostPath string) error {
	guestPath, err := s.translate(ctx, h, hostPath)
	if err != nil {
		return err
	}

	out := s.runner.Run(ctx, executor.Invocation{
		Args:    h.RootCommand("bash", guestPath, s.mode),
		Timeout: s.timeout,
		Stream:  true,
		OnLine:  s.onLine,
		Label:   "script-" + strings.TrimSuffix(path.Base(guestPath), ".sh"),
	})
	if !out.OK() {
		return fmt.Errorf("%s: %w (exit %d: %s)", guestPath, ErrScriptFailed, out.ExitCode,
			strings.Join(out.Tail(5), " | "))
	}
	return nil
}

// translate converts a Windows path with `wslpath -a`. Paths that already
// look like Linux paths are used as-is.
func (s *ScriptRunner) translate(ctx context.Context, h *wsl.Handle, hostPath string) (string, error) {
	if strings.HasPrefix(hostPath, "/") {
		return hostPath, nil
	}
	out := s.runner.Run(ctx, executor.Invocation{
		Args:    h.RootCommand("wslpath", "-a", hostPath),
		Timeout: util.ConfigTimeout,
		Label:   "wslpath",
	})
	guest := strings.TrimSpace(strings.ReplaceAll(out.Stdout, "\x00", ""))
	if !out.OK() || guest == "" {
		return "", commandError("wslpath "+hostPath, out)
	}
	return guest, nil
}
