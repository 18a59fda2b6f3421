// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/util"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/wsl"
)

// ErrSignatureMismatch is reported when a generated config no longer
// carries the installer's signature and is therefore left in place.
var ErrSignatureMismatch = errors.New("content does not carry the installer signature")

// Config configures a Manager.
type Config struct {
	// WSL is the wsl.exe path. Default: "wsl.exe"
	WSL string

	// StepTimeout bounds each step. Default: util.CleanupStepTimeout
	StepTimeout time.Duration

	// KeepLogs leaves recorded log directories in place so the user can be
	// pointed at them after a failed install. The cleanup subcommand
	// clears it.
	KeepLogs bool

	// Logger receives one warning per failed step.
	Logger *slog.Logger
}

// StepResult is the outcome of one cleanup step.
type StepResult struct {
	Step    string
	Target  string
	Err     error
	Skipped bool
	Elapsed time.Duration
}

// Report lists every step Run attempted, in order.
type Report struct {
	Steps []StepResult
}

// OK reports whether no step failed.
func (r Report) OK() bool {
	return len(r.Failed()) == 0
}

// Failed returns the steps that returned an error.
func (r Report) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Manager runs best-effort teardown of a Record.
//
// # Description
//
// The steps follow a fixed order:
//
//  1. Per recorded environment: terminate, remove temp files and restore
//     edited files (reused environments only), purge the installed package,
//     unregister (owned environments only)
//  2. Remove recorded data directories
//  3. Remove generated config files whose content still starts with the
//     recorded signature
//  4. Remove recorded log directories (unless KeepLogs)
//  5. Prune empty directories under the app-data directory; the directory
//     itself goes only when nothing is left in it
//
// Each step runs under util.CallSafely with its own timeout, on a context
// detached from the caller's cancellation so an interrupted install still
// unwinds. Run never returns an error and never panics. It is idempotent:
// already-removed resources count as removed.
//
// # Thread Safety
//
// Safe for concurrent use, but callers run it at most once at a time.
type Manager struct {
	cfg       Config
	runner    executor.Runner
	lifecycle wsl.Lifecycle
	logger    *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg Config, runner executor.Runner) *Manager {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = util.CleanupStepTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		cfg:       cfg,
		runner:    runner,
		lifecycle: wsl.NewLifecycle(cfg.WSL, runner),
		logger:    logger,
	}
}

// Run undoes everything in rec.
func (m *Manager) Run(ctx context.Context, rec *Record) Report {
	var rep Report
	base := context.WithoutCancel(ctx)
	m.logger.Info("cleanup started", "entries", len(rec.Entries()))

	for _, env := range rec.Of(KindEnvironment) {
		m.cleanEnvironment(base, &rep, env, rec.Of(KindTempFile), rec.Of(KindRestoredFile))
	}
	for _, dir := range rec.Of(KindDataDir) {
		m.step(base, &rep, "remove-data-dir", dir.Path, func(context.Context) error {
			return removeAll(dir.Path)
		})
	}
	for _, cfg := range rec.Of(KindGeneratedConfig) {
		m.step(base, &rep, "remove-generated-config", cfg.Path, func(context.Context) error {
			return removeIfSigned(cfg.Path, cfg.Signature)
		})
	}
	for _, dir := range rec.Of(KindLogDir) {
		if m.cfg.KeepLogs {
			rep.Steps = append(rep.Steps, StepResult{Step: "remove-log-dir", Target: dir.Path, Skipped: true})
			continue
		}
		m.step(base, &rep, "remove-log-dir", dir.Path, func(context.Context) error {
			return removeAll(dir.Path)
		})
	}
	for _, dir := range rec.Of(KindAppDataDir) {
		m.step(base, &rep, "remove-app-data-dir", dir.Path, func(context.Context) error {
			return pruneEmptyDirs(dir.Path)
		})
	}

	m.logger.Info("cleanup finished", "steps", len(rep.Steps), "failed", len(rep.Failed()))
	return rep
}

func (m *Manager) cleanEnvironment(ctx context.Context, rep *Report, env Entry, temps, restores []Entry) {
	h := &wsl.Handle{Name: env.Name, WSL: m.lifecycle.WSL}

	m.step(ctx, rep, "terminate", env.Name, func(ctx context.Context) error {
		return m.lifecycleStep("terminate", m.lifecycle.Terminate(ctx, env.Name))
	})

	// Unregistering an owned environment discards its files.
	if !env.Owned {
		for _, tmp := range temps {
			if tmp.Name != env.Name {
				continue
			}
			m.step(ctx, rep, "remove-temp-file", env.Name+":"+tmp.Path, func(ctx context.Context) error {
				return m.guestStep("rm", m.runner.Run(ctx, executor.Invocation{
					Args:    h.RootCommand("rm", "-f", tmp.Path),
					Timeout: m.cfg.StepTimeout,
					Label:   "cleanup-rm",
				}))
			})
		}
		for _, f := range restores {
			if f.Name != env.Name {
				continue
			}
			m.step(ctx, rep, "restore-file", env.Name+":"+f.Path, func(ctx context.Context) error {
				return m.guestStep("restore", m.runner.Run(ctx, restoreInvocation(h, f, m.cfg.StepTimeout)))
			})
		}
	}

	if env.Package != "" {
		m.step(ctx, rep, "purge-package", env.Name+":"+env.Package, func(ctx context.Context) error {
			return m.guestStep("apt-get purge", m.runner.Run(ctx, executor.Invocation{
				Args: h.RootShell("export DEBIAN_FRONTEND=noninteractive; " +
					"dpkg -s " + env.Package + " >/dev/null 2>&1 || exit 0; apt-get purge -y -q " + env.Package),
				Timeout: m.cfg.StepTimeout,
				Label:   "cleanup-purge",
			}))
		})
	}

	if env.Owned {
		m.step(ctx, rep, "unregister", env.Name, func(ctx context.Context) error {
			return m.lifecycleStep("unregister", m.lifecycle.Unregister(ctx, env.Name))
		})
	}
}

// restoreInvocation puts f back as recorded: the original content, or no
// file at all when the installer created it.
func restoreInvocation(h *wsl.Handle, f Entry, timeout time.Duration) executor.Invocation {
	if !f.Existed {
		return executor.Invocation{Args: h.RootCommand("rm", "-f", f.Path), Timeout: timeout, Label: "cleanup-restore"}
	}
	return executor.Invocation{
		Args:    h.RootShell(wsl.WriteFileScript(f.Path, "0644")),
		Stdin:   []byte(f.Original),
		Timeout: timeout,
		Label:   "cleanup-restore",
	}
}

// step runs fn with panic recovery and the step timeout. A step that
// overruns is reported as failed and abandoned.
func (m *Manager) step(ctx context.Context, rep *Report, name, target string, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- util.CallSafely(func() error { return fn(stepCtx) })
	}()

	var err error
	select {
	case err = <-done:
	case <-stepCtx.Done():
		err = fmt.Errorf("step timed out after %v", m.cfg.StepTimeout)
	}

	res := StepResult{Step: name, Target: target, Err: err, Elapsed: time.Since(start)}
	rep.Steps = append(rep.Steps, res)
	if err != nil {
		m.logger.Warn("cleanup step failed", "step", name, "target", target, "error", err)
		return
	}
	m.logger.Info("cleanup step done", "step", name, "target", target, "elapsed", res.Elapsed)
}

// lifecycleStep treats "distribution not found" as already done.
func (m *Manager) lifecycleStep(op string, out executor.Outcome) error {
	if out.OK() || wsl.DistroNotFound(out) {
		return nil
	}
	return fmt.Errorf("wsl %s exited %d: %s", op, out.ExitCode, strings.Join(out.Tail(2), " | "))
}

// guestStep treats a missing distribution as nothing left to remove.
func (m *Manager) guestStep(op string, out executor.Outcome) error {
	if out.OK() || wsl.DistroNotFound(out) {
		return nil
	}
	return fmt.Errorf("%s exited %d: %s", op, out.ExitCode, strings.Join(out.Tail(2), " | "))
}

func removeAll(path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}

// removeIfSigned deletes path only when its first non-blank line equals
// signature.
func removeIfSigned(path, signature string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if firstContentLine(string(data)) != signature {
		return fmt.Errorf("%s: %w", path, ErrSignatureMismatch)
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func firstContentLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(line, "\ufeff"))
		if line != "" {
			return line
		}
	}
	return ""
}

// pruneEmptyDirs removes every empty directory under dir, dir included.
// Files are never touched, so the run history and the instance lock keep
// dir itself in place while the wsl, logs and downloads trees go.
func pruneEmptyDirs(dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	var dirs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Walk order is parent first; reversed, children go before parents.
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			continue
		}
		if err := os.Remove(dirs[i]); err != nil {
			return err
		}
	}
	return nil
}
