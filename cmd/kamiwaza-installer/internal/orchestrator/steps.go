// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/configure"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/util"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/wsl"
)

// TermLogPath is dpkg's transcript inside the environment.
const TermLogPath = "/var/log/apt/term.log"

// =============================================================================
// PREREQS
// =============================================================================

// checkPrereqs verifies WSL itself and climbs the remediation ladder when
// it is not operable.
func (r *run) checkPrereqs(ctx context.Context) error {
	lc := wsl.NewLifecycle(r.o.cfg.WSL, r.o.deps.Runner)
	status := lc.CheckSubsystem(ctx)
	if status.Operable {
		return nil
	}
	r.logger.Warn("wsl not operable", "reason", status.Reason)
	r.o.deps.Printer.Warning("WSL is not ready: " + status.Reason)

	rungs := []struct {
		name string
		run  func(context.Context) executor.Outcome
	}{
		{"wsl --update", lc.Update},
		{"wsl --install --no-distribution", lc.InstallSubsystem},
	}
	attempts := min(r.o.cfg.MaxRemediationAttempts, len(rungs))

	var last executor.Outcome
	for _, rung := range rungs[:attempts] {
		r.o.deps.Printer.Info("Running " + rung.name)
		last = rung.run(ctx)
		r.logger.Info("remediation finished", "step", rung.name, "exit_code", last.ExitCode)
		if wsl.RebootRequired(last) {
			return ErrRebootRequired
		}
		if !last.OK() {
			continue
		}
		if status = lc.CheckSubsystem(ctx); status.Operable {
			return nil
		}
	}
	return withTail(fmt.Errorf("%w: %s", ErrSubsystemUnavailable, status.Reason),
		last.Tail(r.o.cfg.TailLines))
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

// resolveEnvironment delegates to the resolver and records what the
// resolver created. A nil handle leaves nothing to unwind.
func (r *run) resolveEnvironment(ctx context.Context) error {
	h, err := r.o.deps.Resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	r.s.setHandle(h)

	r.rec.AddEnvironment(h.Name, h.Owned && h.Created, r.o.cfg.PackageName)
	if h.Created && h.DataDir != "" {
		r.rec.AddDataDir(h.DataDir)
	}
	if b := h.ConfigBackup; b != nil {
		r.rec.AddRestoredFile(h.Name, b.Path, b.Original, b.Existed)
	}
	r.journal.Environment = h.Name
	r.save(ctx)

	if !h.IsDefaultUser {
		r.logger.Warn("default user not configured", "name", h.Name, "user", h.User)
	}
	r.logger.Info("environment ready", "name", h.Name, "role", h.Role.String(),
		"created", h.Created, "owned", h.Owned)
	return nil
}

// =============================================================================
// Configuration
// =============================================================================

func (r *run) configureMemory(ctx context.Context) error {
	if r.s.MemoryGB <= 0 || r.o.cfg.WSLConfigPath == "" {
		return errSkipped
	}
	c := configure.NewMemoryConfigurator(r.o.cfg.WSLConfigPath, r.s.MemoryGB, r.o.cfg.WSL,
		r.o.deps.Runner, r.logger)
	if err := c.Apply(ctx, r.s.Handle()); err != nil {
		return err
	}
	r.rec.AddGeneratedConfig(r.o.cfg.WSLConfigPath, configure.ManagedSignature)
	return nil
}

// configureSystem applies every guest configurator. Each one runs even if
// an earlier one failed.
func (r *run) configureSystem(ctx context.Context) error {
	h := r.s.Handle()
	runner := r.o.deps.Runner

	steps := []configure.Configurator{
		configure.NewDebconfConfigurator(runner, configure.DebconfSettings{
			License:        r.s.License,
			Email:          r.s.Email,
			UsageReporting: r.s.UsageReporting,
			Mode:           r.s.Mode,
		}),
	}
	swap := r.s.SwapGB > 0 && r.o.cfg.WSLConfigPath != ""
	if swap {
		steps = append(steps, configure.NewSwapConfigurator(r.o.cfg.WSLConfigPath, r.s.SwapGB,
			r.o.cfg.WSL, runner, r.logger))
	}
	steps = append(steps,
		configure.NewNetworkConfigurator(runner),
		configure.NewAptConfigurator(runner, r.o.cfg.AptRetries),
	)

	var errs []error
	for _, c := range steps {
		if err := c.Apply(ctx, h); err != nil {
			r.logger.Warn("configuration step failed", "step", c.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		if c.Name() == "swap" {
			r.rec.AddGeneratedConfig(r.o.cfg.WSLConfigPath, configure.ManagedSignature)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Drivers
// =============================================================================

func (r *run) prepareDriver(ctx context.Context) error {
	return r.runDriverScript(ctx, r.o.cfg.DriverPrepScript)
}

func (r *run) verifyDriver(ctx context.Context) error {
	return r.runDriverScript(ctx, r.o.cfg.DriverVerifyScript)
}

func (r *run) runDriverScript(ctx context.Context, script string) error {
	if script == "" || !r.o.cfg.Capabilities[r.o.cfg.DriverCapability] {
		return errSkipped
	}
	sr := configure.NewScriptRunner(r.o.deps.Runner, r.s.Mode, r.o.cfg.ScriptTimeout, r.o.deps.Printer.Muted)
	return sr.Run(ctx, r.s.Handle(), script)
}

// =============================================================================
// PACKAGE_DOWNLOAD
// =============================================================================

// downloadPackage fetches the package into /tmp inside the environment and
// checks it is non-empty.
func (r *run) downloadPackage(ctx context.Context) error {
	h := r.s.Handle()
	guest := "/tmp/" + ArtifactName(r.s.PackageURL)
	r.rec.AddTempFile(h.Name, guest)
	r.save(ctx)

	out := r.o.deps.Runner.Run(ctx, executor.Invocation{
		Args:    h.Command("curl", "-fsSL", "--retry", "3", "-o", guest, r.s.PackageURL),
		Timeout: util.DownloadTimeout,
		Label:   "package-download",
	})
	if !out.OK() {
		return withTail(fmt.Errorf("%w: curl exited %d", ErrDownloadFailed, out.ExitCode),
			out.Tail(r.o.cfg.TailLines))
	}

	stat := r.o.deps.Runner.Run(ctx, executor.Invocation{
		Args:    h.Command("stat", "-c", "%s", guest),
		Timeout: util.ConfigTimeout,
		Label:   "package-stat",
	})
	size, err := strconv.ParseInt(strings.TrimSpace(strings.ReplaceAll(stat.Stdout, "\x00", "")), 10, 64)
	if !stat.OK() || err != nil || size <= 0 {
		return withTail(fmt.Errorf("%w: %s", ErrEmptyArtifact, guest), stat.Tail(r.o.cfg.TailLines))
	}

	r.artifact = guest
	r.logger.Info("package downloaded", "path", guest, "bytes", size)
	return nil
}

// ArtifactName derives a safe file name ending in .deb from a package URL.
func ArtifactName(rawURL string) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	}
	if name == "" || name == "." || name == "/" {
		name = DefaultPackageName
	}
	name = strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			return c
		case c == '.', c == '-', c == '_', c == '+':
			return c
		default:
			return '_'
		}
	}, name)
	if !strings.HasSuffix(name, ".deb") {
		name += ".deb"
	}
	return name
}

// =============================================================================
// PACKAGE_INSTALL
// =============================================================================

// installPackage refreshes metadata and installs the artifact. Both steps
// stream without a timeout.
func (r *run) installPackage(ctx context.Context) error {
	h := r.s.Handle()
	r.progress.Report(InstallStartProgress)
	printer := r.o.deps.Printer

	update := r.o.deps.Runner.Run(ctx, executor.Invocation{
		Args:   h.RootShell("export DEBIAN_FRONTEND=noninteractive; apt-get update -q"),
		Stream: true,
		OnLine: printer.Muted,
		Label:  "apt-update",
	})
	if !update.OK() {
		return withTail(fmt.Errorf("%w: apt-get exited %d", ErrMetadataRefreshFailed, update.ExitCode),
			r.installTail(ctx, h, update))
	}

	milestones := NewMilestoneTracker(r.progress, nil)
	install := r.o.deps.Runner.Run(ctx, executor.Invocation{
		Args:   h.RootShell("export DEBIAN_FRONTEND=noninteractive; apt-get install -y -q " + r.artifact),
		Stream: true,
		OnLine: func(line string) {
			printer.Muted(line)
			milestones.Observe(line)
		},
		Label: "apt-install",
	})
	if !install.OK() {
		return withTail(fmt.Errorf("%w: apt-get exited %d", ErrPackageInstallFailed, install.ExitCode),
			r.installTail(ctx, h, install))
	}
	r.logger.Info("package installed", "milestones", milestones.Reached())

	command := strings.Fields(r.o.cfg.StartCommand)[0]
	which := r.o.deps.Runner.Run(ctx, executor.Invocation{
		Args:    h.Shell("command -v " + command),
		Timeout: util.ConfigTimeout,
		Label:   "command-lookup",
	})
	if !which.OK() {
		return withTail(fmt.Errorf("%w: %s", ErrCommandNotFound, command), which.Tail(r.o.cfg.TailLines))
	}

	rm := r.o.deps.Runner.Run(ctx, executor.Invocation{
		Args:    h.RootCommand("rm", "-f", r.artifact),
		Timeout: util.ConfigTimeout,
		Label:   "package-remove-artifact",
	})
	if !rm.OK() {
		r.logger.Warn("failed to remove downloaded package", "path", r.artifact, "exit_code", rm.ExitCode)
	}
	return nil
}

// installTail combines the failing step's output with the end of dpkg's
// transcript, which often holds the real cause.
func (r *run) installTail(ctx context.Context, h *wsl.Handle, out executor.Outcome) []string {
	n := r.o.cfg.TailLines
	tail := out.Tail(n)

	term := r.o.deps.Runner.Run(context.WithoutCancel(ctx), executor.Invocation{
		Args:    h.RootCommand("tail", "-n", strconv.Itoa(n), TermLogPath),
		Timeout: util.ConfigTimeout,
		Label:   "term-log-tail",
	})
	if term.OK() && strings.TrimSpace(term.Stdout) != "" {
		tail = append(tail, "--- "+TermLogPath+" ---")
		for _, line := range strings.Split(strings.TrimRight(term.Stdout, "\n"), "\n") {
			tail = append(tail, strings.TrimRight(line, "\r"))
		}
	}
	return tail
}

// =============================================================================
// SERVICE_START and LOG_COLLECTION
// =============================================================================

func (r *run) startService(ctx context.Context) error {
	h := r.s.Handle()
	out := r.o.deps.Runner.Run(ctx, executor.Invocation{
		Args:   h.Shell(r.o.cfg.StartCommand),
		Stream: true,
		OnLine: r.o.deps.Printer.Muted,
		Label:  "service-start",
	})
	if !out.OK() {
		return withTail(fmt.Errorf("%w: %q exited %d", ErrServiceStartFailed, r.o.cfg.StartCommand, out.ExitCode),
			out.Tail(r.o.cfg.TailLines))
	}
	r.result.ServiceStarted = true
	return nil
}

// collectLogs never fails the phase; problems are in the report.
func (r *run) collectLogs(ctx context.Context) error {
	if r.o.deps.Logs == nil {
		return errSkipped
	}
	rep := r.o.deps.Logs.Collect(ctx, r.s.Handle())
	r.result.Logs = &rep
	if rep.UploadErr != nil {
		r.logger.Warn("log upload failed", "error", rep.UploadErr)
	}
	return nil
}
