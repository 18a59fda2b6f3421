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
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/cleanup"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/diagnostics"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/history"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/logsync"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/redact"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/util"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/wsl"
	"github.com/kamiwaza-ai/kamiwaza-installer/pkg/ux"
)

// Defaults applied by New.
const (
	DefaultPackageName            = "kamiwaza"
	DefaultStartCommand           = "kamiwaza start"
	DefaultDriverCapability       = "gpu_nvidia"
	DefaultScriptTimeout          = 30 * time.Minute
	DefaultMaxRemediationAttempts = 2
	DefaultTailLines              = 40
)

// EnvironmentResolver produces an ACTIVE environment.
type EnvironmentResolver interface {
	Resolve(ctx context.Context) (*wsl.Handle, error)
}

// Cleaner undoes what a failed run recorded.
type Cleaner interface {
	Run(ctx context.Context, rec *cleanup.Record) cleanup.Report
}

// LogCollector mirrors logs out of the environment.
type LogCollector interface {
	Collect(ctx context.Context, h *wsl.Handle) logsync.Report
}

// Journal persists run progress so a crashed run can be cleaned up later.
type Journal interface {
	Save(ctx context.Context, run history.Run) error
}

// Config holds host-side settings resolved by the CLI.
type Config struct {
	// WSL is the wsl.exe path. Default: "wsl.exe"
	WSL string

	// WSLConfigPath is the user's .wslconfig. Empty skips memory and swap.
	WSLConfigPath string

	// LogDir is this run's host log directory.
	LogDir string

	// OwnsLogDir is true when this run created LogDir.
	OwnsLogDir bool

	// AppDataDir is the installer's parent data directory. It is removed
	// by cleanup only when empty.
	AppDataDir string

	// PackageName is the Debian package. Default: DefaultPackageName
	PackageName string

	// StartCommand starts the application. Its first word must be on PATH
	// after install. Default: DefaultStartCommand
	StartCommand string

	// Capabilities are pre-computed host capability flags.
	Capabilities map[string]bool

	// DriverCapability gates the driver scripts.
	// Default: DefaultDriverCapability
	DriverCapability string

	// DriverPrepScript and DriverVerifyScript are host paths of
	// provisioning scripts. Empty skips the phase.
	DriverPrepScript   string
	DriverVerifyScript string

	// ScriptTimeout bounds each provisioning script.
	// Default: DefaultScriptTimeout
	ScriptTimeout time.Duration

	// AptRetries is written to the apt configuration. Zero selects the
	// configurator default.
	AptRetries int

	// MaxRemediationAttempts caps the WSL remediation ladder.
	// Default: DefaultMaxRemediationAttempts
	MaxRemediationAttempts int

	// TailLines is how much output a fatal failure reports.
	// Default: DefaultTailLines
	TailLines int
}

// Deps are the collaborators of an Orchestrator. Runner, Resolver, and
// Cleanup are required.
type Deps struct {
	Runner   executor.Runner
	Resolver EnvironmentResolver
	Cleanup  Cleaner

	// Logs is optional; nil skips LOG_COLLECTION.
	Logs LogCollector

	// Journal is optional.
	Journal Journal

	Printer   *ux.Printer
	Logger    *slog.Logger
	Metrics   diagnostics.Metrics
	Tracer    diagnostics.Tracer
	Sanitizer redact.Sanitizer

	// Acknowledge is called after a failure or restart notice is printed.
	// The CLI waits for Enter when attached to a terminal.
	Acknowledge func()
}

// Result is the outcome of a run.
type Result struct {
	// ExitCode is ExitSuccess, ExitFailure, or ExitRebootRequired.
	ExitCode int

	// FailedPhase is PhaseNone unless ExitCode is ExitFailure.
	FailedPhase Phase

	// Err is the *PhaseError of a failed run.
	Err error

	// Degraded lists best-effort phases that failed.
	Degraded []Phase

	// Warnings describe each degraded phase.
	Warnings []string

	// ServiceStarted is true when SERVICE_START succeeded.
	ServiceStarted bool

	// Tail is the sanitized output tail of the failing command.
	Tail []string

	LogDir string
	RunID  string

	// Progress is every percentage reported, in order.
	Progress []int

	// Cleanup is set when the Cleanup Manager ran.
	Cleanup *cleanup.Report

	// Logs is set when logs were mirrored.
	Logs *logsync.Report
}

// Orchestrator runs installations.
//
// # Thread Safety
//
// Run must not be called concurrently; runs against one environment are
// strictly sequential.
type Orchestrator struct {
	cfg  Config
	deps Deps
}

// New creates an Orchestrator, applying defaults.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Runner == nil || deps.Resolver == nil || deps.Cleanup == nil {
		return nil, errors.New("runner, resolver, and cleanup are required")
	}
	if cfg.WSL == "" {
		cfg.WSL = wsl.DefaultExecutable
	}
	if cfg.PackageName == "" {
		cfg.PackageName = DefaultPackageName
	}
	if cfg.StartCommand == "" {
		cfg.StartCommand = DefaultStartCommand
	}
	if cfg.DriverCapability == "" {
		cfg.DriverCapability = DefaultDriverCapability
	}
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = DefaultScriptTimeout
	}
	if cfg.MaxRemediationAttempts <= 0 {
		cfg.MaxRemediationAttempts = DefaultMaxRemediationAttempts
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = DefaultTailLines
	}
	if deps.Printer == nil {
		deps.Printer = ux.NewPlainPrinter(io.Discard)
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Metrics == nil {
		deps.Metrics = diagnostics.NewNoOpMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = diagnostics.NewNoOpTracer()
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = redact.Nop()
	}
	return &Orchestrator{cfg: cfg, deps: deps}, nil
}

// Run executes every phase for s and returns the outcome. Run never
// panics and never returns early without a Result: fatal failures run
// cleanup before returning.
func (o *Orchestrator) Run(ctx context.Context, s *Session) Result {
	r := &run{
		o:      o,
		s:      s,
		rec:    cleanup.NewRecord(),
		logger: o.deps.Logger.With("run_id", s.RunID),
	}
	r.progress = NewProgressReporter(o.deps.Printer.Progress, o.deps.Metrics)
	r.result = Result{LogDir: o.cfg.LogDir, RunID: s.RunID}
	r.journal = history.Run{
		ID:        s.RunID,
		Version:   s.Version,
		StartedAt: time.Now().UTC(),
		LogDir:    o.cfg.LogDir,
	}
	return r.execute(ctx)
}

// run is the state of one Run call.
type run struct {
	o        *Orchestrator
	s        *Session
	rec      *cleanup.Record
	progress *ProgressReporter
	logger   *slog.Logger
	journal  history.Run
	result   Result

	// artifact is the downloaded package path inside the environment.
	artifact string
}

func (r *run) execute(ctx context.Context) Result {
	r.o.deps.Printer.Title(strings.TrimSpace("Kamiwaza installer " + r.s.Version))
	r.logger.Info("installation started", "version", r.s.Version, "codename", r.s.Codename,
		"build", r.s.Build, "arch", r.s.Arch, "mode", r.s.Mode, "memory_gb", r.s.MemoryGB,
		"license", r.s.License)

	if r.o.cfg.AppDataDir != "" {
		r.rec.AddAppDataDir(r.o.cfg.AppDataDir)
	}
	if r.o.cfg.OwnsLogDir && r.o.cfg.LogDir != "" {
		r.rec.AddLogDir(r.o.cfg.LogDir)
	}
	r.save(ctx)

	for _, p := range Phases() {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, p, fmt.Errorf("%w: %v", ErrCanceled, err))
		}
		err := r.runPhase(ctx, p)
		if err == nil || !p.Fatal() {
			continue
		}
		if errors.Is(err, ErrRebootRequired) {
			return r.rebootRequired(ctx, err)
		}
		return r.fail(ctx, p, err)
	}
	return r.succeed(ctx)
}

// runPhase runs one phase body and records its outcome. It returns the
// body's error for fatal phases and nil otherwise.
func (r *run) runPhase(ctx context.Context, p Phase) error {
	r.s.setPhase(p)
	printer := r.o.deps.Printer
	printer.Step(p.Title())
	r.logger.Info("phase started", "phase", p.String())

	spanCtx, finish := r.o.deps.Tracer.StartSpan(ctx, "phase."+strings.ToLower(p.String()), map[string]string{
		"phase":  p.String(),
		"run_id": r.s.RunID,
	})
	start := time.Now()
	err := util.CallSafely(func() error { return r.body(p)(spanCtx) })
	elapsed := time.Since(start)

	outcome := OutcomeOK
	detail := ""
	switch {
	case err == nil:
		r.progress.Report(p.Checkpoint())
		printer.Success(p.Title())
	case errors.Is(err, errSkipped):
		outcome = OutcomeSkipped
		r.progress.Report(p.Checkpoint())
		printer.Info(p.Title() + ": skipped")
		err = nil
	case p.Fatal():
		outcome = OutcomeFailed
		detail = r.o.deps.Sanitizer.Sanitize(err.Error())
	default:
		outcome = OutcomeDegraded
		detail = r.o.deps.Sanitizer.Sanitize(err.Error())
		r.result.Degraded = append(r.result.Degraded, p)
		r.result.Warnings = append(r.result.Warnings, p.String()+": "+detail)
		r.progress.Report(p.Checkpoint())
		printer.Warning(p.Title() + ": " + detail)
	}
	finish(err)

	r.o.deps.Metrics.RecordPhase(p.String(), outcome, elapsed)
	r.logger.Info("phase finished", "phase", p.String(), "outcome", outcome,
		"progress", r.progress.Last(), "elapsed", elapsed.String())
	if outcome == OutcomeDegraded {
		r.logger.Warn("phase degraded", "phase", p.String(), "error", detail)
	}

	r.journal.Phases = append(r.journal.Phases, history.PhaseRecord{
		Name:     p.String(),
		Outcome:  outcome,
		Progress: r.progress.Last(),
		Elapsed:  elapsed,
		Detail:   detail,
	})
	r.save(ctx)

	if p.Fatal() {
		return err
	}
	return nil
}

func (r *run) body(p Phase) func(context.Context) error {
	switch p {
	case PhasePrereqs:
		return r.checkPrereqs
	case PhaseEnvironment:
		return r.resolveEnvironment
	case PhaseMemoryConfig:
		return r.configureMemory
	case PhaseSystemConfig:
		return r.configureSystem
	case PhaseDriverPrep:
		return r.prepareDriver
	case PhasePackageDownload:
		return r.downloadPackage
	case PhasePackageInstall:
		return r.installPackage
	case PhaseDriverVerify:
		return r.verifyDriver
	case PhaseServiceStart:
		return r.startService
	case PhaseLogCollection:
		return r.collectLogs
	default:
		return func(context.Context) error { return fmt.Errorf("unknown phase %d", p) }
	}
}

// fail handles a fatal error: mirror logs, run cleanup, report.
func (r *run) fail(ctx context.Context, p Phase, err error) Result {
	perr := &PhaseError{
		Phase: p,
		Err:   err,
		Tail:  redact.SanitizeAll(r.o.deps.Sanitizer, tailOf(err)),
	}
	r.result.ExitCode = ExitFailure
	r.result.FailedPhase = p
	r.result.Err = perr
	r.result.Tail = perr.Tail
	r.logger.Error("installation failed", "phase", p.String(),
		"error", r.o.deps.Sanitizer.Sanitize(err.Error()), "tail", perr.Tail)

	base := context.WithoutCancel(ctx)
	if h := r.s.Handle(); h != nil && r.o.deps.Logs != nil {
		rep := r.o.deps.Logs.Collect(base, h)
		r.result.Logs = &rep
	}

	r.o.deps.Printer.Warning("Rolling back partial installation")
	rep := r.o.deps.Cleanup.Run(base, r.rec)
	r.result.Cleanup = &rep
	for _, s := range rep.Failed() {
		r.logger.Warn("cleanup step failed", "step", s.Step, "target", s.Target, "error", s.Err)
	}

	r.journal.FailedPhase = p.String()
	r.journal.CleanedUp = rep.OK()
	r.finish(base, ExitFailure)

	r.printFailure(perr)
	r.acknowledge()
	return r.result
}

func (r *run) rebootRequired(ctx context.Context, err error) Result {
	r.result.ExitCode = ExitRebootRequired
	r.result.Err = err
	r.logger.Warn("restart required", "error", err)
	r.finish(context.WithoutCancel(ctx), ExitRebootRequired)

	r.o.deps.Printer.WarningBox("Restart required",
		"Windows Subsystem for Linux was updated.\nRestart Windows, then run the installer again.")
	r.acknowledge()
	return r.result
}

func (r *run) succeed(ctx context.Context) Result {
	r.result.ExitCode = ExitSuccess
	r.finish(ctx, ExitSuccess)

	printer := r.o.deps.Printer
	h := r.s.Handle()
	if !r.result.ServiceStarted {
		name := ""
		if h != nil {
			name = h.Name
		}
		printer.WarningBox("Kamiwaza is installed but not running",
			fmt.Sprintf("Start it manually:\n  wsl -d %s -- %s", name, r.o.cfg.StartCommand))
	} else {
		printer.Box("Kamiwaza is installed", "Logs: "+r.o.cfg.LogDir)
	}
	r.logger.Info("installation finished", "exit_code", ExitSuccess,
		"degraded", phaseNames(r.result.Degraded), "service_started", r.result.ServiceStarted)
	return r.result
}

func (r *run) finish(ctx context.Context, code int) {
	r.result.Progress = r.progress.History()
	r.journal.ExitCode = code
	r.journal.Finished = true
	r.journal.FinishedAt = time.Now().UTC()
	r.save(ctx)
}

func (r *run) printFailure(perr *PhaseError) {
	var b strings.Builder
	fmt.Fprintf(&b, "Phase: %s\n", perr.Phase)
	fmt.Fprintf(&b, "Error: %s\n", r.o.deps.Sanitizer.Sanitize(perr.Err.Error()))
	if len(perr.Tail) > 0 {
		b.WriteString("\nLast output:\n")
		for _, line := range perr.Tail {
			b.WriteString("  " + line + "\n")
		}
	}
	if r.o.cfg.LogDir != "" && !r.logDirRemoved() {
		b.WriteString("\nLogs: " + r.o.cfg.LogDir + "\n")
	}
	r.o.deps.Printer.ErrorBox("Installation failed", b.String())
}

// logDirRemoved reports whether cleanup deleted this run's log directory.
func (r *run) logDirRemoved() bool {
	if r.result.Cleanup == nil {
		return false
	}
	for _, s := range r.result.Cleanup.Steps {
		if s.Step == "remove-log-dir" && s.Target == r.o.cfg.LogDir && !s.Skipped && s.Err == nil {
			return true
		}
	}
	return false
}

func (r *run) acknowledge() {
	if r.o.deps.Acknowledge != nil {
		r.o.deps.Acknowledge()
	}
}

// save journals the run. Failures are logged and otherwise ignored.
func (r *run) save(ctx context.Context) {
	if r.o.deps.Journal == nil || r.s.RunID == "" {
		return
	}
	r.journal.Cleanup = r.rec.Entries()
	r.journal.Degraded = phaseNames(r.result.Degraded)
	if err := r.o.deps.Journal.Save(context.WithoutCancel(ctx), r.journal); err != nil {
		r.logger.Warn("failed to journal run", "error", err)
	}
}

func phaseNames(phases []Phase) []string {
	if len(phases) == 0 {
		return nil
	}
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = p.String()
	}
	return out
}
