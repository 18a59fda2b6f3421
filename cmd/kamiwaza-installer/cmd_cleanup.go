// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/cleanup"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/history"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/orchestrator"
	"github.com/kamiwaza-ai/kamiwaza-installer/pkg/ux"
	"github.com/spf13/cobra"
)

// cleaner is satisfied by *cleanup.Manager.
type cleaner interface {
	Run(ctx context.Context, rec *cleanup.Record) cleanup.Report
}

// runJournal is the part of *history.Store the cleanup command uses.
type runJournal interface {
	LastNeedingCleanup(ctx context.Context) (history.Run, error)
	MarkCleanedUp(ctx context.Context, id string) error
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	printer := ux.NewPrinter(cmd.OutOrStdout())

	cfg, err := loadConfig("cleanup")
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Err: err}
	}
	lock, err := acquireLock(cfg.Paths.AppDataDir)
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Err: err}
	}
	defer lock.Release()

	sanitizer := newSanitizer()
	logger := newLogger("", sanitizer)
	defer logger.Close()
	log := logger.Slog()

	store, err := history.Open(history.Config{Path: cfg.Paths.HistoryDir, Logger: log})
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Err: err}
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := executor.NewDefaultRunner(executor.Config{Logger: log, Sanitizer: sanitizer})
	mgr := cleanup.NewManager(cleanup.Config{
		WSL:      cfg.Environment.WSL,
		KeepLogs: !cleanupLogs,
		Logger:   log,
	}, runner)

	return cleanupLastRun(ctx, store, mgr, printer, log)
}

// cleanupLastRun rolls back the newest run that still needs it and marks it
// cleaned up when every step succeeded.
func cleanupLastRun(ctx context.Context, journal runJournal, mgr cleaner, printer *ux.Printer, log *slog.Logger) error {
	run, err := journal.LastNeedingCleanup(ctx)
	if errors.Is(err, history.ErrNotFound) {
		printer.Success("Nothing to clean up")
		return nil
	}
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Err: err}
	}

	printer.Step(fmt.Sprintf("Rolling back run %s (%s)", run.ID, describeRun(run)))
	rep := mgr.Run(ctx, cleanup.NewRecord(run.Cleanup...))
	for _, step := range rep.Steps {
		switch {
		case step.Skipped:
			printer.Muted(fmt.Sprintf("skipped %s %s", step.Step, step.Target))
		case step.Err != nil:
			printer.Warning(fmt.Sprintf("%s %s: %v", step.Step, step.Target, step.Err))
		default:
			printer.Info(fmt.Sprintf("%s %s", step.Step, step.Target))
		}
	}

	if !rep.OK() {
		printer.Error(fmt.Sprintf("%d cleanup step(s) failed; run cleanup again to retry", len(rep.Failed())))
		return &ExitError{Code: orchestrator.ExitFailure, Err: errors.New("cleanup incomplete"), Reported: true}
	}
	if err := journal.MarkCleanedUp(ctx, run.ID); err != nil {
		log.Warn("failed to mark run cleaned up", "run_id", run.ID, "error", err)
	}
	printer.Success("Cleanup complete")
	return nil
}

func describeRun(run history.Run) string {
	switch {
	case !run.Finished:
		return "interrupted"
	case run.FailedPhase != "":
		return "failed in " + run.FailedPhase
	default:
		return fmt.Sprintf("exit %d", run.ExitCode)
	}
}
