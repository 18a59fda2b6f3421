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
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/config"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/cleanup"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/diagnostics"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/history"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/logsync"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/orchestrator"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/runlock"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/secrets"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/wsl"
	"github.com/kamiwaza-ai/kamiwaza-installer/pkg/ux"
	"github.com/spf13/cobra"
)

const (
	traceFile   = "trace.jsonl"
	metricsFile = "metrics.prom"
)

func runInstall(cmd *cobra.Command, _ []string) error {
	printer := ux.NewPrinter(cmd.OutOrStdout())
	runID := uuid.NewString()

	cfg, err := loadConfig(runID)
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Err: err}
	}
	applyInstallFlags(&cfg, install, cmd.Flags().Changed)
	if err := cfg.Validate(); err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Err: err}
	}

	lock, err := acquireLock(cfg.Paths.AppDataDir)
	if err != nil {
		if errors.Is(err, runlock.ErrHeld) {
			printer.Error("Another Kamiwaza installer is already running")
		}
		return &ExitError{Code: orchestrator.ExitFailure, Err: err}
	}
	defer lock.Release()

	license := secrets.NewLicenseKey(install.licenseKey)
	defer license.Destroy()
	sanitizer := newSanitizer(install.licenseKey)
	install.licenseKey = ""

	_, statErr := os.Stat(cfg.Paths.LogDir)
	ownsLogDir := os.IsNotExist(statErr)
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o750); err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Err: err}
	}

	logger := newLogger(cfg.Paths.LogDir, sanitizer)
	defer logger.Close()
	log := logger.Slog().With("run_id", runID)
	log.Info("installer starting",
		"version", cfg.Release.Version,
		"build", cfg.Release.Build,
		"distro", cfg.Environment.PrimaryName,
		"log_dir", cfg.Paths.LogDir)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := newMetrics(runID, log)
	defer func() {
		if err := metrics.WriteTextfile(filepath.Join(cfg.Paths.LogDir, metricsFile)); err != nil {
			log.Warn("failed to write metrics", "error", err)
		}
	}()
	tracer := newTracer(ctx, cfg, runID, log)
	defer func() {
		if err := tracer.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to flush trace", "error", err)
		}
	}()

	runner := executor.NewDefaultRunner(executor.Config{
		Logger:    log,
		Sanitizer: sanitizer,
		Metrics:   metrics,
		Tracer:    tracer,
	})

	caps, err := config.LoadCapabilities(cfg.Install.CapabilitiesFile)
	if err != nil {
		log.Warn("capability detection result unreadable, assuming none", "error", err)
		caps = config.Capabilities{}
	}

	deps := orchestrator.Deps{
		Runner: runner,
		Resolver: wsl.NewResolver(wsl.Config{
			WSL:              cfg.Environment.WSL,
			PrimaryName:      cfg.Environment.PrimaryName,
			FallbackName:     cfg.Environment.FallbackName,
			DataDir:          cfg.Paths.DataDir,
			DownloadDir:      cfg.Paths.DownloadDir,
			RootfsURL:        cfg.Environment.RootfsURL,
			Curl:             cfg.Environment.Curl,
			User:             cfg.Environment.User,
			BaselinePackages: cfg.Environment.BaselinePackages,
		}, runner, log, wsl.WithNotify(printer.Info)),
		Cleanup: cleanup.NewManager(cleanup.Config{
			WSL:      cfg.Environment.WSL,
			KeepLogs: cfg.Support.KeepLogs,
			Logger:   log,
		}, runner),
		Printer:     printer,
		Logger:      log,
		Metrics:     metrics,
		Tracer:      tracer,
		Sanitizer:   sanitizer,
		Acknowledge: func() { printer.WaitForAck(os.Stdin, "Press Enter to close") },
	}

	logCfg := logsync.Config{
		HostLogDir:   cfg.Paths.LogDir,
		Sanitizer:    sanitizer,
		UploadPrefix: runID,
		Logger:       log,
	}
	if cfg.Support.UploadEnabled() {
		uploader, err := logsync.NewGCSUploader(ctx, cfg.Support.Bucket, cfg.Support.CredentialsFile, log)
		if err != nil {
			log.Warn("diagnostic upload disabled", "error", err)
		} else {
			defer uploader.Close()
			logCfg.Uploader = uploader
		}
	}
	deps.Logs = logsync.NewAggregator(logCfg, runner)

	store, err := history.Open(history.Config{Path: cfg.Paths.HistoryDir, Logger: log})
	if err != nil {
		log.Warn("run history unavailable", "error", err)
	} else {
		defer store.Close()
		deps.Journal = store
	}

	orch, err := orchestrator.New(orchestrator.Config{
		WSL:                    cfg.Environment.WSL,
		WSLConfigPath:          cfg.Paths.WSLConfigPath,
		LogDir:                 cfg.Paths.LogDir,
		OwnsLogDir:             ownsLogDir,
		AppDataDir:             cfg.Paths.AppDataDir,
		StartCommand:           cfg.Install.StartCommand,
		Capabilities:           caps,
		DriverPrepScript:       cfg.Install.DriverPrepScript,
		DriverVerifyScript:     cfg.Install.DriverVerifyScript,
		AptRetries:             cfg.Install.AptRetries,
		MaxRemediationAttempts: cfg.Install.MaxRemediationAttempts,
	}, deps)
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Err: err}
	}

	result := orch.Run(ctx, &orchestrator.Session{
		RunID:          runID,
		Version:        cfg.Release.Version,
		Codename:       cfg.Release.Codename,
		Build:          cfg.Release.Build,
		Arch:           cfg.Release.Arch,
		MemoryGB:       cfg.Install.MemoryGB,
		SwapGB:         cfg.Install.SwapGB,
		Email:          cfg.Install.Email,
		License:        license,
		UsageReporting: cfg.Install.UsageReporting,
		Mode:           cfg.Install.Mode,
		PackageURL:     cfg.Release.PackageURL,
	})

	log.Info("installer finished",
		"exit_code", result.ExitCode,
		"failed_phase", result.FailedPhase.String(),
		"degraded", len(result.Degraded))
	if result.ExitCode != orchestrator.ExitSuccess {
		return &ExitError{Code: result.ExitCode, Err: result.Err, Reported: true}
	}
	return nil
}

func newMetrics(runID string, log *slog.Logger) diagnostics.Metrics {
	m, err := diagnostics.NewPrometheusMetrics(runID)
	if err != nil {
		log.Warn("metrics disabled", "error", err)
		return diagnostics.NewNoOpMetrics()
	}
	return m
}

func newTracer(ctx context.Context, cfg config.InstallerConfig, runID string, log *slog.Logger) diagnostics.Tracer {
	t, err := diagnostics.NewFileTracer(ctx, diagnostics.FileTracerConfig{
		Path:           filepath.Join(cfg.Paths.LogDir, traceFile),
		ServiceName:    serviceName,
		ServiceVersion: cfg.Release.Version,
		RunID:          runID,
	})
	if err != nil {
		log.Warn("tracing disabled", "error", err)
		return diagnostics.NewNoOpTracer()
	}
	return t
}
