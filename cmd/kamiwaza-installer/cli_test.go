// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/config"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/cleanup"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/history"
	"github.com/kamiwaza-ai/kamiwaza-installer/pkg/logging"
	"github.com/kamiwaza-ai/kamiwaza-installer/pkg/ux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// mockCleaner is a function-field mock of the cleanup manager.
type mockCleaner struct {
	RunFunc func(ctx context.Context, rec *cleanup.Record) cleanup.Report
	calls   []*cleanup.Record
}

func (m *mockCleaner) Run(ctx context.Context, rec *cleanup.Record) cleanup.Report {
	m.calls = append(m.calls, rec)
	if m.RunFunc == nil {
		return cleanup.Report{}
	}
	return m.RunFunc(ctx, rec)
}

// mockJournal is a function-field mock of the run history.
type mockJournal struct {
	LastNeedingCleanupFunc func(ctx context.Context) (history.Run, error)
	marked                 []string
	markErr                error
}

func (m *mockJournal) LastNeedingCleanup(ctx context.Context) (history.Run, error) {
	return m.LastNeedingCleanupFunc(ctx)
}

func (m *mockJournal) MarkCleanedUp(_ context.Context, id string) error {
	m.marked = append(m.marked, id)
	return m.markErr
}

func failedRun() history.Run {
	return history.Run{
		ID:          "run-7",
		Finished:    true,
		ExitCode:    1,
		FailedPhase: "PACKAGE_INSTALL",
		Cleanup: []cleanup.Entry{
			{Kind: cleanup.KindEnvironment, Name: "kamiwaza", Owned: true, Package: "kamiwaza"},
			{Kind: cleanup.KindDataDir, Path: `C:\Users\ada\AppData\Local\Kamiwaza\wsl\kamiwaza`},
		},
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(errors.New("unknown flag: --bogus")))
	assert.Equal(t, 3010, exitCode(&ExitError{Code: 3010}))
	assert.Equal(t, 3010, exitCode(fmt.Errorf("install: %w", &ExitError{Code: 3010})))
}

func TestExitError(t *testing.T) {
	cause := errors.New("apt-get install failed")
	err := &ExitError{Code: 1, Err: cause, Reported: true}

	assert.Equal(t, "exit 1: apt-get install failed", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, isReported(err))
	assert.False(t, isReported(cause))
	assert.Equal(t, "exit 3010", (&ExitError{Code: 3010}).Error())
}

func TestApplyInstallFlags_OnlyChangedFlagsOverride(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Install.MemoryGB = 12
	cfg.Install.Email = "from-file@example.com"

	cfg.Release.Codename = "from-file"

	opts := installOptions{
		releaseVersion: "0.6.0",
		codename:       "ignored",
		build:          "20261019.1",
		arch:           "arm64",
		memoryGB:       0,
		email:          "flag@example.com",
		mode:           "full",
		packageURL:     "https://packages.kamiwaza.ai/kamiwaza_0.6.0_arm64.deb",
		keepLogs:       false,
	}
	changed := map[string]bool{
		"release-version": true, "build": true, "arch": true,
		"email": true, "mode": true, "package-url": true, "keep-logs": true,
	}
	applyInstallFlags(&cfg, opts, func(name string) bool { return changed[name] })

	assert.Equal(t, "0.6.0", cfg.Release.Version)
	assert.Equal(t, "from-file", cfg.Release.Codename)
	assert.Equal(t, "20261019.1", cfg.Release.Build)
	assert.Equal(t, "arm64", cfg.Release.Arch)
	assert.Equal(t, 12, cfg.Install.MemoryGB)
	assert.Equal(t, "flag@example.com", cfg.Install.Email)
	assert.Equal(t, "full", cfg.Install.Mode)
	assert.Equal(t, opts.packageURL, cfg.Release.PackageURL)
	assert.False(t, cfg.Support.KeepLogs)
	assert.Equal(t, "kamiwaza", cfg.Environment.PrimaryName)
	require.NoError(t, cfg.Validate())
}

func TestInstallCommand_FlagsRegistered(t *testing.T) {
	for _, name := range []string{
		"release-version", "codename", "build", "arch",
		"package-url", "memory-gb", "swap-gb", "email", "license-key", "usage-reporting",
		"mode", "capabilities", "driver-prep-script", "driver-verify-script",
		"distro", "fallback-distro", "keep-logs", "support-bucket", "support-credentials",
	} {
		assert.NotNil(t, installCmd.Flags().Lookup(name), name)
	}
	assert.Nil(t, installCmd.Flags().Lookup("version"), "release version is --release-version")
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"install", "cleanup", "status", "version"} {
		assert.True(t, names[want], want)
	}
}

func TestNewSanitizer_MasksLicense(t *testing.T) {
	s := newSanitizer("KMZ-SECRET-0042")
	out := s.Sanitize("debconf key=KMZ-SECRET-0042 email=ada@example.com")
	assert.NotContains(t, out, "KMZ-SECRET-0042")
	assert.NotContains(t, out, "ada@example.com")
}

func TestCleanupLastRun_NothingToDo(t *testing.T) {
	var out bytes.Buffer
	journal := &mockJournal{LastNeedingCleanupFunc: func(context.Context) (history.Run, error) {
		return history.Run{}, history.ErrNotFound
	}}
	mgr := &mockCleaner{}

	err := cleanupLastRun(context.Background(), journal, mgr, ux.NewPlainPrinter(&out), logging.Discard())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Nothing to clean up")
	assert.Empty(t, mgr.calls)
}

func TestCleanupLastRun_RollsBackRecordedState(t *testing.T) {
	var out bytes.Buffer
	journal := &mockJournal{LastNeedingCleanupFunc: func(context.Context) (history.Run, error) {
		return failedRun(), nil
	}}
	mgr := &mockCleaner{RunFunc: func(_ context.Context, rec *cleanup.Record) cleanup.Report {
		return cleanup.Report{Steps: []cleanup.StepResult{
			{Step: "unregister", Target: "kamiwaza"},
			{Step: "remove", Target: "data dir"},
		}}
	}}

	err := cleanupLastRun(context.Background(), journal, mgr, ux.NewPlainPrinter(&out), logging.Discard())
	require.NoError(t, err)

	require.Len(t, mgr.calls, 1)
	assert.Equal(t, failedRun().Cleanup, mgr.calls[0].Entries())
	assert.Equal(t, []string{"run-7"}, journal.marked)
	assert.Contains(t, out.String(), "failed in PACKAGE_INSTALL")
	assert.Contains(t, out.String(), "Cleanup complete")
}

func TestCleanupLastRun_FailedStepKeepsRunPending(t *testing.T) {
	var out bytes.Buffer
	journal := &mockJournal{LastNeedingCleanupFunc: func(context.Context) (history.Run, error) {
		return failedRun(), nil
	}}
	mgr := &mockCleaner{RunFunc: func(context.Context, *cleanup.Record) cleanup.Report {
		return cleanup.Report{Steps: []cleanup.StepResult{
			{Step: "unregister", Target: "kamiwaza", Err: errors.New("exit 1")},
		}}
	}}

	err := cleanupLastRun(context.Background(), journal, mgr, ux.NewPlainPrinter(&out), logging.Discard())
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
	assert.True(t, isReported(err))
	assert.Empty(t, journal.marked)
	assert.Contains(t, out.String(), "run cleanup again")
}

func TestWriteStatus(t *testing.T) {
	store, err := history.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	var empty bytes.Buffer
	require.NoError(t, writeStatus(ctx, store, 5, &empty))
	assert.Equal(t, "No install runs recorded.\n", empty.String())

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, history.Run{ID: "old", StartedAt: start, Finished: true}))
	require.NoError(t, store.Save(ctx, history.Run{ID: "new", StartedAt: start.Add(time.Hour), Finished: true, ExitCode: 3010}))

	var out bytes.Buffer
	require.NoError(t, writeStatus(ctx, store, 5, &out))

	var runs []history.Run
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, 3010, runs[0].ExitCode)
}

func TestVersionString(t *testing.T) {
	s := versionString()
	assert.Contains(t, s, "kamiwaza-installer "+version)
}
