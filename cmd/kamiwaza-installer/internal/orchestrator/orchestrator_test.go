// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/cleanup"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/configure"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/diagnostics"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/history"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/logsync"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/secrets"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/wsl"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/wsl/wsltest"
	"github.com/kamiwaza-ai/kamiwaza-installer/pkg/ux"
)

// =============================================================================
// Test Helpers
// =============================================================================

// countingCleaner wraps the real manager and counts invocations.
type countingCleaner struct {
	inner *cleanup.Manager
	calls int
}

func (c *countingCleaner) Run(ctx context.Context, rec *cleanup.Record) cleanup.Report {
	c.calls++
	return c.inner.Run(ctx, rec)
}

type mockLogs struct {
	CollectFunc func(ctx context.Context, h *wsl.Handle) logsync.Report
	calls       int
}

func (m *mockLogs) Collect(ctx context.Context, h *wsl.Handle) logsync.Report {
	m.calls++
	if m.CollectFunc == nil {
		return logsync.Report{}
	}
	return m.CollectFunc(ctx, h)
}

type fixture struct {
	host     *wsltest.FakeHost
	runner   *executor.MockRunner
	cleaner  *countingCleaner
	logs     *mockLogs
	store    *history.Store
	metrics  *diagnostics.NoOpMetrics
	out      *bytes.Buffer
	acks     int
	appData  string
	dataDir  string
	logDir   string
	wslconf  string
	cfg      Config
	session  *Session
	resolver *wsl.Resolver
}

const testLicense = "KMZ-SECRET-0042"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		host:    wsltest.NewFakeHost(),
		logs:    &mockLogs{},
		metrics: diagnostics.NewNoOpMetrics(),
		out:     &bytes.Buffer{},
		appData: filepath.Join(root, "Kamiwaza"),
		wslconf: filepath.Join(root, ".wslconfig"),
	}
	f.runner = f.host.Runner()
	f.dataDir = filepath.Join(f.appData, "wsl", "kamiwaza")
	f.logDir = filepath.Join(f.appData, "logs", "run-1")
	require.NoError(t, os.MkdirAll(f.logDir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(f.logDir, "installer.log"), []byte("log"), 0600))

	store, err := history.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	f.store = store

	f.resolver = wsl.NewResolver(wsl.Config{
		PrimaryName:  "kamiwaza",
		FallbackName: "Ubuntu-24.04",
		DataDir:      f.dataDir,
		DownloadDir:  filepath.Join(f.appData, "downloads"),
		RootfsURL:    "https://example.com/ubuntu-noble-wsl-amd64.tar.gz",
		User:         "kamiwaza",
	}, f.runner, nil, wsl.WithSleeper(func(context.Context, time.Duration) error { return nil }))

	f.cleaner = &countingCleaner{inner: cleanup.NewManager(cleanup.Config{KeepLogs: true}, f.runner)}
	f.cfg = Config{
		WSLConfigPath: f.wslconf,
		LogDir:        f.logDir,
		OwnsLogDir:    true,
		AppDataDir:    f.appData,
	}
	f.session = &Session{
		RunID:          "run-1",
		Version:        "0.5.0",
		MemoryGB:       14,
		Email:          "user@example.com",
		License:        secrets.NewLicenseKey(testLicense),
		UsageReporting: true,
		Mode:           "full",
		PackageURL:     "https://packages.example.com/kamiwaza_0.5.0_amd64.deb",
	}
	return f
}

func (f *fixture) run(t *testing.T, ctx context.Context) Result {
	t.Helper()
	o, err := New(f.cfg, Deps{
		Runner:      f.runner,
		Resolver:    f.resolver,
		Cleanup:     f.cleaner,
		Logs:        f.logs,
		Journal:     f.store,
		Printer:     ux.NewPlainPrinter(f.out),
		Metrics:     f.metrics,
		Acknowledge: func() { f.acks++ },
	})
	require.NoError(t, err)
	return o.Run(ctx, f.session)
}

func (f *fixture) count(substr string) int {
	n := 0
	for _, line := range f.runner.CommandLines() {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func assertNonDecreasing(t *testing.T, values []int) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1], "progress regressed at %d: %v", i, values)
	}
}

// =============================================================================
// Phase and Progress Tests
// =============================================================================

func TestPhases_CheckpointsIncrease(t *testing.T) {
	phases := Phases()
	require.Len(t, phases, 10)
	for i := 1; i < len(phases); i++ {
		assert.Greater(t, phases[i].Checkpoint(), phases[i-1].Checkpoint(), phases[i].String())
	}
	assert.Equal(t, 100, PhaseLogCollection.Checkpoint())
	assert.Greater(t, InstallStartProgress, PhasePackageDownload.Checkpoint())
	assert.Less(t, InstallStartProgress, PhasePackageInstall.Checkpoint())
}

func TestPhase_Fatal(t *testing.T) {
	fatal := map[Phase]bool{
		PhasePrereqs: true, PhaseEnvironment: true, PhasePackageDownload: true, PhasePackageInstall: true,
	}
	for _, p := range Phases() {
		assert.Equal(t, fatal[p], p.Fatal(), p.String())
	}
}

func TestProgressReporter_NeverRegresses(t *testing.T) {
	var emitted []int
	p := NewProgressReporter(func(n int) { emitted = append(emitted, n) }, nil)

	assert.True(t, p.Report(5))
	assert.False(t, p.Report(3))
	assert.False(t, p.Report(5))
	assert.True(t, p.Report(20))
	assert.True(t, p.Report(150))
	assert.False(t, p.Report(-1))

	assert.Equal(t, []int{5, 20, 100}, emitted)
	assert.Equal(t, emitted, p.History())
	assert.Equal(t, 100, p.Last())
}

func TestMilestoneTracker(t *testing.T) {
	p := NewProgressReporter(nil, nil)
	p.Report(InstallStartProgress)
	m := NewMilestoneTracker(p, nil)

	_, hit := m.Observe("Reading package lists...")
	assert.False(t, hit)

	ms, hit := m.Observe("Unpacking kamiwaza (0.5.0) ...")
	assert.True(t, hit)
	assert.Equal(t, "unpacking", ms.Keyword)
	assert.Equal(t, 60, p.Last())

	_, hit = m.Observe("Unpacking libfoo (1.0) ...")
	assert.False(t, hit, "each milestone counts once")

	m.Observe("Processing triggers for man-db (2.12.0-4build2) ...")
	assert.Equal(t, 85, p.Last())
	m.Observe("Setting up kamiwaza (0.5.0) ...")
	assert.Equal(t, 85, p.Last(), "late milestone does not regress progress")

	assert.Equal(t, []string{"unpacking", "setting up", "processing triggers"}, m.Reached())
}

func TestArtifactName(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://packages.example.com/kamiwaza_0.5.0_amd64.deb", "kamiwaza_0.5.0_amd64.deb"},
		{"https://packages.example.com/kamiwaza_0.5.0_amd64.deb?sig=abc", "kamiwaza_0.5.0_amd64.deb"},
		{"https://packages.example.com/download", "download.deb"},
		{"https://packages.example.com/", "kamiwaza.deb"},
		{"https://packages.example.com/a%20b;rm.deb", "a_b_rm.deb"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, ArtifactName(tt.url))
		})
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

// =============================================================================
// End-to-End Runs
// =============================================================================

func TestRun_FreshInstallSucceeds(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, context.Background())

	require.Equal(t, ExitSuccess, res.ExitCode, "err: %v", res.Err)
	assert.Equal(t, PhaseNone, res.FailedPhase)
	assert.Empty(t, res.Degraded)
	assert.True(t, res.ServiceStarted)
	assert.Equal(t, 0, f.cleaner.calls, "cleanup must not run on success")

	require.NotEmpty(t, res.Progress)
	assertNonDecreasing(t, res.Progress)
	assert.Equal(t, 100, res.Progress[len(res.Progress)-1])
	assert.Contains(t, res.Progress, 60, "unpacking milestone")
	assert.Contains(t, f.out.String(), "PROGRESS:100\n")

	assert.True(t, f.host.Registered("kamiwaza"))
	assert.DirExists(t, f.dataDir)
	assert.Equal(t, 1, f.logs.calls)
	assert.True(t, f.runner.Called("apt-get install -y -q /tmp/kamiwaza_0.5.0_amd64.deb"))
	assert.True(t, f.runner.Called("rm -f /tmp/kamiwaza_0.5.0_amd64.deb"))

	conf, err := os.ReadFile(f.wslconf)
	require.NoError(t, err)
	assert.Contains(t, string(conf), "memory=14GB")

	assert.NotContains(t, f.out.String(), testLicense)
	for _, line := range f.runner.CommandLines() {
		assert.NotContains(t, line, testLicense)
	}

	run, err := f.store.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.True(t, run.Finished)
	assert.Equal(t, 0, run.ExitCode)
	assert.Equal(t, "kamiwaza", run.Environment)
	assert.Len(t, run.Phases, 10)
	assert.False(t, run.NeedsCleanup())
}

func TestRun_PackageInstallFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.host.AddRule(wsltest.Rule{
		Match: "apt-get install -y -q /tmp/",
		Outcome: executor.Outcome{ExitCode: 100, Lines: []string{
			"Unpacking kamiwaza (0.5.0) ...",
			"E: Sub-process /usr/bin/dpkg returned an error code (1)",
		}},
	})
	f.host.AddRule(wsltest.Rule{
		Match:   "tail -n 40 /var/log/apt/term.log",
		Outcome: executor.Outcome{Stdout: "dpkg: error processing package kamiwaza (--configure):\n"},
	})

	res := f.run(t, context.Background())

	require.Equal(t, ExitFailure, res.ExitCode)
	assert.Equal(t, PhasePackageInstall, res.FailedPhase)
	assert.ErrorIs(t, res.Err, ErrPackageInstallFailed)
	var perr *PhaseError
	require.ErrorAs(t, res.Err, &perr)
	assert.Equal(t, PhasePackageInstall, perr.Phase)

	assert.Equal(t, 1, f.cleaner.calls)
	assert.False(t, f.host.Registered("kamiwaza"), "created environment is unregistered")
	assert.NoDirExists(t, f.dataDir, "no orphaned data directory")
	assert.DirExists(t, f.logDir, "logs are kept for the user")
	require.NotNil(t, res.Cleanup)
	assert.True(t, res.Cleanup.OK())

	assert.Contains(t, res.Tail, "E: Sub-process /usr/bin/dpkg returned an error code (1)")
	assert.Contains(t, res.Tail, "dpkg: error processing package kamiwaza (--configure):")
	assert.Contains(t, f.out.String(), "Phase: PACKAGE_INSTALL")
	assert.Contains(t, f.out.String(), "Logs: "+f.logDir)
	assert.Equal(t, 1, f.acks)
	assert.Equal(t, 1, f.logs.calls, "logs mirrored before the environment is removed")

	run, err := f.store.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, run.ExitCode)
	assert.Equal(t, "PACKAGE_INSTALL", run.FailedPhase)
	assert.True(t, run.CleanedUp)
}

func TestRun_ExistingPrimaryIsNotUnregisteredOnFailure(t *testing.T) {
	f := newFixture(t)
	f.host.Register("kamiwaza")
	f.host.AddRule(wsltest.Rule{
		Match:   "curl -fsSL",
		Outcome: executor.Outcome{ExitCode: 22, Stderr: "curl: (22) The requested URL returned error: 404"},
	})

	res := f.run(t, context.Background())

	require.Equal(t, ExitFailure, res.ExitCode)
	assert.Equal(t, PhasePackageDownload, res.FailedPhase)
	assert.ErrorIs(t, res.Err, ErrDownloadFailed)
	assert.Contains(t, res.Tail, "curl: (22) The requested URL returned error: 404")

	assert.True(t, f.host.Registered("kamiwaza"), "pre-existing environment is kept")
	assert.Equal(t, 0, f.count("--unregister"))
	assert.True(t, f.runner.Called("rm -f /tmp/kamiwaza_0.5.0_amd64.deb"), "partial download removed")
	assert.True(t, f.runner.Called("apt-get purge -y -q kamiwaza"))
}

func TestRun_RemovedLogDirIsNotAdvertised(t *testing.T) {
	f := newFixture(t)
	f.cleaner = &countingCleaner{inner: cleanup.NewManager(cleanup.Config{KeepLogs: false}, f.runner)}
	f.host.AddRule(wsltest.Rule{
		Match:   "curl -fsSL",
		Outcome: executor.Outcome{ExitCode: 22, Stderr: "curl: (22) The requested URL returned error: 404"},
	})

	res := f.run(t, context.Background())

	require.Equal(t, ExitFailure, res.ExitCode)
	require.NotNil(t, res.Cleanup)
	assert.True(t, res.Cleanup.OK())
	assert.NoDirExists(t, f.logDir)
	assert.Contains(t, f.out.String(), "Phase: PACKAGE_DOWNLOAD")
	assert.NotContains(t, f.out.String(), "Logs:")
}

func TestRun_FallbackWSLConfRestoredOnFailure(t *testing.T) {
	original := "[automount]\nroot = /mnt/\n\n[interop]\nenabled = true\n"
	f := newFixture(t)
	f.host.Register("Ubuntu-24.04")
	f.host.SetFile("Ubuntu-24.04", wsl.WSLConfPath, original)
	f.host.AddRule(wsltest.Rule{Match: "curl.exe", Outcome: executor.Outcome{ExitCode: 22}})
	f.host.AddRule(wsltest.Rule{
		Match:   "curl -fsSL",
		Outcome: executor.Outcome{ExitCode: 22, Stderr: "curl: (22) The requested URL returned error: 404"},
	})

	res := f.run(t, context.Background())

	require.Equal(t, ExitFailure, res.ExitCode)
	require.NotNil(t, res.Cleanup)
	assert.True(t, res.Cleanup.OK(), "failed: %+v", res.Cleanup.Failed())
	assert.True(t, f.host.Registered("Ubuntu-24.04"))
	conf, ok := f.host.File("Ubuntu-24.04", wsl.WSLConfPath)
	require.True(t, ok)
	assert.Equal(t, original, conf)

	run, err := f.store.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Contains(t, run.Cleanup, cleanup.Entry{
		Kind: cleanup.KindRestoredFile, Name: "Ubuntu-24.04", Path: wsl.WSLConfPath, Original: original, Existed: true,
	})
}

func TestRun_EnvironmentUnresolved(t *testing.T) {
	f := newFixture(t)
	f.host.AddRule(wsltest.Rule{
		Match:   "--import",
		Outcome: executor.Outcome{ExitCode: 1, Stderr: "The operation could not be started because a required feature is not installed."},
	})

	res := f.run(t, context.Background())

	require.Equal(t, ExitFailure, res.ExitCode)
	assert.Equal(t, PhaseEnvironment, res.FailedPhase)
	assert.ErrorIs(t, res.Err, wsl.ErrEnvironmentUnresolved)
	assert.Equal(t, 0, f.count("--unregister"))
	assert.Equal(t, 0, f.logs.calls, "nothing to mirror without a handle")
	assert.NoDirExists(t, f.dataDir)
}

func TestRun_ServiceStartFailureIsDegradedSuccess(t *testing.T) {
	f := newFixture(t)
	f.host.AddRule(wsltest.Rule{
		Match:   "kamiwaza start",
		Outcome: executor.Outcome{ExitCode: 1, Lines: []string{"ray: port 6379 already in use"}},
	})

	res := f.run(t, context.Background())

	assert.Equal(t, ExitSuccess, res.ExitCode)
	assert.False(t, res.ServiceStarted)
	assert.Equal(t, []Phase{PhaseServiceStart}, res.Degraded)
	assert.Equal(t, 0, f.cleaner.calls)
	assert.Equal(t, 100, res.Progress[len(res.Progress)-1])
	assert.Contains(t, f.out.String(), "wsl -d kamiwaza -- kamiwaza start")
}

func TestRun_ConfigurationFailureIsDegraded(t *testing.T) {
	f := newFixture(t)
	f.host.AddRule(wsltest.Rule{
		Match:   "debconf-set-selections",
		Outcome: executor.Outcome{ExitCode: 127, Stderr: "debconf-set-selections: command not found"},
	})

	res := f.run(t, context.Background())

	assert.Equal(t, ExitSuccess, res.ExitCode)
	assert.Equal(t, []Phase{PhaseSystemConfig}, res.Degraded)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "debconf")
	assert.True(t, f.runner.Called("cat > "+configure.RetriesConfPath), "later configurators still run")
	assertNonDecreasing(t, res.Progress)
}

func TestRun_DriverScriptsFollowCapabilities(t *testing.T) {
	t.Run("capable", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.Capabilities = map[string]bool{"gpu_nvidia": true}
		f.cfg.DriverPrepScript = `C:\Program Files\Kamiwaza\scripts\nvidia_prep.sh`
		f.cfg.DriverVerifyScript = "/opt/kamiwaza/nvidia_verify.sh"

		res := f.run(t, context.Background())

		require.Equal(t, ExitSuccess, res.ExitCode)
		assert.True(t, f.runner.Called("bash /mnt/c/Program Files/Kamiwaza/scripts/nvidia_prep.sh full"))
		assert.True(t, f.runner.Called("bash /opt/kamiwaza/nvidia_verify.sh full"))
	})

	t.Run("not capable", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.DriverPrepScript = "/opt/kamiwaza/nvidia_prep.sh"

		res := f.run(t, context.Background())

		require.Equal(t, ExitSuccess, res.ExitCode)
		assert.False(t, f.runner.Called("nvidia_prep.sh"))
		run, err := f.store.Get(context.Background(), "run-1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, run.Phases[4].Outcome)
		assert.Equal(t, "DRIVER_PREP", run.Phases[4].Name)
	})

	t.Run("verify failure is degraded", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.Capabilities = map[string]bool{"gpu_nvidia": true}
		f.cfg.DriverVerifyScript = "/opt/kamiwaza/nvidia_verify.sh"
		f.host.AddRule(wsltest.Rule{Match: "nvidia_verify.sh", Outcome: executor.Outcome{ExitCode: 2}})

		res := f.run(t, context.Background())

		assert.Equal(t, ExitSuccess, res.ExitCode)
		assert.Equal(t, []Phase{PhaseDriverVerify}, res.Degraded)
	})
}

// =============================================================================
// PREREQS
// =============================================================================

func TestRun_RebootRequired(t *testing.T) {
	f := newFixture(t)
	f.host.StatusOutput = "The Windows Subsystem for Linux is not installed."
	f.host.AddRule(wsltest.Rule{Match: "--update", Outcome: executor.Outcome{ExitCode: 3010}})

	res := f.run(t, context.Background())

	assert.Equal(t, ExitRebootRequired, res.ExitCode)
	assert.ErrorIs(t, res.Err, ErrRebootRequired)
	assert.Equal(t, 0, f.cleaner.calls)
	assert.Equal(t, 0, f.count("--list"), "no environment work before restart")
	assert.Equal(t, 1, f.acks)
	assert.Contains(t, f.out.String(), "Restart required")
}

func TestRun_RemediationRecovers(t *testing.T) {
	f := newFixture(t)
	f.host.AddRule(wsltest.Rule{
		Match:   "--status",
		Times:   1,
		Outcome: executor.Outcome{Stdout: "WSL 2 requires an update to its kernel component."},
	})

	res := f.run(t, context.Background())

	assert.Equal(t, ExitSuccess, res.ExitCode, "err: %v", res.Err)
	assert.Equal(t, 1, f.count("--update"))
	assert.Equal(t, 0, f.count("--install --no-distribution"))
}

func TestRun_RemediationLadderIsBounded(t *testing.T) {
	f := newFixture(t)
	f.host.StatusOutput = "The Windows Subsystem for Linux is not installed."
	f.host.AddRule(wsltest.Rule{Match: "--update", Outcome: executor.Outcome{ExitCode: 1, Stderr: "update failed"}})
	f.host.AddRule(wsltest.Rule{Match: "--install --no-distribution", Outcome: executor.Outcome{ExitCode: 1, Stderr: "install failed"}})

	res := f.run(t, context.Background())

	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.Equal(t, PhasePrereqs, res.FailedPhase)
	assert.ErrorIs(t, res.Err, ErrSubsystemUnavailable)
	assert.Equal(t, 1, f.count("--update"))
	assert.Equal(t, 1, f.count("--install --no-distribution"))
	assert.Contains(t, res.Tail, "install failed")
}

func TestRun_CanceledBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.run(t, ctx)

	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.Equal(t, PhasePrereqs, res.FailedPhase)
	assert.True(t, errors.Is(res.Err, ErrCanceled))
	assert.Equal(t, 1, f.cleaner.calls)
}

func TestRun_JournalsEveryPhaseInOrder(t *testing.T) {
	f := newFixture(t)

	f.run(t, context.Background())

	run, err := f.store.Get(context.Background(), "run-1")
	require.NoError(t, err)
	names := make([]string, len(run.Phases))
	for i, p := range run.Phases {
		names[i] = p.Name
	}
	assert.Equal(t, phaseNames(Phases()), names)
}
