// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package wsl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/wsl/wsltest"
)

// =============================================================================
// Test Helpers
// =============================================================================

type resolverFixture struct {
	host     *wsltest.FakeHost
	runner   *executor.MockRunner
	resolver *Resolver
	cfg      Config
	sleeps   []time.Duration
}

func newResolverFixture(t *testing.T, fallback string) *resolverFixture {
	t.Helper()
	dir := t.TempDir()
	f := &resolverFixture{host: wsltest.NewFakeHost()}
	f.runner = f.host.Runner()
	f.cfg = Config{
		PrimaryName:  "kamiwaza",
		FallbackName: fallback,
		DataDir:      filepath.Join(dir, "wsl", "kamiwaza"),
		DownloadDir:  filepath.Join(dir, "downloads"),
		RootfsURL:    "https://example.com/ubuntu-noble-wsl-amd64.tar.gz",
		User:         "kamiwaza",
	}
	f.resolver = NewResolver(f.cfg, f.runner, nil, WithSleeper(func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}))
	return f
}

func (f *resolverFixture) calledWith(prefix string) int {
	n := 0
	for _, line := range f.runner.CommandLines() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// =============================================================================
// Parsing
// =============================================================================

func TestParseDistroList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"nul and mixed separators", "kamiwaza\x00 \r\nUbuntu-24.04 ", []string{"Ubuntu-24.04", "kamiwaza"}},
		{"utf16 quiet list", "k\x00a\x00m\x00i\x00w\x00a\x00z\x00a\x00\r\x00\n\x00", []string{"kamiwaza"}},
		{"default marker", "* Ubuntu-22.04\r\n  kamiwaza\r\n", []string{"Ubuntu-22.04", "kamiwaza"}},
		{"default suffix", "Ubuntu (Default)\r\nkamiwaza\r\n", []string{"Ubuntu", "kamiwaza"}},
		{"bom", "\ufeffkamiwaza\r\n", []string{"kamiwaza"}},
		{"tabs and duplicates", "a\tb\n\na", []string{"a", "b"}},
		{"empty", "\x00\r\n  ", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDistroList(tt.raw).Sorted())
		})
	}
}

func TestParseDistroList_StableAndOrderInsensitive(t *testing.T) {
	inputs := []string{
		"kamiwaza\x00 \r\nUbuntu-24.04 ",
		"Ubuntu-24.04\r\n*kamiwaza",
		" \x00Ubuntu-24.04\x00\n\x00kamiwaza\x00\r\n\x00",
	}
	want := []string{"Ubuntu-24.04", "kamiwaza"}
	for _, in := range inputs {
		first := ParseDistroList(in)
		assert.Equal(t, want, first.Sorted(), "input %q", in)

		again := ParseDistroList(strings.Join(first.Sorted(), "\n"))
		assert.Equal(t, first, again, "re-parse of %q", in)
	}
}

func TestNameSet_HasIsCaseInsensitive(t *testing.T) {
	s := ParseDistroList("Kamiwaza")
	assert.True(t, s.Has("kamiwaza"))
	assert.False(t, s.Has("ubuntu"))
}

// =============================================================================
// Probe Classification
// =============================================================================

func TestClassifyProbe(t *testing.T) {
	healthy := ClassifyProbe(executor.Outcome{Stdout: VerifyMarker + "\n"})
	assert.Equal(t, ProbeHealthy, healthy.Kind)

	corrupted := ClassifyProbe(executor.Outcome{
		ExitCode: 1,
		Stderr:   "E\x00r\x00r\x00o\x00r\x00 code: Wsl/Service/CreateInstance/MountVhd/HCS/ERROR_FILE_NOT_FOUND",
	})
	assert.Equal(t, ProbeCorrupted, corrupted.Kind)
	assert.Equal(t, "MountVhd", corrupted.Signature)

	unknown := ClassifyProbe(executor.Outcome{ExitCode: 1, Stderr: "Catastrophic failure"})
	assert.Equal(t, ProbeUnknown, unknown.Kind)
	assert.Equal(t, "Catastrophic failure", unknown.Detail)

	silent := ClassifyProbe(executor.Outcome{})
	assert.Equal(t, ProbeUnknown, silent.Kind)
	assert.Equal(t, "unknown", silent.Kind.String())
}

// =============================================================================
// Resolver Transitions
// =============================================================================

func TestResolve_ExistingHealthyPrimary(t *testing.T) {
	f := newResolverFixture(t, "")
	f.host.Register("kamiwaza")

	h, err := f.resolver.Resolve(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "kamiwaza", h.Name)
	assert.Equal(t, StateActive, h.State)
	assert.True(t, h.Owned)
	assert.False(t, h.Created)
	assert.True(t, h.IsDefaultUser)
	assert.Equal(t, []time.Duration{DefaultSettleDelay}, f.sleeps)

	assert.GreaterOrEqual(t, f.calledWith("wsl.exe --terminate kamiwaza"), 1)
	assert.True(t, f.runner.Called("wsl.exe --shutdown"))
	assert.False(t, f.runner.Called("--import"))
	assert.False(t, f.runner.Called("--unregister"))
	assert.False(t, f.runner.Called("--no-install-recommends"), "baseline tools only for new distributions")
}

func TestResolve_AbsentPrimaryIsCreated(t *testing.T) {
	f := newResolverFixture(t, "")

	h, err := f.resolver.Resolve(context.Background())

	require.NoError(t, err)
	assert.True(t, h.Created)
	assert.True(t, h.Owned)
	assert.Equal(t, f.cfg.DataDir, h.DataDir)
	assert.True(t, f.host.Registered("kamiwaza"))
	assert.Empty(t, f.sleeps, "no restart cycle for a new distribution")

	assert.True(t, f.runner.Called("curl.exe -fL --retry 3 -o"))
	assert.True(t, f.runner.Called("wsl.exe --import kamiwaza "+f.cfg.DataDir))
	assert.True(t, f.runner.Called("--no-install-recommends curl ca-certificates gnupg lsb-release sudo"))

	conf, ok := f.host.File("kamiwaza", WSLConfPath)
	require.True(t, ok)
	assert.Contains(t, conf, "default=kamiwaza")
	assert.True(t, h.IsDefaultUser)

	_, statErr := os.Stat(filepath.Join(f.cfg.DownloadDir, "kamiwaza-rootfs.tar.gz"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "tarball removed")
}

func TestResolve_CorruptedPrimaryIsRebuilt(t *testing.T) {
	f := newResolverFixture(t, "")
	f.host.Corrupt("kamiwaza")

	h, err := f.resolver.Resolve(context.Background())

	require.NoError(t, err)
	assert.True(t, h.Created)
	assert.True(t, f.runner.Called("wsl.exe --unregister kamiwaza"))
	assert.True(t, f.runner.Called("wsl.exe --import kamiwaza"))

	// Unregister precedes import.
	lines := f.runner.CommandLines()
	unreg, imp := -1, -1
	for i, l := range lines {
		if strings.HasPrefix(l, "wsl.exe --unregister") && unreg < 0 {
			unreg = i
		}
		if strings.HasPrefix(l, "wsl.exe --import") && imp < 0 {
			imp = i
		}
	}
	assert.Less(t, unreg, imp)
}

func TestResolve_CorruptedFallbackIsNeverUnregistered(t *testing.T) {
	f := newResolverFixture(t, "Ubuntu-24.04")
	f.host.Corrupt("Ubuntu-24.04")
	f.host.AddRule(wsltest.Rule{Match: "curl.exe", Outcome: executor.Outcome{ExitCode: 6, Stderr: "curl: (6) Could not resolve host"}})

	h, err := f.resolver.Resolve(context.Background())

	require.Nil(t, h)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptedFallback)
	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.ErrorIs(t, err, ErrEnvironmentUnresolved)
	assert.Contains(t, err.Error(), "wsl --unregister Ubuntu-24.04")
	assert.False(t, f.runner.Called("--unregister Ubuntu-24.04"))
	assert.True(t, f.host.Registered("Ubuntu-24.04"))
}

// The same corruption signature yields opposite recovery decisions
// depending on who owns the distribution.
func TestResolve_RecoveryAsymmetry(t *testing.T) {
	for _, role := range []Role{RolePrimary, RoleFallback} {
		t.Run(role.String(), func(t *testing.T) {
			f := newResolverFixture(t, "")
			name := "kamiwaza"
			if role == RoleFallback {
				name = "Ubuntu-24.04"
			}
			f.host.Corrupt(name)

			tgt := &target{name: name, role: role}
			next := f.resolver.restartAndVerify(context.Background(), tgt)
			require.Equal(t, StateExistsCorrupted, next)

			next = f.resolver.recoverCorrupted(context.Background(), tgt)
			unregistered := f.runner.Called("--unregister " + name)

			if role == RolePrimary {
				assert.Equal(t, StateAbsent, next)
				assert.True(t, unregistered)
			} else {
				assert.Equal(t, StateFailed, next)
				assert.False(t, unregistered)
				assert.ErrorIs(t, tgt.err, ErrCorruptedFallback)
			}
		})
	}
}

func TestResolve_UnknownVerifyFailureIsTerminal(t *testing.T) {
	f := newResolverFixture(t, "")
	f.host.Register("kamiwaza")
	f.host.AddRule(wsltest.Rule{
		Match:   "echo " + VerifyMarker,
		Outcome: executor.Outcome{ExitCode: 1, Stderr: "Catastrophic failure"},
	})

	h, err := f.resolver.Resolve(context.Background())

	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrVerifyFailed)
	assert.False(t, f.runner.Called("--unregister"))
	assert.False(t, f.runner.Called("--import"))
}

func TestResolve_NewDistributionFailingVerifyIsRemoved(t *testing.T) {
	f := newResolverFixture(t, "")
	f.host.AddRule(wsltest.Rule{
		Match:   "echo " + VerifyMarker,
		Outcome: executor.Outcome{ExitCode: 1, Stderr: "The operation timed out"},
	})

	h, err := f.resolver.Resolve(context.Background())

	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrVerifyFailed)
	assert.True(t, f.runner.Called("wsl.exe --unregister kamiwaza"))
	assert.False(t, f.host.Registered("kamiwaza"))
	_, statErr := os.Stat(f.cfg.DataDir)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "data dir removed")
}

func TestResolve_ImportFailure(t *testing.T) {
	f := newResolverFixture(t, "")
	f.host.AddRule(wsltest.Rule{Match: "--import", Outcome: executor.Outcome{ExitCode: 1, Stderr: "Access is denied."}})

	h, err := f.resolver.Resolve(context.Background())

	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrImportFailed)
	assert.Contains(t, err.Error(), "Access is denied.")
	_, statErr := os.Stat(f.cfg.DataDir)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestResolve_HealthyFallbackUsedWhenPrimaryCannotBeCreated(t *testing.T) {
	f := newResolverFixture(t, "Ubuntu-24.04")
	f.host.Register("Ubuntu-24.04")
	f.host.SetDefaultUser("Ubuntu-24.04", "alice")
	f.host.AddRule(wsltest.Rule{Match: "curl.exe", Outcome: executor.Outcome{ExitCode: 22}})

	h, err := f.resolver.Resolve(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "Ubuntu-24.04", h.Name)
	assert.Equal(t, RoleFallback, h.Role)
	assert.False(t, h.Owned)
	assert.False(t, h.Created)
	assert.Empty(t, h.DataDir)
	assert.True(t, h.IsDefaultUser)

	conf, wrote := f.host.File("Ubuntu-24.04", WSLConfPath)
	require.True(t, wrote)
	assert.Contains(t, conf, "default=kamiwaza")
	assert.True(t, f.runner.Called("useradd -m -s /bin/bash kamiwaza"))
	assert.False(t, f.runner.Called("--import Ubuntu-24.04"))
}

func TestResolve_FallbackWSLConfKeepsUserSections(t *testing.T) {
	original := "# my settings\n[automount]\nenabled = true\noptions = \"metadata,umask=22\"\n\n" +
		"[interop]\nappendWindowsPath = false\n\n[user]\ndefault=alice\n"
	f := newResolverFixture(t, "Ubuntu-24.04")
	f.host.Register("Ubuntu-24.04")
	f.host.SetDefaultUser("Ubuntu-24.04", "alice")
	f.host.SetFile("Ubuntu-24.04", WSLConfPath, original)
	f.host.AddRule(wsltest.Rule{Match: "curl.exe", Outcome: executor.Outcome{ExitCode: 22}})

	h, err := f.resolver.Resolve(context.Background())

	require.NoError(t, err)
	assert.Equal(t, RoleFallback, h.Role)
	assert.True(t, h.IsDefaultUser)

	conf, ok := f.host.File("Ubuntu-24.04", WSLConfPath)
	require.True(t, ok)
	assert.Equal(t, strings.Replace(original, "default=alice", "default=kamiwaza", 1), conf)
	assert.NotContains(t, conf, "[boot]")
	assert.NotContains(t, conf, "Managed by kamiwaza-installer")

	require.NotNil(t, h.ConfigBackup)
	assert.Equal(t, FileBackup{Path: WSLConfPath, Original: original, Existed: true}, *h.ConfigBackup)
}

func TestResolve_FallbackWithoutWSLConf(t *testing.T) {
	f := newResolverFixture(t, "Ubuntu-24.04")
	f.host.Register("Ubuntu-24.04")
	f.host.AddRule(wsltest.Rule{Match: "curl.exe", Outcome: executor.Outcome{ExitCode: 22}})

	h, err := f.resolver.Resolve(context.Background())

	require.NoError(t, err)
	conf, _ := f.host.File("Ubuntu-24.04", WSLConfPath)
	assert.Equal(t, "[user]\ndefault=kamiwaza\n", conf)
	require.NotNil(t, h.ConfigBackup)
	assert.False(t, h.ConfigBackup.Existed)
}

func TestResolve_FallbackAlreadyConfiguredIsNotWritten(t *testing.T) {
	f := newResolverFixture(t, "Ubuntu-24.04")
	f.host.Register("Ubuntu-24.04")
	f.host.SetDefaultUser("Ubuntu-24.04", "kamiwaza")
	f.host.SetFile("Ubuntu-24.04", WSLConfPath, "[user]\ndefault=kamiwaza\n")
	f.host.AddRule(wsltest.Rule{Match: "curl.exe", Outcome: executor.Outcome{ExitCode: 22}})

	h, err := f.resolver.Resolve(context.Background())

	require.NoError(t, err)
	assert.Nil(t, h.ConfigBackup)
	assert.False(t, f.runner.Called("cat > "+WSLConfPath))
	assert.True(t, h.IsDefaultUser)
}

func TestResolve_FallbackUnreadableWSLConfIsLeftAlone(t *testing.T) {
	f := newResolverFixture(t, "Ubuntu-24.04")
	f.host.Register("Ubuntu-24.04")
	f.host.AddRule(wsltest.Rule{Match: "curl.exe", Outcome: executor.Outcome{ExitCode: 22}})
	f.host.AddRule(wsltest.Rule{Match: "-- cat " + WSLConfPath, Outcome: executor.Outcome{ExitCode: 1, Stderr: "cat: /etc/wsl.conf: Permission denied"}})

	h, err := f.resolver.Resolve(context.Background())

	require.NoError(t, err)
	assert.Nil(t, h.ConfigBackup)
	assert.False(t, f.runner.Called("cat > "+WSLConfPath))
	assert.False(t, h.IsDefaultUser)
}

func TestResolve_DefaultUserSelfHeal(t *testing.T) {
	f := newResolverFixture(t, "")
	f.host.Register("kamiwaza")
	f.host.AddRule(wsltest.Rule{Match: "-- whoami", Outcome: executor.Outcome{Stdout: "root\n"}, Times: 1})

	h, err := f.resolver.Resolve(context.Background())

	require.NoError(t, err)
	assert.True(t, h.IsDefaultUser)
	assert.Equal(t, 2, f.calledWith("wsl.exe -d kamiwaza -u root -- bash -c id -u kamiwaza"))
}

func TestResolve_SettleHonorsCancellation(t *testing.T) {
	f := newResolverFixture(t, "")
	f.host.Register("kamiwaza")
	ctx, cancel := context.WithCancel(context.Background())
	f.resolver.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	h, err := f.resolver.Resolve(ctx)

	assert.Nil(t, h)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolve_SpawnFailureOnList(t *testing.T) {
	f := newResolverFixture(t, "")
	f.host.AddRule(wsltest.Rule{Match: "--list", Outcome: executor.Outcome{ExitCode: 1, Err: errors.New("exec: \"wsl.exe\": executable file not found")}})

	_, err := f.resolver.Resolve(context.Background())

	assert.ErrorIs(t, err, ErrListFailed)
}

// =============================================================================
// Handle and Subsystem
// =============================================================================

func TestHandle_Commands(t *testing.T) {
	h := &Handle{Name: "kamiwaza", User: "kamiwaza", WSL: "wsl.exe"}

	assert.Equal(t, []string{"wsl.exe", "-d", "kamiwaza", "-u", "kamiwaza", "--", "kamiwaza", "start"}, h.Command("kamiwaza", "start"))
	assert.Equal(t, []string{"wsl.exe", "-d", "kamiwaza", "-u", "root", "--", "bash", "-c", "true"}, h.RootShell("true"))
	assert.Equal(t, []string{"wsl.exe", "-d", "kamiwaza", "-u", "kamiwaza", "--", "bash", "-lc", "kamiwaza start"}, h.Shell("kamiwaza start"))
}

func TestWSLConf_Render(t *testing.T) {
	out := WSLConf{DefaultUser: "kamiwaza", Systemd: true, GenerateResolvConf: true}.Render()
	assert.Contains(t, out, "[boot]\nsystemd=true")
	assert.Contains(t, out, "[network]\ngenerateResolvConf=true")
	assert.Contains(t, out, "[user]\ndefault=kamiwaza")
	assert.NotContains(t, WSLConf{}.Render(), "[user]")
}

func TestSetDefaultUser(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty file", "", "[user]\ndefault=kamiwaza\n"},
		{"no user section", "[boot]\nsystemd=true\n", "[boot]\nsystemd=true\n\n[user]\ndefault=kamiwaza\n"},
		{"replaces key", "[user]\ndefault = alice\n[network]\nhostname=box\n", "[user]\ndefault=kamiwaza\n[network]\nhostname=box\n"},
		{"inserts under header", "[User]\n# nobody yet\n[boot]\nsystemd=true\n", "[User]\ndefault=kamiwaza\n# nobody yet\n[boot]\nsystemd=true\n"},
		{"default in other section untouched", "[boot]\ndefault=x\n", "[boot]\ndefault=x\n\n[user]\ndefault=kamiwaza\n"},
		{"already set", "[user]\ndefault=kamiwaza", "[user]\ndefault=kamiwaza"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SetDefaultUser(tt.content, "kamiwaza"))
		})
	}
}

func TestCheckSubsystem(t *testing.T) {
	host := wsltest.NewFakeHost()
	l := NewLifecycle("", host.Runner())
	assert.True(t, l.CheckSubsystem(context.Background()).Operable)

	host.StatusOutput = "The Windows Subsystem for Linux is not installed. You can install by running 'wsl.exe --install'."
	status := l.CheckSubsystem(context.Background())
	assert.False(t, status.Operable)
	assert.Contains(t, status.Reason, "not installed")
}

func TestRebootRequired(t *testing.T) {
	assert.True(t, RebootRequired(executor.Outcome{ExitCode: ExitRebootRequired}))
	assert.True(t, RebootRequired(executor.Outcome{Stdout: "Changes will not be effective until the system is rebooted."}))
	assert.False(t, RebootRequired(executor.Outcome{Stdout: "The most recent version is already installed."}))
}

func TestDistroNotFound(t *testing.T) {
	host := wsltest.NewFakeHost()
	l := NewLifecycle("", host.Runner())

	assert.True(t, DistroNotFound(l.Unregister(context.Background(), "missing")))

	host.Register("kamiwaza")
	assert.False(t, DistroNotFound(l.Unregister(context.Background(), "kamiwaza")))
}
