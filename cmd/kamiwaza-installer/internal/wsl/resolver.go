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
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/util"
)

// DefaultSettleDelay is the wait after `wsl --shutdown` before verifying.
const DefaultSettleDelay = 3 * time.Second

// DefaultBaselinePackages are installed into a new primary distribution
// because later phases depend on them.
var DefaultBaselinePackages = []string{"curl", "ca-certificates", "gnupg", "lsb-release", "sudo"}

// Config configures a Resolver.
type Config struct {
	// WSL is the wsl.exe path. Default: "wsl.exe"
	WSL string

	// PrimaryName is the distribution the installer owns.
	PrimaryName string

	// FallbackName is a pre-approved existing distribution to reuse when
	// the primary cannot be created. Empty disables the fallback.
	FallbackName string

	// DataDir is the host directory `wsl --import` places the primary's
	// virtual disk in.
	DataDir string

	// DownloadDir holds the root filesystem tarball during import.
	DownloadDir string

	// RootfsURL is the base filesystem image to import.
	RootfsURL string

	// Curl is the host curl executable. Default: "curl.exe"
	Curl string

	// User is the non-root account created in the distribution.
	User string

	// BaselinePackages are installed after creation.
	// Default: DefaultBaselinePackages
	BaselinePackages []string

	// SettleDelay is the wait after shutdown. Default: DefaultSettleDelay
	SettleDelay time.Duration
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Resolver drives a distribution name to ACTIVE.
//
// # Thread Safety
//
// Not safe for concurrent use. One Resolve call at a time.
type Resolver struct {
	cfg       Config
	lifecycle Lifecycle
	runner    executor.Runner
	logger    *slog.Logger
	sleep     Sleeper
	notify    func(string)
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithSleeper replaces the settle-delay sleep. Tests use it to avoid real
// waits.
func WithSleeper(s Sleeper) Option {
	return func(r *Resolver) { r.sleep = s }
}

// WithNotify registers a callback for user-facing status lines.
func WithNotify(fn func(string)) Option {
	return func(r *Resolver) { r.notify = fn }
}

// NewResolver creates a Resolver.
func NewResolver(cfg Config, runner executor.Runner, logger *slog.Logger, opts ...Option) *Resolver {
	if cfg.WSL == "" {
		cfg.WSL = DefaultExecutable
	}
	if cfg.Curl == "" {
		cfg.Curl = "curl.exe"
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.BaselinePackages == nil {
		cfg.BaselinePackages = DefaultBaselinePackages
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := &Resolver{
		cfg:       cfg,
		lifecycle: NewLifecycle(cfg.WSL, runner),
		runner:    runner,
		logger:    logger,
		sleep:     sleepContext,
		notify:    func(string) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// target is the mutable state of one name being resolved.
type target struct {
	name    string
	role    Role
	created bool
	probe   ProbeResult
	err     error
}

// Resolve returns an ACTIVE handle for the primary distribution, or for the
// fallback when the primary cannot be made active.
//
// # Outputs
//
//   - *Handle: non-nil on success
//   - error: wraps ErrEnvironmentUnresolved on failure; the handle is nil
//     and no distribution created by this call remains registered
func (r *Resolver) Resolve(ctx context.Context) (*Handle, error) {
	names, out, ok := r.lifecycle.List(ctx)
	if !ok {
		if out.Err != nil {
			return nil, &ResolveError{
				Name: r.cfg.PrimaryName, Role: RolePrimary, Step: "list",
				Detail: out.Err.Error(), Err: ErrListFailed,
			}
		}
		r.logger.Warn("distribution list failed, treating as empty",
			"exit_code", out.ExitCode, "output", firstLine(out.Combined()))
	}
	r.logger.Info("registered distributions", "names", names.Sorted())

	primary := &target{name: r.cfg.PrimaryName, role: RolePrimary}
	initial := StateAbsent
	if names.Has(primary.name) {
		initial = StateExistsHealthy
	}

	handle, err := r.drive(ctx, primary, initial)
	if err == nil {
		return handle, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	if r.cfg.FallbackName == "" || !names.Has(r.cfg.FallbackName) {
		return nil, err
	}

	r.logger.Warn("primary distribution unavailable, trying fallback",
		"primary", primary.name, "fallback", r.cfg.FallbackName, "error", err)
	r.notify(fmt.Sprintf("Using existing distribution %s", r.cfg.FallbackName))

	fallback := &target{name: r.cfg.FallbackName, role: RoleFallback}
	handle, ferr := r.drive(ctx, fallback, StateExistsHealthy)
	if ferr == nil {
		return handle, nil
	}
	return nil, errors.Join(err, ferr)
}

// drive runs the state machine for t until it reaches ACTIVE or FAILED.
func (r *Resolver) drive(ctx context.Context, t *target, state State) (*Handle, error) {
	for {
		r.logger.Info("distribution state", "name", t.name, "role", t.role.String(), "state", state.String())

		var next State
		switch state {
		case StateExistsHealthy:
			next = r.restartAndVerify(ctx, t)
		case StateExistsCorrupted:
			next = r.recoverCorrupted(ctx, t)
		case StateAbsent:
			next = r.create(ctx, t)
		case StateActive:
			return r.activate(ctx, t), nil
		case StateFailed:
			return nil, t.err
		default:
			return nil, &ResolveError{Name: t.name, Role: t.role, Step: "resolve",
				Err: fmt.Errorf("unexpected state %d", state)}
		}

		r.logger.Info("distribution transition", "name", t.name,
			"from", state.String(), "to", next.String())
		state = next
	}
}

// restartAndVerify: EXISTS_HEALTHY -> ACTIVE | EXISTS_CORRUPTED | FAILED.
//
// The distribution is terminated and the WSL VM shut down so state left by a
// crashed previous run is discarded before verification.
func (r *Resolver) restartAndVerify(ctx context.Context, t *target) State {
	r.notify(fmt.Sprintf("Restarting distribution %s", t.name))

	if out := r.lifecycle.Terminate(ctx, t.name); !out.OK() {
		r.logger.Warn("terminate failed", "name", t.name, "exit_code", out.ExitCode)
	}
	if out := r.lifecycle.Shutdown(ctx); !out.OK() {
		r.logger.Warn("shutdown failed", "exit_code", out.ExitCode)
	}
	if err := r.sleep(ctx, r.cfg.SettleDelay); err != nil {
		t.err = &ResolveError{Name: t.name, Role: t.role, Step: "settle", Err: err}
		return StateFailed
	}

	t.probe = r.lifecycle.Verify(ctx, t.name)
	switch t.probe.Kind {
	case ProbeHealthy:
		return StateActive
	case ProbeCorrupted:
		r.logger.Warn("distribution corrupted", "name", t.name, "signature", t.probe.Signature)
		return StateExistsCorrupted
	default:
		t.err = &ResolveError{
			Name: t.name, Role: t.role, Step: "verify",
			Detail: t.probe.Detail, Err: ErrVerifyFailed,
		}
		return StateFailed
	}
}

// recoverCorrupted: EXISTS_CORRUPTED -> ABSENT (primary) | FAILED.
//
// Only the primary is unregistered. A corrupted fallback belongs to the user
// and must be removed by hand.
func (r *Resolver) recoverCorrupted(ctx context.Context, t *target) State {
	if t.role == RoleFallback {
		t.err = &ResolveError{
			Name: t.name, Role: t.role, Step: "recover",
			Detail: fmt.Sprintf("disk error %q; back up anything you need, then run `wsl --unregister %s` and re-run the installer",
				t.probe.Signature, t.name),
			Err: ErrCorruptedFallback,
		}
		return StateFailed
	}

	r.notify(fmt.Sprintf("Removing corrupted distribution %s", t.name))
	out := r.lifecycle.Unregister(ctx, t.name)
	if !out.OK() {
		t.err = &ResolveError{
			Name: t.name, Role: t.role, Step: "unregister",
			Detail: firstLine(out.Combined()), Err: ErrUnregisterFailed,
		}
		return StateFailed
	}
	return StateAbsent
}

// create: ABSENT -> ACTIVE | FAILED. Primary only.
//
// The tarball is always removed. If the import succeeds but verification
// fails, the new distribution is unregistered and its data directory
// removed so that a failed Resolve leaves nothing owned behind.
func (r *Resolver) create(ctx context.Context, t *target) State {
	if t.role != RolePrimary {
		t.err = &ResolveError{Name: t.name, Role: t.role, Step: "create",
			Detail: "fallback distributions are never created", Err: ErrImportFailed}
		return StateFailed
	}

	if err := os.MkdirAll(r.cfg.DownloadDir, 0750); err != nil {
		t.err = &ResolveError{Name: t.name, Role: t.role, Step: "download", Detail: err.Error(), Err: ErrDownloadFailed}
		return StateFailed
	}
	tarball := filepath.Join(r.cfg.DownloadDir, t.name+"-rootfs.tar.gz")
	defer func() {
		if err := os.Remove(tarball); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("failed to remove rootfs tarball", "path", tarball, "error", err)
		}
	}()

	r.notify("Downloading base Linux image")
	dl := r.runner.Run(ctx, executor.Invocation{
		Args:    []string{r.cfg.Curl, "-fL", "--retry", "3", "-o", tarball, r.cfg.RootfsURL},
		Timeout: util.DownloadTimeout,
		Label:   "rootfs-download",
	})
	if !dl.OK() {
		t.err = &ResolveError{Name: t.name, Role: t.role, Step: "download",
			Detail: firstLine(dl.Combined()), Err: ErrDownloadFailed}
		return StateFailed
	}

	_, statErr := os.Stat(r.cfg.DataDir)
	dataDirExisted := statErr == nil
	if err := os.MkdirAll(r.cfg.DataDir, 0750); err != nil {
		t.err = &ResolveError{Name: t.name, Role: t.role, Step: "import", Detail: err.Error(), Err: ErrImportFailed}
		return StateFailed
	}

	r.notify(fmt.Sprintf("Creating distribution %s", t.name))
	imp := r.lifecycle.Import(ctx, t.name, r.cfg.DataDir, tarball)
	if !imp.OK() {
		r.removeDataDir(dataDirExisted)
		t.err = &ResolveError{Name: t.name, Role: t.role, Step: "import",
			Detail: firstLine(imp.Combined()), Err: ErrImportFailed}
		return StateFailed
	}
	t.created = true

	t.probe = r.lifecycle.Verify(ctx, t.name)
	if t.probe.Kind != ProbeHealthy {
		r.logger.Warn("new distribution failed verification, unregistering",
			"name", t.name, "probe", t.probe.Kind.String(), "detail", t.probe.Detail)
		if out := r.lifecycle.Unregister(ctx, t.name); !out.OK() {
			r.logger.Error("failed to unregister unverified distribution", "name", t.name, "exit_code", out.ExitCode)
		}
		r.removeDataDir(dataDirExisted)
		t.created = false
		t.err = &ResolveError{Name: t.name, Role: t.role, Step: "verify",
			Detail: t.probe.Detail, Err: ErrVerifyFailed}
		return StateFailed
	}
	return StateActive
}

func (r *Resolver) removeDataDir(existed bool) {
	if existed || r.cfg.DataDir == "" {
		return
	}
	if err := os.RemoveAll(r.cfg.DataDir); err != nil {
		r.logger.Warn("failed to remove data dir", "path", r.cfg.DataDir, "error", err)
	}
}

// activate builds the handle for an ACTIVE distribution and prepares its
// default user. User setup problems degrade the handle but do not fail it:
// every later command names the user explicitly.
func (r *Resolver) activate(ctx context.Context, t *target) *Handle {
	h := &Handle{
		Name:    t.name,
		State:   StateActive,
		Role:    t.role,
		User:    r.cfg.User,
		Owned:   t.role == RolePrimary,
		Created: t.created,
		WSL:     r.cfg.WSL,
	}
	if h.Owned {
		h.DataDir = r.cfg.DataDir
	}

	if t.role == RolePrimary {
		h.IsDefaultUser = r.initializePrimary(ctx, h)
		if t.created {
			r.installBaseline(ctx, h)
		}
	} else {
		h.IsDefaultUser = r.initializeFallback(ctx, h)
	}

	r.logger.Info("distribution active", "name", h.Name, "role", h.Role.String(),
		"created", h.Created, "default_user", h.IsDefaultUser)
	return h
}

// initializePrimary creates the user, makes it the default through
// /etc/wsl.conf, and verifies with whoami. One self-heal pass re-runs the
// whole sequence if verification shows another user.
func (r *Resolver) initializePrimary(ctx context.Context, h *Handle) bool {
	r.notify(fmt.Sprintf("Configuring user %s", h.User))
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			r.logger.Warn("default user mismatch, repairing", "name", h.Name, "user", h.User)
		}
		r.ensureUser(ctx, h)
		r.writeWSLConf(ctx, h)
		if out := r.lifecycle.Terminate(ctx, h.Name); !out.OK() {
			r.logger.Warn("terminate after wsl.conf write failed", "exit_code", out.ExitCode)
		}
		if r.defaultUserIs(ctx, h) {
			return true
		}
	}
	r.logger.Warn("default user could not be verified; commands will name the user explicitly",
		"name", h.Name, "user", h.User)
	return false
}

// initializeFallback ensures the user exists and sets it as the default,
// once. There is no self-heal pass: a fallback that keeps another default
// user is used with explicit -u on every command.
func (r *Resolver) initializeFallback(ctx context.Context, h *Handle) bool {
	r.ensureUser(ctx, h)
	if r.setFallbackDefaultUser(ctx, h) {
		if out := r.lifecycle.Terminate(ctx, h.Name); !out.OK() {
			r.logger.Warn("terminate after wsl.conf write failed", "exit_code", out.ExitCode)
		}
	}
	return r.defaultUserIs(ctx, h)
}

// setFallbackDefaultUser edits only [user] default= in a fallback's
// wsl.conf, which belongs to the user. The previous content is kept on
// h.ConfigBackup so cleanup can put it back. Returns true if it wrote.
func (r *Resolver) setFallbackDefaultUser(ctx context.Context, h *Handle) bool {
	read := r.runner.Run(ctx, executor.Invocation{
		Args:    h.RootCommand("cat", WSLConfPath),
		Timeout: util.ConfigTimeout,
		Label:   "read-wsl-conf",
	})
	original, existed := read.Stdout, true
	if !read.OK() {
		if !strings.Contains(read.Combined(), "No such file") {
			r.logger.Warn("wsl.conf unreadable, leaving it unchanged",
				"name", h.Name, "exit_code", read.ExitCode)
			return false
		}
		original, existed = "", false
	}

	updated := SetDefaultUser(original, h.User)
	if updated == original {
		return false
	}
	h.ConfigBackup = &FileBackup{Path: WSLConfPath, Original: original, Existed: existed}
	out := r.runner.Run(ctx, executor.Invocation{
		Args:    h.RootShell(WriteFileScript(WSLConfPath, "0644")),
		Stdin:   []byte(updated),
		Timeout: util.ConfigTimeout,
		Label:   "write-wsl-conf",
	})
	if !out.OK() {
		r.logger.Warn("wsl.conf write failed", "exit_code", out.ExitCode)
	}
	return true
}

func (r *Resolver) ensureUser(ctx context.Context, h *Handle) {
	script := fmt.Sprintf(
		"id -u %[1]s >/dev/null 2>&1 || useradd -m -s /bin/bash %[1]s; "+
			"usermod -aG sudo %[1]s; "+
			"echo '%[1]s ALL=(ALL) NOPASSWD:ALL' > /etc/sudoers.d/%[1]s && chmod 0440 /etc/sudoers.d/%[1]s",
		h.User)
	out := r.runner.Run(ctx, executor.Invocation{
		Args:    h.RootShell(script),
		Timeout: util.ConfigTimeout,
		Label:   "ensure-user",
	})
	if !out.OK() {
		r.logger.Warn("user setup failed", "user", h.User, "exit_code", out.ExitCode)
	}
}

func (r *Resolver) writeWSLConf(ctx context.Context, h *Handle) {
	conf := WSLConf{DefaultUser: h.User, Systemd: true, GenerateResolvConf: true}
	out := r.runner.Run(ctx, executor.Invocation{
		Args:    h.RootShell(WriteFileScript(WSLConfPath, "0644")),
		Stdin:   []byte(conf.Render()),
		Timeout: util.ConfigTimeout,
		Label:   "write-wsl-conf",
	})
	if !out.OK() {
		r.logger.Warn("wsl.conf write failed", "exit_code", out.ExitCode)
	}
}

func (r *Resolver) defaultUserIs(ctx context.Context, h *Handle) bool {
	out := r.runner.Run(ctx, executor.Invocation{
		Args:    []string{h.WSL, "-d", h.Name, "--", "whoami"},
		Timeout: util.VerifyTimeout,
		Label:   "whoami",
	})
	got := strings.TrimSpace(strings.ReplaceAll(out.Stdout, "\x00", ""))
	return out.OK() && got == h.User
}

func (r *Resolver) installBaseline(ctx context.Context, h *Handle) {
	if len(r.cfg.BaselinePackages) == 0 {
		return
	}
	r.notify("Installing base tools")
	script := "export DEBIAN_FRONTEND=noninteractive; apt-get update -q && apt-get install -y -q --no-install-recommends " +
		strings.Join(r.cfg.BaselinePackages, " ")
	out := r.runner.Run(ctx, executor.Invocation{
		Args:    h.RootShell(script),
		Timeout: util.DownloadTimeout,
		Stream:  true,
		Label:   "baseline-tools",
	})
	if !out.OK() {
		r.logger.Warn("baseline tool install failed", "exit_code", out.ExitCode)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
