// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package configure

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/secrets"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/util"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/wsl"
)

// Guest configuration file paths.
const (
	IPv4ConfPath    = "/etc/apt/apt.conf.d/99kamiwaza-ipv4"
	RetriesConfPath = "/etc/apt/apt.conf.d/99kamiwaza-retries"
)

// DebconfPackage is the debconf owner of the installer's questions.
const DebconfPackage = "kamiwaza"

// DebconfSettings are the answers preseeded before package installation.
type DebconfSettings struct {
	License        *secrets.LicenseKey
	Email          string
	UsageReporting bool
	Mode           string
}

// DebconfConfigurator preseeds the package's debconf questions so the
// install runs without prompts.
//
// # Description
//
// The selections are piped to `debconf-set-selections` on stdin. The
// license key is decrypted only while the selections buffer is built and
// sent, and the buffer is wiped afterwards. It never appears in an
// argument vector or a log line.
type DebconfConfigurator struct {
	runner   executor.Runner
	settings DebconfSettings
}

// NewDebconfConfigurator creates a DebconfConfigurator.
func NewDebconfConfigurator(runner executor.Runner, settings DebconfSettings) *DebconfConfigurator {
	return &DebconfConfigurator{runner: runner, settings: settings}
}

// Name implements Configurator.
func (d *DebconfConfigurator) Name() string { return "debconf" }

// Apply implements Configurator.
func (d *DebconfConfigurator) Apply(ctx context.Context, h *wsl.Handle) error {
	if !d.settings.License.IsSet() {
		return d.send(ctx, h, d.selections(nil))
	}
	return d.settings.License.Reveal(func(key []byte) error {
		return d.send(ctx, h, d.selections(key))
	})
}

func (d *DebconfConfigurator) send(ctx context.Context, h *wsl.Handle, selections []byte) error {
	defer clear(selections)

	out := d.runner.Run(ctx, executor.Invocation{
		Args:    h.RootCommand("debconf-set-selections"),
		Stdin:   selections,
		Timeout: util.ConfigTimeout,
		Label:   "debconf",
	})
	if !out.OK() {
		return commandError("debconf-set-selections", out)
	}
	return nil
}

func (d *DebconfConfigurator) selections(key []byte) []byte {
	var b bytes.Buffer
	// Sized up front so the key is never left behind in a discarded
	// backing array.
	b.Grow(512 + len(key) + len(d.settings.Email))
	b.WriteString("debconf debconf/frontend select Noninteractive\n")
	if key != nil {
		fmt.Fprintf(&b, "%s %s/license_key password ", DebconfPackage, DebconfPackage)
		b.Write(key)
		b.WriteByte('\n')
	}
	if d.settings.Email != "" {
		fmt.Fprintf(&b, "%s %s/user_email string %s\n", DebconfPackage, DebconfPackage, d.settings.Email)
	}
	fmt.Fprintf(&b, "%s %s/usage_reporting boolean %s\n", DebconfPackage, DebconfPackage,
		strconv.FormatBool(d.settings.UsageReporting))
	if d.settings.Mode != "" {
		fmt.Fprintf(&b, "%s %s/install_mode select %s\n", DebconfPackage, DebconfPackage, d.settings.Mode)
	}
	return b.Bytes()
}

// NetworkConfigurator forces apt to IPv4 and checks name resolution.
//
// WSL's NAT networking frequently has IPv6 routes that do not work, which
// stalls apt downloads for minutes per mirror. /etc/resolv.conf is
// generated by WSL (generateResolvConf=true in /etc/wsl.conf); an empty
// one means DNS will fail during the download phase.
type NetworkConfigurator struct {
	runner executor.Runner
}

// NewNetworkConfigurator creates a NetworkConfigurator.
func NewNetworkConfigurator(runner executor.Runner) *NetworkConfigurator {
	return &NetworkConfigurator{runner: runner}
}

// Name implements Configurator.
func (n *NetworkConfigurator) Name() string { return "network" }

// Apply implements Configurator.
func (n *NetworkConfigurator) Apply(ctx context.Context, h *wsl.Handle) error {
	if err := writeGuestFile(ctx, n.runner, h, IPv4ConfPath, "0644",
		[]byte("Acquire::ForceIPv4 \"true\";\n"), "network-ipv4"); err != nil {
		return err
	}

	out := n.runner.Run(ctx, executor.Invocation{
		Args:    h.RootCommand("test", "-s", "/etc/resolv.conf"),
		Timeout: util.ConfigTimeout,
		Label:   "resolv-check",
	})
	if !out.OK() {
		return fmt.Errorf("/etc/resolv.conf: %w", ErrNoResolver)
	}
	return nil
}

// AptConfigurator sets package-manager retries and disables recommended
// packages.
type AptConfigurator struct {
	runner  executor.Runner
	retries int
}

// NewAptConfigurator creates an AptConfigurator. Non-positive retries
// defaults to 5.
func NewAptConfigurator(runner executor.Runner, retries int) *AptConfigurator {
	if retries <= 0 {
		retries = 5
	}
	return &AptConfigurator{runner: runner, retries: retries}
}

// Name implements Configurator.
func (a *AptConfigurator) Name() string { return "apt" }

// Apply implements Configurator.
func (a *AptConfigurator) Apply(ctx context.Context, h *wsl.Handle) error {
	content := fmt.Sprintf("Acquire::Retries \"%d\";\nAPT::Install-Recommends \"false\";\n", a.retries)
	return writeGuestFile(ctx, a.runner, h, RetriesConfPath, "0644", []byte(content), "apt-retries")
}
