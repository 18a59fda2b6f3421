// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/config"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/redact"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/runlock"
	"github.com/kamiwaza-ai/kamiwaza-installer/pkg/logging"
)

const serviceName = "kamiwaza-installer"

// loadConfig reads the config file, applies build-time values and resolves
// host paths. Install flags are applied by the caller before Validate.
func loadConfig(runID string) (config.InstallerConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if cfg.Release.Version == config.DefaultConfig().Release.Version {
		cfg.Release.Version = version
	}
	if cfg.Release.Codename == "" {
		cfg.Release.Codename = codename
	}
	if cfg.Release.Build == "" {
		cfg.Release.Build = build
	}
	if cfg.Release.PackageURL == "" {
		cfg.Release.PackageURL = packageURL
	}
	if err := cfg.ResolvePaths(hostDirs(), runID); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// hostDirs reads the Windows profile directories. Off Windows it falls back
// to the user cache and home directories.
func hostDirs() config.HostDirs {
	dirs := config.HostDirs{
		LocalAppData: os.Getenv("LOCALAPPDATA"),
		UserProfile:  os.Getenv("USERPROFILE"),
	}
	if dirs.LocalAppData == "" {
		dirs.LocalAppData, _ = os.UserCacheDir()
	}
	if dirs.UserProfile == "" {
		dirs.UserProfile, _ = os.UserHomeDir()
	}
	return dirs
}

// applyInstallFlags copies the install flags the user set onto cfg.
func applyInstallFlags(cfg *config.InstallerConfig, opts installOptions, changed func(string) bool) {
	set := func(name string, apply func()) {
		if changed(name) {
			apply()
		}
	}
	set("release-version", func() { cfg.Release.Version = opts.releaseVersion })
	set("codename", func() { cfg.Release.Codename = opts.codename })
	set("build", func() { cfg.Release.Build = opts.build })
	set("arch", func() { cfg.Release.Arch = opts.arch })
	set("package-url", func() { cfg.Release.PackageURL = opts.packageURL })
	set("memory-gb", func() { cfg.Install.MemoryGB = opts.memoryGB })
	set("swap-gb", func() { cfg.Install.SwapGB = opts.swapGB })
	set("email", func() { cfg.Install.Email = opts.email })
	set("usage-reporting", func() { cfg.Install.UsageReporting = opts.usageReporting })
	set("mode", func() { cfg.Install.Mode = opts.mode })
	set("capabilities", func() { cfg.Install.CapabilitiesFile = opts.capabilitiesFile })
	set("driver-prep-script", func() { cfg.Install.DriverPrepScript = opts.driverPrepScript })
	set("driver-verify-script", func() { cfg.Install.DriverVerifyScript = opts.driverVerifyScript })
	set("distro", func() { cfg.Environment.PrimaryName = opts.distro })
	set("fallback-distro", func() { cfg.Environment.FallbackName = opts.fallbackDistro })
	set("keep-logs", func() { cfg.Support.KeepLogs = opts.keepLogs })
	set("support-bucket", func() { cfg.Support.Bucket = opts.supportBucket })
	set("support-credentials", func() { cfg.Support.CredentialsFile = opts.supportCredentials })
}

// newSanitizer masks the default secret patterns, PII, and the given
// literal secrets.
func newSanitizer(secrets ...string) *redact.DefaultSanitizer {
	s := redact.New(append(redact.DefaultPatterns(), redact.PIIPatterns()...))
	for _, secret := range secrets {
		s.AddSecret(secret)
	}
	return s
}

// newLogger writes JSON to logDir (if set) and, with --verbose, text or
// JSON to stderr.
func newLogger(logDir string, redactor logging.Redactor) *logging.Logger {
	return logging.New(logging.Config{
		Level:    logging.ParseLevel(logLevel),
		LogDir:   logDir,
		Service:  serviceName,
		JSON:     jsonLogs,
		Quiet:    !verbose,
		Redactor: redactor,
	})
}

// acquireLock takes the single-instance lock in dir.
func acquireLock(dir string) (*runlock.Lock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	lock := runlock.New(dir, serviceName)
	if err := lock.Acquire(); err != nil {
		return nil, err
	}
	return lock, nil
}
