// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// installOptions are the install flags. Only flags the user set override
// the config file.
type installOptions struct {
	releaseVersion     string
	codename           string
	build              string
	arch               string
	packageURL         string
	memoryGB           int
	swapGB             int
	email              string
	licenseKey         string
	usageReporting     bool
	mode               string
	capabilitiesFile   string
	driverPrepScript   string
	driverVerifyScript string
	distro             string
	fallbackDistro     string
	keepLogs           bool
	supportBucket      string
	supportCredentials string
}

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	verbose    bool
	jsonLogs   bool

	install     installOptions
	statusLast  int
	cleanupLogs bool

	rootCmd = &cobra.Command{
		Use:   "kamiwaza-installer",
		Short: "Installs Kamiwaza into a WSL distribution",
		Long: `kamiwaza-installer prepares WSL, creates or reuses a Linux distribution,
installs the Kamiwaza package inside it and starts the service.

Progress is printed as PROGRESS:<percent> lines. Exit codes:
  0     installed (possibly with warnings)
  1     failed; partial state was rolled back
  3010  Windows must be restarted before installing`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	installCmd = &cobra.Command{
		Use:   "install",
		Short: "Install Kamiwaza",
		Args:  cobra.NoArgs,
		RunE:  runInstall, // Defined in cmd_install.go
	}

	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Roll back the most recent failed or interrupted install",
		Args:  cobra.NoArgs,
		RunE:  runCleanup, // Defined in cmd_cleanup.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show recent install runs",
		Args:  cobra.NoArgs,
		RunE:  runStatus, // Defined in cmd_status.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the installer version",
		Args:  cobra.NoArgs,
		Run:   runVersion, // Defined in cmd_version.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "installer config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "also write log entries to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "write stderr log entries as JSON")

	f := installCmd.Flags()
	f.StringVar(&install.releaseVersion, "release-version", "", "Kamiwaza release being installed")
	f.StringVar(&install.codename, "codename", "", "release codename")
	f.StringVar(&install.build, "build", "", "release build identifier")
	f.StringVar(&install.arch, "arch", "", "package architecture: amd64 or arm64")
	f.StringVar(&install.packageURL, "package-url", "", "URL of the Kamiwaza .deb package")
	f.IntVar(&install.memoryGB, "memory-gb", 0, "memory limit of the WSL VM in GB (0 leaves it unchanged)")
	f.IntVar(&install.swapGB, "swap-gb", 0, "swap size of the WSL VM in GB (0 leaves it unchanged)")
	f.StringVar(&install.email, "email", "", "contact email passed to the package")
	f.StringVar(&install.licenseKey, "license-key", "", "license key; never written to logs")
	f.BoolVar(&install.usageReporting, "usage-reporting", false, "enable anonymous usage reporting")
	f.StringVar(&install.mode, "mode", "", "install mode: lite or full")
	f.StringVar(&install.capabilitiesFile, "capabilities", "", "host capability detection result")
	f.StringVar(&install.driverPrepScript, "driver-prep-script", "", "GPU driver preparation script")
	f.StringVar(&install.driverVerifyScript, "driver-verify-script", "", "GPU driver verification script")
	f.StringVar(&install.distro, "distro", "", "name of the distribution to create")
	f.StringVar(&install.fallbackDistro, "fallback-distro", "", "existing distribution to use if creation fails")
	f.BoolVar(&install.keepLogs, "keep-logs", true, "keep the run's logs when rolling back")
	f.StringVar(&install.supportBucket, "support-bucket", "", "GCS bucket for diagnostic upload")
	f.StringVar(&install.supportCredentials, "support-credentials", "", "service account key for diagnostic upload")

	statusCmd.Flags().IntVarP(&statusLast, "last", "n", 5, "number of runs to show")
	cleanupCmd.Flags().BoolVar(&cleanupLogs, "logs", true, "also remove the failed run's logs")

	rootCmd.AddCommand(installCmd, cleanupCmd, statusCmd, versionCmd)
}
