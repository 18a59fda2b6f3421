// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config holds the installer configuration: defaults, an optional
// YAML file, host path resolution, and the capability detection result.
//
// No other package reads environment variables or the working directory.
// The CLI resolves host directories once and passes InstallerConfig down.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// InstallerConfig is the complete installer configuration.
type InstallerConfig struct {
	Release     ReleaseConfig     `yaml:"release"`
	Environment EnvironmentConfig `yaml:"environment"`
	Install     InstallConfig     `yaml:"install"`
	Paths       PathsConfig       `yaml:"paths"`
	Support     SupportConfig     `yaml:"support"`
}

// ReleaseConfig identifies the build being installed.
type ReleaseConfig struct {
	Version  string `yaml:"version" validate:"required"`
	Codename string `yaml:"codename"`
	Build    string `yaml:"build"`
	Arch     string `yaml:"arch" validate:"oneof=amd64 arm64"`

	// PackageURL is substituted at build time.
	PackageURL string `yaml:"package_url" validate:"required,url"`
}

// EnvironmentConfig describes the WSL distribution.
type EnvironmentConfig struct {
	WSL          string `yaml:"wsl"`
	PrimaryName  string `yaml:"primary_name" validate:"required,excludesall=/\\"`
	FallbackName string `yaml:"fallback_name" validate:"omitempty,excludesall=/\\,nefield=PrimaryName"`
	User         string `yaml:"user" validate:"required,alphanum,lowercase"`
	RootfsURL    string `yaml:"rootfs_url" validate:"required,url"`
	Curl         string `yaml:"curl"`

	BaselinePackages []string `yaml:"baseline_packages"`
}

// InstallConfig holds the user's choices and install behavior.
type InstallConfig struct {
	MemoryGB       int    `yaml:"memory_gb" validate:"gte=0,lte=1024"`
	SwapGB         int    `yaml:"swap_gb" validate:"gte=0,lte=512"`
	Email          string `yaml:"email" validate:"omitempty,email"`
	UsageReporting bool   `yaml:"usage_reporting"`
	Mode           string `yaml:"mode" validate:"oneof=lite full"`

	StartCommand           string `yaml:"start_command" validate:"required"`
	AptRetries             int    `yaml:"apt_retries" validate:"gte=0,lte=20"`
	MaxRemediationAttempts int    `yaml:"max_remediation_attempts" validate:"gte=1,lte=2"`

	// CapabilitiesFile is the capability detection result.
	CapabilitiesFile string `yaml:"capabilities_file"`

	DriverPrepScript   string `yaml:"driver_prep_script"`
	DriverVerifyScript string `yaml:"driver_verify_script"`
}

// PathsConfig holds host paths. Empty values are filled by ResolvePaths.
type PathsConfig struct {
	AppDataDir    string `yaml:"app_data_dir"`
	LogDir        string `yaml:"log_dir"`
	DataDir       string `yaml:"data_dir"`
	DownloadDir   string `yaml:"download_dir"`
	HistoryDir    string `yaml:"history_dir"`
	WSLConfigPath string `yaml:"wslconfig_path"`
}

// SupportConfig configures optional diagnostic upload.
type SupportConfig struct {
	// Bucket enables upload of mirrored logs when set together with
	// CredentialsFile.
	Bucket          string `yaml:"bucket"`
	CredentialsFile string `yaml:"credentials_file"`

	// KeepLogs keeps the run's log directory when a failed install is
	// rolled back.
	KeepLogs bool `yaml:"keep_logs"`
}

// HostDirs are the Windows directories the CLI reads once at startup.
type HostDirs struct {
	// LocalAppData is %LOCALAPPDATA%.
	LocalAppData string

	// UserProfile is %USERPROFILE%.
	UserProfile string
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() InstallerConfig {
	return InstallerConfig{
		Release: ReleaseConfig{
			Version: "0.0.0-dev",
			Arch:    "amd64",
		},
		Environment: EnvironmentConfig{
			WSL:          "wsl.exe",
			PrimaryName:  "kamiwaza",
			FallbackName: "Ubuntu-24.04",
			User:         "kamiwaza",
			RootfsURL:    "https://cloud-images.ubuntu.com/wsl/releases/24.04/current/ubuntu-noble-wsl-amd64-24.04lts.rootfs.tar.gz",
			Curl:         "curl.exe",
		},
		Install: InstallConfig{
			Mode:                   "lite",
			StartCommand:           "kamiwaza start",
			AptRetries:             5,
			MaxRemediationAttempts: 2,
		},
		Support: SupportConfig{
			KeepLogs: true,
		},
	}
}

// Validate checks field constraints.
func (c *InstallerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid installer config: %w", err)
	}
	return nil
}

// ResolvePaths fills empty paths from the host directories:
//
//	%LOCALAPPDATA%\Kamiwaza               app data
//	%LOCALAPPDATA%\Kamiwaza\logs\<runID>  run log directory
//	%LOCALAPPDATA%\Kamiwaza\wsl\<name>    distribution data
//	%LOCALAPPDATA%\Kamiwaza\downloads     rootfs downloads
//	%LOCALAPPDATA%\Kamiwaza\history       run journal
//	%USERPROFILE%\.wslconfig              WSL VM settings
func (c *InstallerConfig) ResolvePaths(dirs HostDirs, runID string) error {
	p := &c.Paths
	if p.AppDataDir == "" {
		if dirs.LocalAppData == "" {
			return fmt.Errorf("app data directory is unknown: LOCALAPPDATA is not set")
		}
		p.AppDataDir = filepath.Join(dirs.LocalAppData, "Kamiwaza")
	}
	if p.LogDir == "" {
		p.LogDir = filepath.Join(p.AppDataDir, "logs", runID)
	}
	if p.DataDir == "" {
		p.DataDir = filepath.Join(p.AppDataDir, "wsl", c.Environment.PrimaryName)
	}
	if p.DownloadDir == "" {
		p.DownloadDir = filepath.Join(p.AppDataDir, "downloads")
	}
	if p.HistoryDir == "" {
		p.HistoryDir = filepath.Join(p.AppDataDir, "history")
	}
	if p.WSLConfigPath == "" && dirs.UserProfile != "" {
		p.WSLConfigPath = filepath.Join(dirs.UserProfile, ".wslconfig")
	}
	return nil
}

// UploadEnabled reports whether diagnostic upload is configured.
func (s SupportConfig) UploadEnabled() bool {
	return s.Bucket != "" && s.CredentialsFile != ""
}
