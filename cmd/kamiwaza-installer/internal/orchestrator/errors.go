// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"errors"
	"fmt"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/wsl"
)

// Exit codes returned by Result.ExitCode.
const (
	ExitSuccess        = 0
	ExitFailure        = 1
	ExitRebootRequired = wsl.ExitRebootRequired
)

var (
	// ErrRebootRequired indicates WSL remediation needs a Windows restart.
	ErrRebootRequired = errors.New("a restart is required to finish installing WSL")

	// ErrSubsystemUnavailable indicates WSL is missing or broken and could
	// not be remediated.
	ErrSubsystemUnavailable = errors.New("windows subsystem for linux is unavailable")

	// ErrDownloadFailed indicates the package could not be fetched.
	ErrDownloadFailed = errors.New("package download failed")

	// ErrEmptyArtifact indicates the downloaded package is missing or empty.
	ErrEmptyArtifact = errors.New("downloaded package is missing or empty")

	// ErrMetadataRefreshFailed indicates `apt-get update` failed.
	ErrMetadataRefreshFailed = errors.New("package metadata refresh failed")

	// ErrPackageInstallFailed indicates `apt-get install` failed.
	ErrPackageInstallFailed = errors.New("package install failed")

	// ErrCommandNotFound indicates the installed command is not on PATH.
	ErrCommandNotFound = errors.New("installed command not found on PATH")

	// ErrServiceStartFailed indicates the application did not start.
	ErrServiceStartFailed = errors.New("service start failed")

	// ErrCanceled indicates the run was interrupted.
	ErrCanceled = errors.New("installation canceled")

	// errSkipped marks a best-effort phase that had nothing to do.
	errSkipped = errors.New("skipped")
)

// PhaseError is the fatal error of a run.
type PhaseError struct {
	// Phase is where the run stopped.
	Phase Phase

	// Err is the cause.
	Err error

	// Tail holds the last output lines of the failing command and any
	// backing log.
	Tail []string
}

// Error implements error.
func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

// Unwrap returns the cause.
func (e *PhaseError) Unwrap() error {
	return e.Err
}

// tailError carries output lines up to the phase boundary.
type tailError struct {
	err  error
	tail []string
}

func (e *tailError) Error() string { return e.err.Error() }
func (e *tailError) Unwrap() error { return e.err }

func withTail(err error, tail []string) error {
	return &tailError{err: err, tail: tail}
}

func tailOf(err error) []string {
	var te *tailError
	if errors.As(err, &te) {
		return te.tail
	}
	return nil
}
