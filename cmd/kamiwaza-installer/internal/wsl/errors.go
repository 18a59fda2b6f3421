// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package wsl

import (
	"errors"
	"fmt"
)

var (
	// ErrEnvironmentUnresolved is wrapped by every Resolve failure.
	ErrEnvironmentUnresolved = errors.New("environment could not be resolved")

	// ErrListFailed indicates wsl.exe could not be run to enumerate
	// distributions.
	ErrListFailed = errors.New("failed to list distributions")

	// ErrCorruptedFallback indicates the fallback distribution has a
	// corrupted disk. It must be unregistered by the user.
	ErrCorruptedFallback = errors.New("fallback distribution is corrupted")

	// ErrUnregisterFailed indicates a corrupted primary could not be
	// unregistered.
	ErrUnregisterFailed = errors.New("failed to unregister distribution")

	// ErrDownloadFailed indicates the base filesystem image download failed.
	ErrDownloadFailed = errors.New("failed to download base image")

	// ErrImportFailed indicates `wsl --import` failed.
	ErrImportFailed = errors.New("failed to import distribution")

	// ErrVerifyFailed indicates a trivial command inside the distribution
	// did not succeed.
	ErrVerifyFailed = errors.New("distribution verification failed")
)

// ResolveError describes why one distribution name ended in StateFailed.
type ResolveError struct {
	// Name is the distribution name.
	Name string

	// Role is primary or fallback.
	Role Role

	// Step names the transition that failed, e.g. "import".
	Step string

	// Detail is a user-facing hint, possibly including a manual command.
	Detail string

	// Err is one of the package sentinels.
	Err error
}

// Error implements error.
func (e *ResolveError) Error() string {
	msg := fmt.Sprintf("%s distribution %q: %s: %v", e.Role, e.Name, e.Step, e.Err)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Unwrap returns the sentinel and ErrEnvironmentUnresolved.
func (e *ResolveError) Unwrap() []error {
	return []error{e.Err, ErrEnvironmentUnresolved}
}
