// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/orchestrator"
)

// ExitError carries a process exit code out of a cobra RunE.
//
// # Description
//
// Returned by subcommands whose failure has a defined exit code. Reported
// is true when the failure was already shown to the user (error box,
// restart notice), in which case main prints nothing more.
//
// # Example
//
//	return &ExitError{Code: orchestrator.ExitRebootRequired, Reported: true}
type ExitError struct {
	// Code is the process exit code.
	Code int

	// Err is the underlying error, if any.
	Err error

	// Reported suppresses the final "Error:" line.
	Reported bool
}

// Error returns a formatted error message.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exit %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("exit %d", e.Code)
}

// Unwrap returns the underlying error.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitCode maps err to a process exit code. Errors without an ExitError
// in their chain, such as flag parse errors, exit 1.
func exitCode(err error) int {
	if err == nil {
		return orchestrator.ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return orchestrator.ExitFailure
}

func isReported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Reported
}
