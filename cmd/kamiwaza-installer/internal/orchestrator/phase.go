// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator drives one installation run through its phases.
//
// # Phases
//
//	PREREQS → ENVIRONMENT → MEMORY_CONFIG → SYSTEM_CONFIG → DRIVER_PREP →
//	PACKAGE_DOWNLOAD → PACKAGE_INSTALL → DRIVER_VERIFY → SERVICE_START →
//	LOG_COLLECTION
//
// Phases run strictly in order, one command at a time. Each phase is
// either fatal (a failure aborts the run and triggers cleanup) or
// best-effort (a failure marks the phase degraded and the run continues).
// The Orchestrator is the only component that decides the exit code.
package orchestrator

// Phase is one step of an installation run.
type Phase int

const (
	// PhaseNone is the zero value; a successful Result has it as
	// FailedPhase.
	PhaseNone Phase = iota
	PhasePrereqs
	PhaseEnvironment
	PhaseMemoryConfig
	// PhaseSystemConfig covers debconf preseeding, swap, network, and apt
	// settings.
	PhaseSystemConfig
	PhaseDriverPrep
	PhasePackageDownload
	PhasePackageInstall
	PhaseDriverVerify
	PhaseServiceStart
	PhaseLogCollection
)

// InstallStartProgress is reported when PACKAGE_INSTALL begins. Milestones
// inside the phase move progress between it and the phase checkpoint.
const InstallStartProgress = 50

// Phases returns every phase in execution order.
func Phases() []Phase {
	return []Phase{
		PhasePrereqs,
		PhaseEnvironment,
		PhaseMemoryConfig,
		PhaseSystemConfig,
		PhaseDriverPrep,
		PhasePackageDownload,
		PhasePackageInstall,
		PhaseDriverVerify,
		PhaseServiceStart,
		PhaseLogCollection,
	}
}

// String returns the phase name used in logs, metrics, and history.
func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return ""
	case PhasePrereqs:
		return "PREREQS"
	case PhaseEnvironment:
		return "ENVIRONMENT"
	case PhaseMemoryConfig:
		return "MEMORY_CONFIG"
	case PhaseSystemConfig:
		return "SYSTEM_CONFIG"
	case PhaseDriverPrep:
		return "DRIVER_PREP"
	case PhasePackageDownload:
		return "PACKAGE_DOWNLOAD"
	case PhasePackageInstall:
		return "PACKAGE_INSTALL"
	case PhaseDriverVerify:
		return "DRIVER_VERIFY"
	case PhaseServiceStart:
		return "SERVICE_START"
	case PhaseLogCollection:
		return "LOG_COLLECTION"
	default:
		return "UNKNOWN"
	}
}

// Title is the user-facing description printed when the phase starts.
func (p Phase) Title() string {
	switch p {
	case PhasePrereqs:
		return "Checking Windows Subsystem for Linux"
	case PhaseEnvironment:
		return "Preparing the Linux environment"
	case PhaseMemoryConfig:
		return "Configuring memory"
	case PhaseSystemConfig:
		return "Configuring the environment"
	case PhaseDriverPrep:
		return "Preparing GPU drivers"
	case PhasePackageDownload:
		return "Downloading Kamiwaza"
	case PhasePackageInstall:
		return "Installing Kamiwaza"
	case PhaseDriverVerify:
		return "Verifying GPU drivers"
	case PhaseServiceStart:
		return "Starting Kamiwaza"
	case PhaseLogCollection:
		return "Collecting logs"
	default:
		return p.String()
	}
}

// Checkpoint is the progress percentage reported when the phase finishes.
// Checkpoints increase strictly along Phases().
func (p Phase) Checkpoint() int {
	switch p {
	case PhasePrereqs:
		return 5
	case PhaseEnvironment:
		return 20
	case PhaseMemoryConfig:
		return 25
	case PhaseSystemConfig:
		return 30
	case PhaseDriverPrep:
		return 35
	case PhasePackageDownload:
		return 45
	case PhasePackageInstall:
		return 90
	case PhaseDriverVerify:
		return 92
	case PhaseServiceStart:
		return 97
	case PhaseLogCollection:
		return 100
	default:
		return 0
	}
}

// Fatal reports whether a failure of the phase aborts the run.
func (p Phase) Fatal() bool {
	switch p {
	case PhasePrereqs, PhaseEnvironment, PhasePackageDownload, PhasePackageInstall:
		return true
	default:
		return false
	}
}

// Phase outcomes recorded in metrics and history.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)
