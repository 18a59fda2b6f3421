// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package util

import "time"

// Default timeouts for bounded operations. Package installation and service
// start are deliberately absent: they run without a timeout.
const (
	// ListTimeout bounds `wsl --list`.
	ListTimeout = 30 * time.Second

	// LifecycleTimeout bounds terminate, shutdown, and unregister.
	LifecycleTimeout = 60 * time.Second

	// VerifyTimeout bounds a trivial command run inside the environment.
	VerifyTimeout = 120 * time.Second

	// ConfigTimeout bounds a single configuration write.
	ConfigTimeout = 60 * time.Second

	// DownloadTimeout bounds rootfs and package downloads.
	DownloadTimeout = 30 * time.Minute

	// ImportTimeout bounds `wsl --import`.
	ImportTimeout = 15 * time.Minute

	// RemediationTimeout bounds `wsl --update` and `wsl --install`.
	RemediationTimeout = 20 * time.Minute

	// CleanupStepTimeout bounds each cleanup sub-step.
	CleanupStepTimeout = 2 * time.Minute

	// MinTimeout is the floor applied by EnforceMinTimeout.
	MinTimeout = 1 * time.Second
)

// EnforceMinTimeout returns minimum when d is positive but smaller than it.
// Zero and negative values mean "no timeout" and are returned unchanged.
func EnforceMinTimeout(d, minimum time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if d < minimum {
		return minimum
	}
	return d
}
