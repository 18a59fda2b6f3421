// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"time"

	"golang.org/x/time/rate"
)

// heartbeat decides when a silent streaming command deserves a log line.
//
// A heartbeat is due when the command has been silent for longer than
// silence and the limiter grants a token. The limiter holds one token
// refilled every interval; the initial token is consumed at start so the
// first heartbeat cannot come before interval has passed.
//
// All decisions take explicit timestamps so the policy can be tested without
// sleeping.
type heartbeat struct {
	silence    time.Duration
	limiter    *rate.Limiter
	lastOutput time.Time
}

func newHeartbeat(start time.Time, silence, interval time.Duration) *heartbeat {
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	limiter.AllowN(start, 1)
	return &heartbeat{
		silence:    silence,
		limiter:    limiter,
		lastOutput: start,
	}
}

// observe records that output arrived at now.
func (h *heartbeat) observe(now time.Time) {
	h.lastOutput = now
}

// due reports whether a heartbeat should be emitted at now. A true result
// consumes the limiter token.
func (h *heartbeat) due(now time.Time) bool {
	if now.Sub(h.lastOutput) <= h.silence {
		return false
	}
	return h.limiter.AllowN(now, 1)
}
