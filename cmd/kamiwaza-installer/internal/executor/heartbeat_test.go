// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tickHeartbeat evaluates hb once per second from start+1s to start+total
// and returns the offsets at which a heartbeat was due.
func tickHeartbeat(hb *heartbeat, start time.Time, total time.Duration, output func(offset time.Duration) bool) []time.Duration {
	var fired []time.Duration
	for offset := time.Second; offset <= total; offset += time.Second {
		now := start.Add(offset)
		if output != nil && output(offset) {
			hb.observe(now)
			continue
		}
		if hb.due(now) {
			fired = append(fired, offset)
		}
	}
	return fired
}

func TestHeartbeat_SilentFor45Seconds(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	hb := newHeartbeat(start, 10*time.Second, 30*time.Second)

	fired := tickHeartbeat(hb, start, 45*time.Second, nil)

	require.Len(t, fired, 1)
	assert.GreaterOrEqual(t, fired[0], 30*time.Second)
	assert.LessOrEqual(t, fired[0], 40*time.Second)
}

func TestHeartbeat_AtMostOncePer30Seconds(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	hb := newHeartbeat(start, 10*time.Second, 30*time.Second)

	fired := tickHeartbeat(hb, start, 5*time.Minute, nil)

	require.NotEmpty(t, fired)
	for i := 1; i < len(fired); i++ {
		assert.GreaterOrEqual(t, fired[i]-fired[i-1], 30*time.Second)
	}
	assert.Len(t, fired, 10)
}

func TestHeartbeat_SuppressedByOutput(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	hb := newHeartbeat(start, 10*time.Second, 30*time.Second)

	everyFive := func(offset time.Duration) bool { return offset%(5*time.Second) == 0 }
	fired := tickHeartbeat(hb, start, 2*time.Minute, everyFive)

	assert.Empty(t, fired)
}

func TestHeartbeat_ResumesAfterOutputStops(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	hb := newHeartbeat(start, 10*time.Second, 30*time.Second)

	// Output for the first minute, then silence.
	firstMinute := func(offset time.Duration) bool { return offset <= time.Minute }
	fired := tickHeartbeat(hb, start, 80*time.Second, firstMinute)

	require.Len(t, fired, 1)
	assert.Equal(t, 71*time.Second, fired[0])
}
