// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"
	"strings"
	"sync"
)

// MockRunner is a test double for Runner.
//
// Configure the mock by setting RunFunc before use. If RunFunc is nil and
// Run is called, it panics. In streaming mode the Lines of the returned
// Outcome are replayed through Invocation.OnLine, so callers observe the
// same callback sequence they would see from a real process.
//
// # Example
//
//	mock := &MockRunner{
//	    RunFunc: func(ctx context.Context, inv Invocation) Outcome {
//	        if inv.Args[1] == "--list" {
//	            return Outcome{Stdout: "kamiwaza\r\n"}
//	        }
//	        return Outcome{}
//	    },
//	}
type MockRunner struct {
	// RunFunc is called when Run is invoked.
	RunFunc func(ctx context.Context, inv Invocation) Outcome

	// Calls records all invocations for verification.
	Calls []Invocation

	mu sync.Mutex
}

// Run delegates to RunFunc and records the call.
func (m *MockRunner) Run(ctx context.Context, inv Invocation) Outcome {
	m.mu.Lock()
	m.Calls = append(m.Calls, inv)
	m.mu.Unlock()

	if m.RunFunc == nil {
		panic("MockRunner.RunFunc not set")
	}
	out := m.RunFunc(ctx, inv)
	if inv.Stream && inv.OnLine != nil {
		for _, line := range out.Lines {
			inv.OnLine(line)
		}
	}
	return out
}

// GetCalls returns a copy of the recorded invocations.
func (m *MockRunner) GetCalls() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Invocation, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// CommandLines returns the recorded invocations as joined command lines.
func (m *MockRunner) CommandLines() []string {
	calls := m.GetCalls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.CommandLine()
	}
	return out
}

// Called reports whether any recorded command line contains substr.
func (m *MockRunner) Called(substr string) bool {
	for _, line := range m.CommandLines() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// Reset clears recorded calls.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

var _ Runner = (*MockRunner)(nil)
