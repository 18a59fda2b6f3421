// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"strings"
	"sync"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/diagnostics"
)

// ProgressReporter publishes a non-decreasing progress percentage.
//
// # Thread Safety
//
// Safe for concurrent use. Streaming callbacks may report from the
// executor's reader goroutine.
type ProgressReporter struct {
	mu      sync.Mutex
	last    int
	emit    func(percent int)
	metrics diagnostics.Metrics
	history []int
}

// NewProgressReporter creates a reporter starting at 0. emit is called once
// per increase; metrics may be nil.
func NewProgressReporter(emit func(percent int), metrics diagnostics.Metrics) *ProgressReporter {
	if emit == nil {
		emit = func(int) {}
	}
	if metrics == nil {
		metrics = diagnostics.NewNoOpMetrics()
	}
	return &ProgressReporter{emit: emit, metrics: metrics}
}

// Report publishes percent if it is above the last published value.
// Values are clamped to [0, 100]. Returns true when something was emitted.
func (p *ProgressReporter) Report(percent int) bool {
	percent = min(max(percent, 0), 100)

	p.mu.Lock()
	if percent <= p.last {
		p.mu.Unlock()
		return false
	}
	p.last = percent
	p.history = append(p.history, percent)
	p.mu.Unlock()

	p.metrics.SetProgress(percent)
	p.emit(percent)
	return true
}

// Last returns the last published percentage.
func (p *ProgressReporter) Last() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// History returns every published percentage in order.
func (p *ProgressReporter) History() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.history))
	copy(out, p.history)
	return out
}

// Milestone maps a keyword in package manager output to a progress value.
type Milestone struct {
	Keyword string
	Percent int
}

// DefaultMilestones are the dpkg stages seen while installing a package.
var DefaultMilestones = []Milestone{
	{Keyword: "unpacking", Percent: 60},
	{Keyword: "setting up", Percent: 75},
	{Keyword: "processing triggers", Percent: 85},
}

// MilestoneTracker turns streamed output lines into progress reports.
type MilestoneTracker struct {
	mu         sync.Mutex
	milestones []Milestone
	reached    map[string]bool
	progress   *ProgressReporter
}

// NewMilestoneTracker creates a tracker. Nil milestones selects
// DefaultMilestones.
func NewMilestoneTracker(progress *ProgressReporter, milestones []Milestone) *MilestoneTracker {
	if milestones == nil {
		milestones = DefaultMilestones
	}
	return &MilestoneTracker{
		milestones: milestones,
		reached:    make(map[string]bool, len(milestones)),
		progress:   progress,
	}
}

// Observe matches line case-insensitively against the milestones. The
// first time a keyword is seen its percentage is reported. Returns the
// milestone and true when one was newly reached.
func (m *MilestoneTracker) Observe(line string) (Milestone, bool) {
	lower := strings.ToLower(line)

	m.mu.Lock()
	var hit Milestone
	found := false
	for _, ms := range m.milestones {
		if m.reached[ms.Keyword] || !strings.Contains(lower, ms.Keyword) {
			continue
		}
		m.reached[ms.Keyword] = true
		hit, found = ms, true
		break
	}
	m.mu.Unlock()

	if found {
		m.progress.Report(hit.Percent)
	}
	return hit, found
}

// Reached returns the keywords seen so far.
func (m *MilestoneTracker) Reached() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ms := range m.milestones {
		if m.reached[ms.Keyword] {
			out = append(out, ms.Keyword)
		}
	}
	return out
}
