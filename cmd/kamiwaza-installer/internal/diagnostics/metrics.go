// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package diagnostics records per-run metrics and traces for support.

The installer is a short-lived process with no scrape endpoint, so metrics
are written once at exit in the Prometheus text exposition format next to
the run's logs, and spans are exported as JSON lines to a trace file in the
same directory. A support engineer receives both in the log bundle.

# Metrics Exported

  - kamiwaza_installer_phase_duration_seconds: Histogram by phase
  - kamiwaza_installer_phase_outcomes_total: Counter by phase and outcome
  - kamiwaza_installer_commands_total: Counter by label and result
  - kamiwaza_installer_command_duration_seconds: Histogram by label
  - kamiwaza_installer_heartbeats_total: Counter by label
  - kamiwaza_installer_progress_percent: Gauge of last reported progress
*/
package diagnostics

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "kamiwaza"
	metricsSubsystem = "installer"
)

// Metrics records installer activity.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Metrics interface {
	// RecordPhase records a finished phase. outcome is "ok", "degraded",
	// "failed", or "skipped".
	RecordPhase(phase, outcome string, d time.Duration)

	// RecordCommand records one executor invocation.
	RecordCommand(label string, exitCode int, d time.Duration)

	// RecordHeartbeat records one heartbeat emitted for a silent command.
	RecordHeartbeat(label string)

	// SetProgress records the last reported progress percentage.
	SetProgress(percent int)

	// WriteTextfile writes all metrics to path in text exposition format.
	WriteTextfile(path string) error
}

// =============================================================================
// NoOp Implementation
// =============================================================================

// NoOpMetrics counts calls in memory and exports nothing.
type NoOpMetrics struct {
	phases     atomic.Int64
	commands   atomic.Int64
	heartbeats atomic.Int64
	progress   atomic.Int64
}

// NewNoOpMetrics creates a NoOpMetrics.
func NewNoOpMetrics() *NoOpMetrics { return &NoOpMetrics{} }

func (m *NoOpMetrics) RecordPhase(string, string, time.Duration) { m.phases.Add(1) }
func (m *NoOpMetrics) RecordCommand(string, int, time.Duration)  { m.commands.Add(1) }
func (m *NoOpMetrics) RecordHeartbeat(string)                    { m.heartbeats.Add(1) }
func (m *NoOpMetrics) SetProgress(percent int)                   { m.progress.Store(int64(percent)) }
func (m *NoOpMetrics) WriteTextfile(string) error                { return nil }

// Heartbeats returns the number of RecordHeartbeat calls.
func (m *NoOpMetrics) Heartbeats() int64 { return m.heartbeats.Load() }

// Commands returns the number of RecordCommand calls.
func (m *NoOpMetrics) Commands() int64 { return m.commands.Load() }

// =============================================================================
// Prometheus Implementation
// =============================================================================

// PrometheusMetrics records into a private registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	phaseDuration   *prometheus.HistogramVec
	phaseOutcomes   *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	heartbeats      *prometheus.CounterVec
	progress        prometheus.Gauge

	mu sync.Mutex
}

// NewPrometheusMetrics creates metrics labelled with the run id.
//
// # Inputs
//
//   - runID: Attached to every series as the constant label "run_id".
//
// # Outputs
//
//   - *PrometheusMetrics: Ready to record
//   - error: Non-nil if registration fails
func NewPrometheusMetrics(runID string) (*PrometheusMetrics, error) {
	constLabels := prometheus.Labels{"run_id": runID}

	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "phase_duration_seconds",
			Help:        "Wall-clock duration of each installation phase.",
			Buckets:     []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
			ConstLabels: constLabels,
		}, []string{"phase"}),
		phaseOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "phase_outcomes_total",
			Help:        "Phase completions by outcome.",
			ConstLabels: constLabels,
		}, []string{"phase", "outcome"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "commands_total",
			Help:        "External command invocations by label and result.",
			ConstLabels: constLabels,
		}, []string{"label", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "command_duration_seconds",
			Help:        "External command wall-clock duration.",
			Buckets:     prometheus.ExponentialBuckets(0.1, 4, 9),
			ConstLabels: constLabels,
		}, []string{"label"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "heartbeats_total",
			Help:        "Heartbeats emitted while a command was silent.",
			ConstLabels: constLabels,
		}, []string{"label"}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "progress_percent",
			Help:        "Last reported progress percentage.",
			ConstLabels: constLabels,
		}),
	}

	collectors := []prometheus.Collector{
		m.phaseDuration, m.phaseOutcomes, m.commands,
		m.commandDuration, m.heartbeats, m.progress,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// RecordPhase records a finished phase.
func (m *PrometheusMetrics) RecordPhase(phase, outcome string, d time.Duration) {
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	m.phaseOutcomes.WithLabelValues(phase, outcome).Inc()
}

// RecordCommand records one executor invocation. Exit codes are bucketed
// into "ok", "timeout", "canceled", or "exit_<code>" to bound cardinality to
// what the installer actually produces.
func (m *PrometheusMetrics) RecordCommand(label string, exitCode int, d time.Duration) {
	m.commands.WithLabelValues(label, commandResult(exitCode)).Inc()
	m.commandDuration.WithLabelValues(label).Observe(d.Seconds())
}

// RecordHeartbeat records one heartbeat.
func (m *PrometheusMetrics) RecordHeartbeat(label string) {
	m.heartbeats.WithLabelValues(label).Inc()
}

// SetProgress records the last reported progress percentage.
func (m *PrometheusMetrics) SetProgress(percent int) {
	m.progress.Set(float64(percent))
}

// Registry exposes the underlying registry for tests.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the registry to path atomically.
func (m *PrometheusMetrics) WriteTextfile(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func commandResult(exitCode int) string {
	switch exitCode {
	case 0:
		return "ok"
	case 124:
		return "timeout"
	case 130:
		return "canceled"
	default:
		return "exit_" + strconv.Itoa(exitCode)
	}
}

var (
	_ Metrics = (*NoOpMetrics)(nil)
	_ Metrics = (*PrometheusMetrics)(nil)
)
