// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package executor runs external commands for the installer.

Every wsl.exe, curl, and apt-get call goes through a Runner so that the
rest of the installer can be tested without real processes, and so that
logging, redaction, timeouts, and heartbeats are handled in one place.

# Modes

Buffered (Invocation.Stream == false): stdout and stderr are captured
separately and returned when the process exits or the timeout fires.

Streaming (Invocation.Stream == true): stdout and stderr share one pipe so
lines arrive in emission order. Each line is passed to Invocation.OnLine on
the calling goroutine before the next line is read. While the command is
silent for longer than the heartbeat threshold, a "still running" line is
logged at most once per heartbeat interval.

# Failure Reporting

Run never returns an error. Spawn failures, timeouts, and cancellation are
reported through Outcome with the exit codes ExitSpawnFailure,
ExitTimeout, and ExitCanceled.

# Example

	runner := executor.NewDefaultRunner(executor.Config{Logger: logger})
	out := runner.Run(ctx, executor.Invocation{
	    Args:   []string{"wsl.exe", "-d", "kamiwaza", "--", "apt-get", "update"},
	    Stream: true,
	    OnLine: func(line string) { fmt.Println(line) },
	})
	if !out.OK() {
	    return fmt.Errorf("apt-get update: exit %d", out.ExitCode)
	}
*/
package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/diagnostics"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/redact"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/util"
)

// Synthetic exit codes.
const (
	// ExitSpawnFailure is reported when the process could not be started.
	ExitSpawnFailure = 1

	// ExitTimeout is reported when the invocation's timeout fired.
	ExitTimeout = 124

	// ExitCanceled is reported when the context was canceled.
	ExitCanceled = 130
)

// =============================================================================
// Types
// =============================================================================

// Invocation describes one external command.
type Invocation struct {
	// Args is the argument vector. Args[0] is the program.
	Args []string

	// Timeout bounds the run. Zero means wait indefinitely.
	Timeout time.Duration

	// Stream enables line-by-line streaming with heartbeats.
	Stream bool

	// OnLine receives each output line in streaming mode.
	OnLine func(line string)

	// Stdin is written to the child's standard input. It is never logged.
	Stdin []byte

	// Env is appended to the inherited environment.
	Env []string

	// Label names the invocation in logs, metrics, and spans. Default: the
	// base name of Args[0].
	Label string
}

func (inv Invocation) label() string {
	if inv.Label != "" {
		return inv.Label
	}
	if len(inv.Args) == 0 {
		return "empty"
	}
	return strings.TrimSuffix(filepath.Base(inv.Args[0]), ".exe")
}

// CommandLine joins Args with spaces. For display and matching only.
func (inv Invocation) CommandLine() string {
	return strings.Join(inv.Args, " ")
}

// Outcome is the result of one invocation.
type Outcome struct {
	// ExitCode is the process exit code or one of the synthetic codes.
	ExitCode int

	// Stdout holds captured standard output. In streaming mode it holds the
	// merged output joined with newlines.
	Stdout string

	// Stderr holds captured standard error, the spawn error text, or the
	// timeout message.
	Stderr string

	// Lines holds the output split into lines, oldest first.
	Lines []string

	// DroppedLines counts streamed lines not retained in Lines.
	DroppedLines int64

	// Elapsed is the wall-clock duration.
	Elapsed time.Duration

	// TimedOut is true when the timeout fired.
	TimedOut bool

	// Canceled is true when the context was canceled.
	Canceled bool

	// Err is the spawn error, if any.
	Err error
}

// OK reports whether the command exited 0.
func (o Outcome) OK() bool {
	return o.ExitCode == 0
}

// Combined returns stdout and stderr joined.
func (o Outcome) Combined() string {
	switch {
	case o.Stderr == "":
		return o.Stdout
	case o.Stdout == "":
		return o.Stderr
	default:
		return strings.TrimRight(o.Stdout, "\n") + "\n" + o.Stderr
	}
}

// Tail returns the last n output lines, including stderr lines.
func (o Outcome) Tail(n int) []string {
	lines := o.Lines
	if o.Stderr != "" {
		lines = append(append([]string{}, lines...), splitLines(o.Stderr)...)
	}
	return util.LastLines(lines, n)
}

// Runner executes Invocations.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use, although the installer
// only ever runs one command at a time.
type Runner interface {
	Run(ctx context.Context, inv Invocation) Outcome
}

// =============================================================================
// Default Implementation
// =============================================================================

// Config configures DefaultRunner. Zero values are replaced by defaults.
type Config struct {
	// Logger receives start/done/heartbeat entries. Default: discard.
	Logger *slog.Logger

	// Sanitizer masks secrets in logged argv and output tails.
	// Default: redact.Nop()
	Sanitizer redact.Sanitizer

	// Metrics records invocations and heartbeats. Default: no-op.
	Metrics diagnostics.Metrics

	// Tracer creates one span per invocation. Default: no-op.
	Tracer diagnostics.Tracer

	// HeartbeatSilence is how long a streamed command must be silent before
	// a heartbeat is considered. Default: 10s
	HeartbeatSilence time.Duration

	// HeartbeatInterval is the minimum gap between heartbeats.
	// Default: 30s
	HeartbeatInterval time.Duration

	// HeartbeatTick is how often silence is evaluated. Default: 1s
	HeartbeatTick time.Duration

	// KillGrace is how long to wait for pipes to drain after killing a
	// command. Default: 5s
	KillGrace time.Duration

	// MaxRetainedLines bounds Outcome.Lines in streaming mode.
	// Default: 50000
	MaxRetainedLines int
}

// DefaultRunner executes real processes.
type DefaultRunner struct {
	cfg Config
}

// NewDefaultRunner creates a DefaultRunner.
func NewDefaultRunner(cfg Config) *DefaultRunner {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = redact.Nop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = diagnostics.NewNoOpMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = diagnostics.NewNoOpTracer()
	}
	if cfg.HeartbeatSilence <= 0 {
		cfg.HeartbeatSilence = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTick <= 0 {
		cfg.HeartbeatTick = time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if cfg.MaxRetainedLines <= 0 {
		cfg.MaxRetainedLines = 50000
	}
	return &DefaultRunner{cfg: cfg}
}

// Run executes inv and returns its Outcome.
func (r *DefaultRunner) Run(ctx context.Context, inv Invocation) Outcome {
	label := inv.label()
	ctx, finish := r.cfg.Tracer.StartSpan(ctx, "exec."+label, map[string]string{
		"label":  label,
		"stream": strconv.FormatBool(inv.Stream),
	})

	start := time.Now()
	r.logStart(label, inv, start)

	var out Outcome
	switch {
	case len(inv.Args) == 0:
		out = spawnFailure(errors.New("empty argument vector"))
	case inv.Stream:
		out = r.runStreaming(ctx, label, inv, start)
	default:
		out = r.runBuffered(ctx, inv)
	}
	out.Elapsed = time.Since(start)

	r.logDone(label, out)
	r.cfg.Metrics.RecordCommand(label, out.ExitCode, out.Elapsed)
	finish(outcomeError(label, out))
	return out
}

func (r *DefaultRunner) command(inv Invocation) *exec.Cmd {
	cmd := exec.Command(inv.Args[0], inv.Args[1:]...)
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}
	if inv.Stdin != nil {
		cmd.Stdin = bytes.NewReader(inv.Stdin)
	}
	cmd.WaitDelay = r.cfg.KillGrace
	configureProcess(cmd)
	return cmd
}

func (r *DefaultRunner) runBuffered(ctx context.Context, inv Invocation) Outcome {
	cmd := r.command(inv)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return spawnFailure(err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout, stopTimer := timeoutChan(inv.Timeout)
	defer stopTimer()

	var out Outcome
	var waitErr error
	waited := true

	select {
	case waitErr = <-done:
	case <-timeout:
		out.TimedOut = true
		waited, waitErr = r.killAndWait(cmd, done)
	case <-ctx.Done():
		out.Canceled = true
		waited, waitErr = r.killAndWait(cmd, done)
	}

	// Buffers are only safe to read once Wait has returned.
	if waited {
		out.Stdout = stdout.String()
		out.Stderr = stderr.String()
		out.Lines = splitLines(out.Stdout)
	}
	out.ExitCode = exitCode(cmd, waitErr)
	return finalize(out, inv)
}

func (r *DefaultRunner) killAndWait(cmd *exec.Cmd, done <-chan error) (bool, error) {
	if err := killProcessTree(cmd); err != nil {
		r.cfg.Logger.Warn("kill failed", "pid", cmd.Process.Pid, "error", err)
	}
	select {
	case err := <-done:
		return true, err
	case <-time.After(2 * r.cfg.KillGrace):
		return false, nil
	}
}

func (r *DefaultRunner) runStreaming(ctx context.Context, label string, inv Invocation, start time.Time) Outcome {
	pr, pw, err := os.Pipe()
	if err != nil {
		return spawnFailure(err)
	}

	cmd := r.command(inv)
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return spawnFailure(err)
	}
	// The child holds its own copy; closing ours lets the reader see EOF.
	_ = pw.Close()

	lines := make(chan string)
	ack := make(chan struct{})
	stop := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		defer close(lines)
		return readLines(pr, lines, ack, stop)
	})

	var waitErr error
	exited := make(chan struct{})
	g.Go(func() error {
		waitErr = cmd.Wait()
		close(exited)
		return nil
	})

	retained := util.NewRingBuffer[string](r.cfg.MaxRetainedLines)
	hb := newHeartbeat(start, r.cfg.HeartbeatSilence, r.cfg.HeartbeatInterval)
	ticker := time.NewTicker(r.cfg.HeartbeatTick)
	defer ticker.Stop()
	timeout, stopTimer := timeoutChan(inv.Timeout)
	defer stopTimer()

	var out Outcome
	var grace <-chan time.Time
	done := ctx.Done()

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			hb.observe(time.Now())
			retained.Push(line)
			if inv.OnLine != nil {
				inv.OnLine(line)
			}
			ack <- struct{}{}
		case now := <-ticker.C:
			if hb.due(now) {
				r.cfg.Logger.Info("still running",
					"label", label,
					"silent_for", now.Sub(hb.lastOutput).Round(time.Second).String(),
					"elapsed", now.Sub(start).Round(time.Second).String(),
				)
				r.cfg.Metrics.RecordHeartbeat(label)
			}
		case <-exited:
			// Background children may keep the pipe open after the
			// command itself has exited. They get one fixed drain window;
			// output does not extend it.
			exited = nil
			timeout = nil
			if grace == nil {
				grace = time.After(r.cfg.KillGrace)
			}
		case <-timeout:
			out.TimedOut = true
			timeout = nil
			grace = r.kill(cmd)
		case <-done:
			done = nil
			if exited == nil {
				// Already exited: stop draining, leave its children alone.
				_ = pr.Close()
				grace = nil
				continue
			}
			out.Canceled = true
			grace = r.kill(cmd)
		case <-grace:
			_ = pr.Close()
			grace = nil
		}
	}

	close(stop)
	if err := g.Wait(); err != nil {
		r.cfg.Logger.Debug("output reader stopped", "label", label, "error", err)
	}
	_ = pr.Close()

	out.Lines = retained.Snapshot()
	out.DroppedLines = retained.DroppedCount()
	out.Stdout = strings.Join(out.Lines, "\n")
	out.ExitCode = exitCode(cmd, waitErr)
	return finalize(out, inv)
}

func (r *DefaultRunner) kill(cmd *exec.Cmd) <-chan time.Time {
	if err := killProcessTree(cmd); err != nil {
		r.cfg.Logger.Warn("kill failed", "pid", cmd.Process.Pid, "error", err)
	}
	return time.After(r.cfg.KillGrace)
}

func (r *DefaultRunner) logStart(label string, inv Invocation, start time.Time) {
	timeout := "none"
	if inv.Timeout > 0 {
		timeout = inv.Timeout.String()
	}
	r.cfg.Logger.Info("exec start",
		"label", label,
		"command", r.cfg.Sanitizer.Sanitize(inv.CommandLine()),
		"timeout", timeout,
		"stream", inv.Stream,
		"stdin_bytes", len(inv.Stdin),
		"started_at", start.Format(time.RFC3339),
	)
}

func (r *DefaultRunner) logDone(label string, out Outcome) {
	args := []any{
		"label", label,
		"exit_code", out.ExitCode,
		"elapsed", out.Elapsed.Round(time.Millisecond).String(),
		"lines", len(out.Lines),
	}
	if out.OK() {
		r.cfg.Logger.Info("exec done", args...)
		return
	}
	args = append(args,
		"timed_out", out.TimedOut,
		"canceled", out.Canceled,
		"tail", redact.SanitizeAll(r.cfg.Sanitizer, out.Tail(5)),
	)
	r.cfg.Logger.Warn("exec failed", args...)
}

// =============================================================================
// Helpers
// =============================================================================

func readLines(r io.Reader, lines chan<- string, ack, stop <-chan struct{}) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		raw, err := br.ReadString('\n')
		if strings.Trim(raw, "\x00") != "" {
			select {
			case lines <- normalizeLine(raw):
			case <-stop:
				return nil
			}
			select {
			case <-ack:
			case <-stop:
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// normalizeLine strips the newline, NUL bytes from UTF-16 output, and
// carriage-return progress redraws, keeping the last visible segment.
func normalizeLine(raw string) string {
	line := strings.TrimRight(raw, "\n")
	line = strings.ReplaceAll(line, "\x00", "")
	if !strings.Contains(line, "\r") {
		return line
	}
	segments := strings.Split(line, "\r")
	for i := len(segments) - 1; i >= 0; i-- {
		if strings.TrimSpace(segments[i]) != "" {
			return segments[i]
		}
	}
	return ""
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(strings.TrimRight(s, "\n"), "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		if strings.Trim(l, "\x00") == "" && l != "" {
			continue
		}
		out = append(out, normalizeLine(l))
	}
	return out
}

func timeoutChan(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		if cmd.ProcessState != nil {
			return cmd.ProcessState.ExitCode()
		}
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		return ExitSpawnFailure
	}
	if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() >= 0 {
		return cmd.ProcessState.ExitCode()
	}
	return ExitSpawnFailure
}

func finalize(out Outcome, inv Invocation) Outcome {
	switch {
	case out.TimedOut:
		out.ExitCode = ExitTimeout
		out.Stderr = appendLine(out.Stderr, fmt.Sprintf("timed out after %ss",
			strconv.FormatFloat(inv.Timeout.Seconds(), 'f', -1, 64)))
	case out.Canceled:
		out.ExitCode = ExitCanceled
		out.Stderr = appendLine(out.Stderr, "canceled")
	}
	return out
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	return strings.TrimRight(s, "\n") + "\n" + line
}

func spawnFailure(err error) Outcome {
	return Outcome{
		ExitCode: ExitSpawnFailure,
		Stderr:   err.Error(),
		Err:      err,
	}
}

func outcomeError(label string, out Outcome) error {
	if out.OK() {
		return nil
	}
	if out.Err != nil {
		return fmt.Errorf("%s: %w", label, out.Err)
	}
	return fmt.Errorf("%s: exit %d", label, out.ExitCode)
}

var _ Runner = (*DefaultRunner)(nil)
