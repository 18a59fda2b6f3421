// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logsync mirrors diagnostic logs from inside the distribution to
// the host log directory and, when configured, to a support bucket.
//
// Nothing here affects the outcome of an install. Every failure becomes an
// entry in the Report and a warning in the log.
package logsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/redact"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/util"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/wsl"
)

// EnvironmentSubdir is where mirrored files land under the host log dir.
const EnvironmentSubdir = "environment"

// DefaultSources are the guest paths mirrored when none are configured.
var DefaultSources = []string{
	"/var/log/apt/term.log",
	"/var/log/apt/history.log",
	"/var/log/kamiwaza/*.log",
}

// Uploader ships a local directory somewhere support can read it.
type Uploader interface {
	UploadDir(ctx context.Context, localDir, prefix string) error
}

// Config configures an Aggregator.
type Config struct {
	// Sources are guest paths; shell globs are expanded in the guest.
	// Default: DefaultSources
	Sources []string

	// HostLogDir is the run's host log directory. Files are written to
	// HostLogDir/environment.
	HostLogDir string

	// Sanitizer masks secrets and PII in mirrored content.
	// Default: redact.New(append(DefaultPatterns, PIIPatterns...))
	Sanitizer redact.Sanitizer

	// Uploader is optional.
	Uploader Uploader

	// UploadPrefix is the object prefix passed to Uploader, usually the
	// run id.
	UploadPrefix string

	Logger *slog.Logger
}

// Entry is the result for one mirrored file.
type Entry struct {
	Source string
	Dest   string
	Bytes  int
	Err    error
}

// Report summarizes one Collect call.
type Report struct {
	Entries   []Entry
	Uploaded  bool
	UploadErr error
}

// Copied returns the number of files mirrored.
func (r Report) Copied() int {
	n := 0
	for _, e := range r.Entries {
		if e.Err == nil {
			n++
		}
	}
	return n
}

// Aggregator copies files out of the distribution.
//
// # Thread Safety
//
// Not safe for concurrent use; commands against the distribution run one
// at a time.
type Aggregator struct {
	cfg    Config
	runner executor.Runner
	logger *slog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(cfg Config, runner executor.Runner) *Aggregator {
	if len(cfg.Sources) == 0 {
		cfg.Sources = DefaultSources
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = redact.New(append(redact.DefaultPatterns(), redact.PIIPatterns()...))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Aggregator{cfg: cfg, runner: runner, logger: logger}
}

// Collect mirrors every source from h into the host log directory and
// then uploads the directory if an Uploader is set.
func (a *Aggregator) Collect(ctx context.Context, h *wsl.Handle) Report {
	var rep Report
	if h == nil {
		return rep
	}
	dest := filepath.Join(a.cfg.HostLogDir, EnvironmentSubdir)
	if err := os.MkdirAll(dest, 0750); err != nil {
		a.logger.Warn("log mirror directory unavailable", "path", dest, "error", err)
		rep.Entries = append(rep.Entries, Entry{Dest: dest, Err: err})
		return rep
	}

	for _, src := range a.expand(ctx, h) {
		rep.Entries = append(rep.Entries, a.copyOne(ctx, h, src, dest))
	}
	a.logger.Info("environment logs mirrored", "copied", rep.Copied(), "total", len(rep.Entries), "dir", dest)

	if a.cfg.Uploader != nil && rep.Copied() > 0 {
		if err := a.cfg.Uploader.UploadDir(ctx, dest, a.cfg.UploadPrefix); err != nil {
			a.logger.Warn("log upload failed", "error", err)
			rep.UploadErr = err
		} else {
			rep.Uploaded = true
		}
	}
	return rep
}

// expand resolves glob sources inside the guest. Plain paths pass through.
func (a *Aggregator) expand(ctx context.Context, h *wsl.Handle) []string {
	var out []string
	for _, src := range a.cfg.Sources {
		if !strings.ContainsAny(src, "*?[") {
			out = append(out, src)
			continue
		}
		res := a.runner.Run(ctx, executor.Invocation{
			Args:    h.RootShell("for f in " + src + "; do [ -f \"$f\" ] && echo \"$f\"; done; true"),
			Timeout: util.ConfigTimeout,
			Label:   "log-glob",
		})
		if !res.OK() {
			a.logger.Warn("log glob failed", "pattern", src, "exit_code", res.ExitCode)
			continue
		}
		for _, line := range strings.Split(strings.ReplaceAll(res.Stdout, "\x00", ""), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
	}
	return out
}

func (a *Aggregator) copyOne(ctx context.Context, h *wsl.Handle, src, destDir string) Entry {
	entry := Entry{Source: src, Dest: filepath.Join(destDir, HostName(src))}

	res := a.runner.Run(ctx, executor.Invocation{
		Args:    h.RootCommand("cat", src),
		Timeout: util.ConfigTimeout,
		Label:   "log-cat",
	})
	if !res.OK() {
		entry.Err = fmt.Errorf("cat %s exited %d: %s", src, res.ExitCode, strings.Join(res.Tail(1), ""))
		a.logger.Warn("log mirror failed", "source", src, "error", entry.Err)
		return entry
	}

	content := a.cfg.Sanitizer.Sanitize(res.Stdout)
	if err := os.WriteFile(entry.Dest, []byte(content), 0640); err != nil {
		entry.Err = err
		a.logger.Warn("log mirror write failed", "dest", entry.Dest, "error", err)
		return entry
	}
	entry.Bytes = len(content)
	return entry
}

// HostName flattens a guest path into a file name:
// /var/log/apt/term.log becomes var_log_apt_term.log.
func HostName(guestPath string) string {
	name := strings.Trim(guestPath, "/")
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(name)
}
