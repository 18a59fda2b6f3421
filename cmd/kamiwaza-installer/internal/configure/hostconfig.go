// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package configure

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/wsl"
)

// ManagedSignature is the first line of every host config file the
// installer writes. Cleanup deletes a file only when it starts with it.
const ManagedSignature = "# kamiwaza-installer managed"

// IsManaged reports whether content was written by the installer.
func IsManaged(content []byte) bool {
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(line, "\ufeff"))
		if line == "" {
			continue
		}
		return line == ManagedSignature
	}
	return false
}

// HostConfig is the user's %USERPROFILE%\.wslconfig, edited only when the
// installer owns it.
type HostConfig struct {
	// Path is the .wslconfig location.
	Path string
}

// Set writes key=value into the [wsl2] section.
//
// # Description
//
// A missing file is created with the managed signature. An existing
// managed file keeps its other keys. An existing unmanaged file is left
// untouched and ErrUnmanagedConfig is returned.
//
// # Outputs
//
//   - bool: true when the file content changed
//   - error: ErrUnmanagedConfig or an I/O error
func (c HostConfig) Set(key, value string) (bool, error) {
	values, err := c.read()
	if err != nil {
		return false, err
	}
	if values[key] == value {
		return false, nil
	}
	values[key] = value
	return true, c.write(values)
}

// Get returns the value for key, or "" when absent or unmanaged.
func (c HostConfig) Get(key string) string {
	values, err := c.read()
	if err != nil {
		return ""
	}
	return values[key]
}

func (c HostConfig) read() (map[string]string, error) {
	values := make(map[string]string)
	data, err := os.ReadFile(c.Path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, err
	}
	if !IsManaged(data) {
		return nil, fmt.Errorf("%s: %w", c.Path, ErrUnmanagedConfig)
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "[") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			values[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return values, scanner.Err()
}

func (c HostConfig) write(values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(ManagedSignature + "\n")
	b.WriteString("[wsl2]\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, values[k])
	}

	if err := os.MkdirAll(filepath.Dir(c.Path), 0750); err != nil {
		return err
	}
	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.Path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// hostLimit is the shared implementation of the memory and swap steps.
type hostLimit struct {
	name   string
	key    string
	gb     int
	config HostConfig
	life   wsl.Lifecycle
	logger *slog.Logger
}

func (l hostLimit) apply(ctx context.Context) error {
	if l.gb <= 0 {
		return nil
	}
	changed, err := l.config.Set(l.key, strconv.Itoa(l.gb)+"GB")
	if err != nil {
		return fmt.Errorf("%s: %w", l.name, err)
	}
	if !changed {
		l.logger.Info("host limit unchanged", "key", l.key, "value_gb", l.gb)
		return nil
	}
	l.logger.Info("host limit written, restarting WSL", "key", l.key, "value_gb", l.gb, "path", l.config.Path)

	// .wslconfig is read when the WSL VM starts.
	if out := l.life.Shutdown(ctx); !out.OK() {
		return commandError("wsl --shutdown", out)
	}
	return nil
}

// MemoryConfigurator sets the WSL VM memory limit in .wslconfig.
type MemoryConfigurator struct {
	limit hostLimit
}

// NewMemoryConfigurator creates a MemoryConfigurator. A non-positive gb
// makes Apply a no-op.
func NewMemoryConfigurator(path string, gb int, wslExe string, runner executor.Runner, logger *slog.Logger) *MemoryConfigurator {
	return &MemoryConfigurator{limit: hostLimit{
		name: "memory", key: "memory", gb: gb,
		config: HostConfig{Path: path},
		life:   wsl.NewLifecycle(wslExe, runner),
		logger: orDiscard(logger),
	}}
}

// Name implements Configurator.
func (m *MemoryConfigurator) Name() string { return "memory" }

// Apply implements Configurator.
func (m *MemoryConfigurator) Apply(ctx context.Context, _ *wsl.Handle) error {
	return m.limit.apply(ctx)
}

// SwapConfigurator sets the WSL VM swap size in the same .wslconfig.
type SwapConfigurator struct {
	limit hostLimit
}

// NewSwapConfigurator creates a SwapConfigurator.
func NewSwapConfigurator(path string, gb int, wslExe string, runner executor.Runner, logger *slog.Logger) *SwapConfigurator {
	return &SwapConfigurator{limit: hostLimit{
		name: "swap", key: "swap", gb: gb,
		config: HostConfig{Path: path},
		life:   wsl.NewLifecycle(wslExe, runner),
		logger: orDiscard(logger),
	}}
}

// Name implements Configurator.
func (s *SwapConfigurator) Name() string { return "swap" }

// Apply implements Configurator.
func (s *SwapConfigurator) Apply(ctx context.Context, _ *wsl.Handle) error {
	return s.limit.apply(ctx)
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.DiscardHandler)
}
