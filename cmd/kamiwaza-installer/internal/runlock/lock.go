// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package runlock prevents two installer processes from provisioning the
// same environment at once.
//
// wsl.exe does not tolerate concurrent lifecycle operations on one instance,
// and a second installer started from a double-clicked shortcut would
// otherwise terminate the environment out from under the first. The lock is
// an OS advisory lock on a file in the app-data directory; the OS releases
// it if the holder crashes.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrHeld is wrapped by Acquire when another process holds the lock.
var ErrHeld = errors.New("another installer is running")

// Lock is an exclusive, non-blocking, inter-process lock.
//
// # Thread Safety
//
// Not safe for concurrent use. Use from main.
type Lock struct {
	lockPath string
	pidPath  string
	file     *os.File
	held     bool
}

// New creates a lock named name in dir. It does not acquire it.
func New(dir, name string) *Lock {
	if dir == "" {
		dir = os.TempDir()
	}
	if name == "" {
		name = "kamiwaza-installer"
	}
	return &Lock{
		lockPath: filepath.Join(dir, name+".lock"),
		pidPath:  filepath.Join(dir, name+".pid"),
	}
}

// Acquire takes the lock or fails immediately.
//
// # Outputs
//
//   - error: nil if acquired; wraps ErrHeld (with the holder PID when
//     known) if another process holds it
func (l *Lock) Acquire() error {
	if l.held {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0750); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", l.lockPath, err)
	}

	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, errWouldBlock) {
			if pid := l.HolderPID(); pid > 0 {
				return fmt.Errorf("%w (PID %d); if this is stale, remove %s", ErrHeld, pid, l.pidPath)
			}
			return ErrHeld
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	l.file = f
	l.held = true
	// The PID file is informational; the lock is held regardless.
	_ = os.WriteFile(l.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
	return nil
}

// Release releases the lock. Safe to call when not held.
func (l *Lock) Release() error {
	if !l.held || l.file == nil {
		return nil
	}
	_ = os.Remove(l.pidPath)

	err := unlockFile(l.file)
	_ = l.file.Close()
	l.file = nil
	l.held = false
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// IsHeld reports whether this Lock holds the lock.
func (l *Lock) IsHeld() bool {
	return l.held
}

// HolderPID returns the PID recorded by the holder, or 0.
func (l *Lock) HolderPID() int {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.lockPath
}
