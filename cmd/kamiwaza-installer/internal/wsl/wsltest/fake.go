// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package wsltest provides an in-memory stand-in for wsl.exe and the
// commands the installer runs inside a distribution.
//
// FakeHost keeps just enough state (registered distributions, corruption,
// default users, files written through stdin) for resolver, configurator,
// and orchestrator tests to observe realistic behavior without Windows.
//
//	host := wsltest.NewFakeHost()
//	host.Corrupt("kamiwaza")
//	runner := host.Runner()
package wsltest

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/executor"
)

// Rule overrides the outcome of any command whose command line contains
// Match. Times limits how often the rule applies; zero means always.
type Rule struct {
	Match   string
	Outcome executor.Outcome
	Times   int

	used int
}

// DefaultInstallLines is what a fake `apt-get install` prints.
var DefaultInstallLines = []string{
	"Reading package lists...",
	"Selecting previously unselected package kamiwaza.",
	"Unpacking kamiwaza (0.5.0) ...",
	"Setting up kamiwaza (0.5.0) ...",
	"Processing triggers for man-db (2.12.0-4build2) ...",
}

// FakeHost simulates wsl.exe and a set of distributions.
type FakeHost struct {
	mu sync.Mutex

	// WSL is the executable name the fake answers to. Default "wsl.exe".
	WSL string

	distros   map[string]bool
	corrupted map[string]bool
	defaults  map[string]string
	files     map[string]map[string]string
	rules     []*Rule

	// InstallLines are streamed by `apt-get install`.
	InstallLines []string

	// StatusOutput is printed by `wsl --status`.
	StatusOutput string
}

// NewFakeHost creates a host with no distributions and a healthy WSL.
func NewFakeHost() *FakeHost {
	return &FakeHost{
		WSL:          "wsl.exe",
		distros:      make(map[string]bool),
		corrupted:    make(map[string]bool),
		defaults:     make(map[string]string),
		files:        make(map[string]map[string]string),
		InstallLines: DefaultInstallLines,
		StatusOutput: "Default Version: 2",
	}
}

// Register adds an existing, healthy distribution.
func (f *FakeHost) Register(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.distros[name] = true
	delete(f.corrupted, name)
}

// Corrupt registers name with a disk that fails to attach.
func (f *FakeHost) Corrupt(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.distros[name] = true
	f.corrupted[name] = true
}

// SetDefaultUser sets what whoami reports for name.
func (f *FakeHost) SetDefaultUser(name, user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaults[name] = user
}

// AddRule installs an override rule.
func (f *FakeHost) AddRule(r Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule := r
	f.rules = append(f.rules, &rule)
}

// Registered reports whether name is registered.
func (f *FakeHost) Registered(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.distros[name]
}

// File returns the content written to path inside name.
func (f *FakeHost) File(name, path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[name][path]
	return content, ok
}

// SetFile seeds path inside name, as if the user had written it.
func (f *FakeHost) SetFile(name, path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files[name] == nil {
		f.files[name] = make(map[string]string)
	}
	f.files[name][path] = content
}

// Runner returns a MockRunner backed by this host.
func (f *FakeHost) Runner() *executor.MockRunner {
	return &executor.MockRunner{RunFunc: f.Run}
}

// Run answers one invocation.
func (f *FakeHost) Run(_ context.Context, inv executor.Invocation) executor.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()

	line := inv.CommandLine()
	for _, r := range f.rules {
		if r.Times > 0 && r.used >= r.Times {
			continue
		}
		if strings.Contains(line, r.Match) {
			r.used++
			return r.Outcome
		}
	}

	if len(inv.Args) == 0 {
		return executor.Outcome{ExitCode: 1, Stderr: "empty argument vector"}
	}
	if filepath.Base(inv.Args[0]) != f.WSL {
		// Host tools such as curl.exe succeed silently.
		return executor.Outcome{}
	}
	return f.wsl(inv)
}

func (f *FakeHost) wsl(inv executor.Invocation) executor.Outcome {
	args := inv.Args[1:]
	if len(args) == 0 {
		return executor.Outcome{ExitCode: 1}
	}

	switch args[0] {
	case "--list", "-l":
		var names []string
		for n := range f.distros {
			names = append(names, n)
		}
		if len(names) == 0 {
			return executor.Outcome{ExitCode: -1, Stdout: utf16ish("Windows Subsystem for Linux has no installed distributions.\r\n")}
		}
		return executor.Outcome{Stdout: utf16ish(strings.Join(names, "\r\n") + "\r\n")}
	case "--status":
		return executor.Outcome{Stdout: utf16ish(f.StatusOutput)}
	case "--shutdown", "--update":
		return executor.Outcome{}
	case "--install":
		return executor.Outcome{}
	case "--terminate", "-t":
		if len(args) < 2 || !f.distros[args[1]] {
			return noDistribution()
		}
		return executor.Outcome{}
	case "--unregister":
		if len(args) < 2 || !f.distros[args[1]] {
			return noDistribution()
		}
		delete(f.distros, args[1])
		delete(f.corrupted, args[1])
		delete(f.defaults, args[1])
		delete(f.files, args[1])
		return executor.Outcome{Stdout: "Unregistering.\r\nThe operation completed successfully."}
	case "--import":
		if len(args) < 2 {
			return executor.Outcome{ExitCode: 1}
		}
		f.distros[args[1]] = true
		delete(f.corrupted, args[1])
		return executor.Outcome{Stdout: "Import in progress, this may take a few minutes.\r\nThe operation completed successfully."}
	case "-d", "--distribution":
		return f.inDistro(args[1:], inv)
	}
	return executor.Outcome{ExitCode: 1, Stderr: "unsupported wsl arguments"}
}

func (f *FakeHost) inDistro(args []string, inv executor.Invocation) executor.Outcome {
	if len(args) == 0 {
		return executor.Outcome{ExitCode: 1}
	}
	name := args[0]
	if !f.distros[name] {
		return noDistribution()
	}
	if f.corrupted[name] {
		return executor.Outcome{
			ExitCode: 1,
			Stderr: "Failed to attach disk 'C:\\Users\\me\\AppData\\Local\\Kamiwaza\\wsl\\ext4.vhdx' to WSL2: " +
				"The system cannot find the file specified.\r\nError code: Wsl/Service/CreateInstance/MountDisk/HCS/ERROR_FILE_NOT_FOUND",
		}
	}

	var cmd []string
	for i, a := range args {
		if a == "--" {
			cmd = args[i+1:]
			break
		}
	}
	joined := strings.Join(cmd, " ")

	switch {
	case len(cmd) == 2 && cmd[0] == "echo":
		return executor.Outcome{Stdout: cmd[1] + "\n", Lines: []string{cmd[1]}}
	case len(cmd) == 1 && cmd[0] == "whoami":
		user := f.defaults[name]
		if user == "" {
			user = "root"
		}
		return executor.Outcome{Stdout: user + "\n"}
	case len(cmd) == 2 && cmd[0] == "cat":
		content, ok := f.files[name][cmd[1]]
		if !ok {
			return executor.Outcome{ExitCode: 1, Stderr: "cat: " + cmd[1] + ": No such file or directory\n"}
		}
		return executor.Outcome{Stdout: content}
	case len(cmd) == 3 && cmd[0] == "rm" && cmd[1] == "-f":
		delete(f.files[name], cmd[2])
		return executor.Outcome{}
	case strings.Contains(joined, "cat > "):
		path := strings.Fields(joined[strings.Index(joined, "cat > ")+len("cat > "):])[0]
		if f.files[name] == nil {
			f.files[name] = make(map[string]string)
		}
		f.files[name][path] = string(inv.Stdin)
		if path == "/etc/wsl.conf" {
			for _, l := range strings.Split(string(inv.Stdin), "\n") {
				if v, ok := strings.CutPrefix(l, "default="); ok {
					f.defaults[name] = strings.TrimSpace(v)
				}
			}
		}
		return executor.Outcome{}
	case len(cmd) == 3 && cmd[0] == "wslpath":
		return executor.Outcome{Stdout: winToWSL(cmd[2]) + "\n"}
	case strings.Contains(joined, "stat -c %s"):
		return executor.Outcome{Stdout: "104857600\n"}
	case strings.Contains(joined, "apt-get install") && !strings.Contains(joined, "--no-install-recommends curl"):
		return executor.Outcome{Lines: f.InstallLines, Stdout: strings.Join(f.InstallLines, "\n")}
	}
	return executor.Outcome{}
}

func noDistribution() executor.Outcome {
	return executor.Outcome{
		ExitCode: 1,
		Stderr:   utf16ish("There is no distribution with the supplied name.\r\nError code: Wsl/Service/WSL_E_DISTRO_NOT_FOUND"),
	}
}

// winToWSL maps C:\\dir\\file to /mnt/c/dir/file.
func winToWSL(p string) string {
	if len(p) < 2 || p[1] != ':' {
		return p
	}
	rest := strings.ReplaceAll(p[2:], "\\", "/")
	return "/mnt/" + strings.ToLower(p[:1]) + rest
}

// utf16ish interleaves NUL bytes the way captured UTF-16LE ASCII looks.
func utf16ish(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		b.WriteByte(s[i])
		b.WriteByte(0)
	}
	return b.String()
}
