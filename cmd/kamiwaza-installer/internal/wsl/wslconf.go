// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package wsl

import (
	"fmt"
	"slices"
	"strings"
)

// WSLConfPath is the per-distribution configuration file.
const WSLConfPath = "/etc/wsl.conf"

// WSLConf is the content the installer writes to /etc/wsl.conf in the
// primary distribution. The file is always written whole so that re-running
// the installer produces the same file.
type WSLConf struct {
	DefaultUser        string
	Systemd            bool
	GenerateResolvConf bool
}

// Render returns the file content.
func (c WSLConf) Render() string {
	var b strings.Builder
	b.WriteString("# Managed by kamiwaza-installer\n")
	fmt.Fprintf(&b, "[boot]\nsystemd=%t\n\n", c.Systemd)
	fmt.Fprintf(&b, "[network]\ngenerateResolvConf=%t\n", c.GenerateResolvConf)
	if c.DefaultUser != "" {
		fmt.Fprintf(&b, "\n[user]\ndefault=%s\n", c.DefaultUser)
	}
	return b.String()
}

// WriteFileScript returns a root shell script that writes stdin to path
// with the given mode. Content travels on stdin so it never appears in an
// argument vector.
func WriteFileScript(path, mode string) string {
	return fmt.Sprintf("mkdir -p \"$(dirname %[1]s)\" && cat > %[1]s && chmod %[2]s %[1]s", path, mode)
}

// FileBackup is a guest file as it was before the installer changed it.
// Existed is false when the installer created the file.
type FileBackup struct {
	Path     string
	Original string
	Existed  bool
}

// SetDefaultUser returns content with the [user] default key set to user.
// Every other line is kept as it was.
func SetDefaultUser(content, user string) string {
	var lines []string
	if content != "" {
		lines = strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	}
	entry := "default=" + user
	section, header := "", -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			section = strings.ToLower(strings.TrimSpace(trimmed[1 : len(trimmed)-1]))
			if section == "user" && header < 0 {
				header = i
			}
			continue
		}
		if section != "user" {
			continue
		}
		if key, _, ok := strings.Cut(trimmed, "="); ok && strings.EqualFold(strings.TrimSpace(key), "default") {
			if trimmed == entry {
				return content
			}
			lines[i] = entry
			return strings.Join(lines, "\n") + "\n"
		}
	}
	if header >= 0 {
		lines = slices.Insert(lines, header+1, entry)
		return strings.Join(lines, "\n") + "\n"
	}
	if len(lines) > 0 {
		lines = append(lines, "")
	}
	return strings.Join(append(lines, "[user]", entry), "\n") + "\n"
}
