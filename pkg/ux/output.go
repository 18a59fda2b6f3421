// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides console output for the Kamiwaza installer.
//
// Output goes to a supervisor as often as to a person: the Windows
// installer shell reads stdout line by line and parses PROGRESS:<n>
// markers. Styling is therefore only applied when stdout is a terminal,
// and progress markers are never styled.
package ux

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Kamiwaza color palette
var (
	ColorBrand   = lipgloss.Color("#5B8DEF") // Primary blue - titles
	ColorAccent  = lipgloss.Color("#8FB3FF") // Light blue - highlights
	ColorBorder  = lipgloss.Color("#3A5BA0") // Deep blue - borders
	ColorSuccess = lipgloss.Color("#2ECC71")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#7F8C8D")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorBrand),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorMuted),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorAccent).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// ProgressPrefix starts every machine-readable progress line.
const ProgressPrefix = "PROGRESS:"

// Printer writes status lines.
//
// # Thread Safety
//
// Safe for concurrent use; each call writes whole lines.
type Printer struct {
	mu     sync.Mutex
	out    io.Writer
	styled bool
}

// NewPrinter creates a Printer for w. Styling is enabled when w is a
// terminal.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{out: w, styled: IsTerminal(w)}
}

// NewPlainPrinter creates a Printer that never styles output.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{out: w}
}

// IsTerminal reports whether v is an *os.File attached to a terminal.
func IsTerminal(v any) bool {
	f, ok := v.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (p *Printer) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

func (p *Printer) render(style lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return style.Render(s)
}

func (p *Printer) icon(i Icon) string {
	switch i {
	case IconSuccess:
		return p.render(Styles.Success, string(i))
	case IconWarning:
		return p.render(Styles.Warning, string(i))
	case IconError:
		return p.render(Styles.Error, string(i))
	case IconPending:
		return p.render(Styles.Muted, string(i))
	default:
		return string(i)
	}
}

// Title prints a styled title
func (p *Printer) Title(text string) {
	p.line(p.render(Styles.Title, text))
}

// Step announces the start of a phase.
func (p *Printer) Step(text string) {
	p.line(fmt.Sprintf("%s %s", p.icon(IconArrow), p.render(Styles.Bold, text)))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	p.line(fmt.Sprintf("%s %s", p.icon(IconSuccess), p.render(Styles.Success, text)))
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	p.line(fmt.Sprintf("%s %s", p.icon(IconWarning), p.render(Styles.Warning, text)))
}

// Error prints an error message
func (p *Printer) Error(text string) {
	p.line(fmt.Sprintf("%s %s", p.icon(IconError), p.render(Styles.Error, text)))
}

// Info prints an informational message
func (p *Printer) Info(text string) {
	p.line(fmt.Sprintf("%s %s", p.render(Styles.Muted, "│"), text))
}

// Muted prints secondary text, such as streamed command output.
func (p *Printer) Muted(text string) {
	p.line(p.render(Styles.Muted, text))
}

// Progress prints a PROGRESS:<percent> marker. Never styled.
func (p *Printer) Progress(percent int) {
	p.line(ProgressPrefix + strconv.Itoa(percent))
}

// Box prints text in a rounded box
func (p *Printer) Box(title, content string) {
	p.box(Styles.Box, Styles.Title, title, content)
}

// WarningBox prints text in a warning-styled box
func (p *Printer) WarningBox(title, content string) {
	p.box(Styles.WarningBox, Styles.Warning.Bold(true), title, content)
}

// ErrorBox prints text in an error-styled box
func (p *Printer) ErrorBox(title, content string) {
	p.box(Styles.ErrorBox, Styles.Error.Bold(true), title, content)
}

func (p *Printer) box(frame, heading lipgloss.Style, title, content string) {
	if !p.styled {
		p.line(title + ":")
		for _, l := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
			p.line("  " + l)
		}
		return
	}
	p.line(frame.Width(72).Render(heading.Render(title) + "\n" + content))
}

// WaitForAck prints a prompt and blocks until a line is read from in, but
// only when in is a terminal. Unattended runs return immediately.
func (p *Printer) WaitForAck(in io.Reader, prompt string) {
	if !IsTerminal(in) {
		return
	}
	p.line(prompt)
	_, _ = bufio.NewReader(in).ReadString('\n')
}

// ProgressBar renders a simple progress bar
func (p *Printer) ProgressBar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * width / 100
	bar := p.render(Styles.Success, strings.Repeat("█", filled)) +
		p.render(Styles.Muted, strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3d%%", bar, percent)
}
