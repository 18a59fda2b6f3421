// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package redact removes secrets from text before it is logged or uploaded.

Two mechanisms are combined:

  - Literal secrets: values registered at runtime (the license key) are
    replaced wherever they appear, including inside longer strings.
  - Patterns: regular expressions for secret-shaped text that the installer
    never registered itself (bearer tokens, api keys, JWTs, URL passwords).

Every command line the executor logs and every environment log mirrored to
host storage passes through a Sanitizer.
*/
package redact

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// minSecretLength guards against registering trivially short values that
// would shred unrelated output.
const minSecretLength = 4

// Mask replaces a registered literal secret.
const Mask = "[REDACTED]"

// Sanitizer masks secrets in free text.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Sanitizer interface {
	// Sanitize returns text with all known secrets masked.
	Sanitize(text string) string

	// AddSecret registers a literal value that must never appear in output.
	AddSecret(value string)

	// AddPattern registers an additional regular expression.
	AddPattern(name string, pattern *regexp.Regexp, replacement string)

	// Stats returns redaction counters.
	Stats() Stats
}

// Pattern is a named redaction rule.
type Pattern struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Stats counts redactions per rule. Literal secrets are counted under
// "secret".
type Stats struct {
	TotalCalls      int64
	TotalRedactions int64
	ByPattern       map[string]int64
}

// DefaultPatterns returns the rules applied to every log line.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "license_assignment",
			Pattern:     regexp.MustCompile(`(?i)(license[_\-]?key|licence[_\-]?key)(\s*[=:]\s*|\s+password\s+)["']?([^\s"']{4,})["']?`),
			Replacement: "$1$2" + Mask,
		},
		{
			Name:        "api_key",
			Pattern:     regexp.MustCompile(`(?i)(api[_\-]?key|apikey|secret[_\-]?key|auth[_\-]?token)[=:\s]["']?([a-zA-Z0-9_\-]{16,})["']?`),
			Replacement: "$1=[KEY_REDACTED]",
		},
		{
			Name:        "bearer",
			Pattern:     regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
			Replacement: "Bearer [TOKEN_REDACTED]",
		},
		{
			Name:        "jwt",
			Pattern:     regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: "[JWT_REDACTED]",
		},
		{
			Name:        "url_password",
			Pattern:     regexp.MustCompile(`://[^:/\s]+:([^@\s]+)@`),
			Replacement: "://[USER]:[PASSWORD_REDACTED]@",
		},
		{
			Name:        "private_key",
			Pattern:     regexp.MustCompile(`(?i)-----BEGIN\s+(RSA\s+|OPENSSH\s+)?PRIVATE\s+KEY-----[\s\S]*?-----END\s+(RSA\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`),
			Replacement: "[PRIVATE_KEY_REDACTED]",
		},
	}
}

// PIIPatterns returns the extra rules applied to logs that leave the machine
// (support uploads): email addresses and Windows user profile paths.
func PIIPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "email",
			Pattern:     regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			Replacement: "[EMAIL_REDACTED]",
		},
		{
			Name:        "user_path_windows",
			Pattern:     regexp.MustCompile(`(?i)([a-z]:\\Users\\)[^\\\s]+`),
			Replacement: "${1}[USER]",
		},
		{
			Name:        "user_path_wsl",
			Pattern:     regexp.MustCompile(`(?i)(/mnt/[a-z]/Users/)[^/\s]+`),
			Replacement: "${1}[USER]",
		},
	}
}

// DefaultSanitizer implements Sanitizer with literal secrets and patterns.
type DefaultSanitizer struct {
	mu       sync.RWMutex
	secrets  []string
	patterns []Pattern

	totalCalls      int64
	totalRedactions int64
	byPattern       map[string]int64
}

var _ Sanitizer = (*DefaultSanitizer)(nil)

// New creates a sanitizer with the given patterns. Pass DefaultPatterns()
// for the standard rule set.
func New(patterns []Pattern) *DefaultSanitizer {
	p := make([]Pattern, len(patterns))
	copy(p, patterns)
	return &DefaultSanitizer{
		patterns:  p,
		byPattern: make(map[string]int64),
	}
}

// AddSecret registers a literal secret. Values shorter than four characters
// and duplicates are ignored.
func (s *DefaultSanitizer) AddSecret(value string) {
	value = strings.TrimSpace(value)
	if len(value) < minSecretLength {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.secrets {
		if existing == value {
			return
		}
	}
	s.secrets = append(s.secrets, value)
	// Longest first so a secret containing another is masked whole.
	sort.Slice(s.secrets, func(i, j int) bool { return len(s.secrets[i]) > len(s.secrets[j]) })
}

// AddPattern registers an additional rule.
func (s *DefaultSanitizer) AddPattern(name string, pattern *regexp.Regexp, replacement string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = append(s.patterns, Pattern{Name: name, Pattern: pattern, Replacement: replacement})
}

// Sanitize masks literal secrets first, then applies each pattern in order.
func (s *DefaultSanitizer) Sanitize(text string) string {
	if text == "" {
		return text
	}

	s.mu.Lock()
	s.totalCalls++
	secrets := make([]string, len(s.secrets))
	copy(secrets, s.secrets)
	patterns := make([]Pattern, len(s.patterns))
	copy(patterns, s.patterns)
	s.mu.Unlock()

	result := text
	counts := make(map[string]int64)

	for _, secret := range secrets {
		if n := strings.Count(result, secret); n > 0 {
			counts["secret"] += int64(n)
			result = strings.ReplaceAll(result, secret, Mask)
		}
	}

	for _, p := range patterns {
		matches := p.Pattern.FindAllStringIndex(result, -1)
		if len(matches) == 0 {
			continue
		}
		counts[p.Name] += int64(len(matches))
		result = p.Pattern.ReplaceAllString(result, p.Replacement)
	}

	if len(counts) > 0 {
		s.mu.Lock()
		for name, n := range counts {
			s.byPattern[name] += n
			s.totalRedactions += n
		}
		s.mu.Unlock()
	}

	return result
}

// SanitizeAll sanitizes each element of args into a new slice.
func SanitizeAll(s Sanitizer, args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = s.Sanitize(a)
	}
	return out
}

// Stats returns a copy of the redaction counters.
func (s *DefaultSanitizer) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPattern := make(map[string]int64, len(s.byPattern))
	for k, v := range s.byPattern {
		byPattern[k] = v
	}
	return Stats{
		TotalCalls:      s.totalCalls,
		TotalRedactions: s.totalRedactions,
		ByPattern:       byPattern,
	}
}

// Nop returns a Sanitizer that passes text through unchanged.
func Nop() Sanitizer { return nopSanitizer{} }

type nopSanitizer struct{}

func (nopSanitizer) Sanitize(text string) string               { return text }
func (nopSanitizer) AddSecret(string)                          {}
func (nopSanitizer) AddPattern(string, *regexp.Regexp, string) {}
func (nopSanitizer) Stats() Stats                              { return Stats{ByPattern: map[string]int64{}} }
