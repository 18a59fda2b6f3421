// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package wsl

import (
	"sort"
	"strings"
)

// NameSet is an unordered set of distribution names.
type NameSet map[string]struct{}

// Has reports whether name is in the set. Matching is case-insensitive,
// as wsl.exe treats distribution names.
func (s NameSet) Has(name string) bool {
	if _, ok := s[name]; ok {
		return true
	}
	for n := range s {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// Sorted returns the names in lexical order.
func (s NameSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ParseDistroList extracts distribution names from `wsl --list` output.
//
// # Description
//
// NUL bytes and a UTF-16 byte-order mark are stripped, all whitespace
// (spaces, tabs, CR, LF) separates names, a leading "*" marks the default
// distribution and is dropped, as is the "(Default)" annotation.
//
// # Example
//
//	ParseDistroList("kamiwaza\x00 \r\nUbuntu-24.04 ")
//	// NameSet{"kamiwaza", "Ubuntu-24.04"}
func ParseDistroList(raw string) NameSet {
	clean := strings.ReplaceAll(raw, "\x00", "")
	clean = strings.ReplaceAll(clean, "\ufeff", "")

	names := make(NameSet)
	for _, field := range strings.Fields(clean) {
		field = strings.TrimLeft(field, "*")
		if field == "" || strings.EqualFold(field, "(Default)") {
			continue
		}
		names[field] = struct{}{}
	}
	return names
}
