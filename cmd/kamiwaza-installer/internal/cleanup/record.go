// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cleanup undoes what a failed installation run created.
//
// The orchestrator appends to a Record as it creates state; the Manager
// reverses exactly what the Record lists. Every step is independent, wrapped
// in panic recovery and a timeout, and a failing step never stops the ones
// after it.
package cleanup

import (
	"sync"
)

// Kind is the type of a recorded resource.
type Kind string

const (
	// KindEnvironment is a WSL distribution.
	KindEnvironment Kind = "environment"

	// KindTempFile is a file inside the distribution.
	KindTempFile Kind = "temp_file"

	// KindGeneratedConfig is a host config file written by the installer.
	KindGeneratedConfig Kind = "generated_config"

	// KindDataDir is the host directory backing a distribution.
	KindDataDir Kind = "data_dir"

	// KindLogDir is a host log directory created by this run.
	KindLogDir Kind = "log_dir"

	// KindAppDataDir is the parent application-data directory.
	KindAppDataDir Kind = "app_data_dir"

	// KindRestoredFile is a file inside a reused distribution that the
	// installer edited. Cleanup writes Original back, or removes the file
	// when it did not exist before.
	KindRestoredFile Kind = "restored_file"
)

// Entry is one recorded resource.
type Entry struct {
	Kind Kind `yaml:"kind" json:"kind"`

	// Name is the distribution name for KindEnvironment and KindTempFile.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Path is the host or guest path.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Signature gates deletion of a KindGeneratedConfig.
	Signature string `yaml:"signature,omitempty" json:"signature,omitempty"`

	// Owned marks a KindEnvironment the installer may unregister.
	Owned bool `yaml:"owned,omitempty" json:"owned,omitempty"`

	// Package is the installed package to purge from a KindEnvironment.
	Package string `yaml:"package,omitempty" json:"package,omitempty"`

	// Original is a KindRestoredFile's content before the edit.
	Original string `yaml:"original,omitempty" json:"original,omitempty"`

	// Existed is false when the installer created a KindRestoredFile.
	Existed bool `yaml:"existed,omitempty" json:"existed,omitempty"`
}

// Record is the ordered, append-only list of resources a run created.
//
// # Thread Safety
//
// Safe for concurrent use.
type Record struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecord creates an empty Record, optionally seeded with entries from a
// previous run.
func NewRecord(entries ...Entry) *Record {
	r := &Record{}
	r.entries = append(r.entries, entries...)
	return r
}

// AddEnvironment records a distribution. Only owned distributions are
// unregistered; a reused fallback only has the package removed.
func (r *Record) AddEnvironment(name string, owned bool, pkg string) {
	r.add(Entry{Kind: KindEnvironment, Name: name, Owned: owned, Package: pkg})
}

// AddTempFile records a file inside distribution name.
func (r *Record) AddTempFile(name, path string) {
	r.add(Entry{Kind: KindTempFile, Name: name, Path: path})
}

// AddRestoredFile records a file inside distribution name and what it held
// before the installer changed it.
func (r *Record) AddRestoredFile(name, path, original string, existed bool) {
	r.add(Entry{Kind: KindRestoredFile, Name: name, Path: path, Original: original, Existed: existed})
}

// AddGeneratedConfig records a host config file and the signature its
// content must start with for it to be deleted.
func (r *Record) AddGeneratedConfig(path, signature string) {
	r.add(Entry{Kind: KindGeneratedConfig, Path: path, Signature: signature})
}

// AddDataDir records a distribution's backing directory.
func (r *Record) AddDataDir(path string) {
	r.add(Entry{Kind: KindDataDir, Path: path})
}

// AddLogDir records a host log directory.
func (r *Record) AddLogDir(path string) {
	r.add(Entry{Kind: KindLogDir, Path: path})
}

// AddAppDataDir records the application-data parent directory.
func (r *Record) AddAppDataDir(path string) {
	r.add(Entry{Kind: KindAppDataDir, Path: path})
}

func (r *Record) add(e Entry) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entries {
		if existing == e {
			return
		}
	}
	r.entries = append(r.entries, e)
}

// Entries returns a copy of the entries in insertion order.
func (r *Record) Entries() []Entry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Of returns the entries of one kind in insertion order.
func (r *Record) Of(kind Kind) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Empty reports whether nothing was recorded.
func (r *Record) Empty() bool {
	return len(r.Entries()) == 0
}
