// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package history is the installer's run journal.
//
// Each run is stored in BadgerDB under the app-data directory as it
// progresses: the phases reached, the final exit code, and the cleanup
// record. The status subcommand lists recent runs, and the cleanup
// subcommand replays the record of a failed run whose process died before
// it could clean up.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/cleanup"
)

// ErrNotFound is returned when no run matches.
var ErrNotFound = errors.New("run not found")

const (
	runPrefix = "run/"
	idPrefix  = "id/"
)

// PhaseRecord is one phase of a run.
type PhaseRecord struct {
	Name     string        `json:"name" yaml:"name"`
	Outcome  string        `json:"outcome" yaml:"outcome"`
	Progress int           `json:"progress" yaml:"progress"`
	Elapsed  time.Duration `json:"elapsed" yaml:"elapsed"`
	Detail   string        `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Run is one installation attempt.
type Run struct {
	ID          string          `json:"id" yaml:"id"`
	Version     string          `json:"version,omitempty" yaml:"version,omitempty"`
	StartedAt   time.Time       `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time       `json:"finished_at,omitzero" yaml:"finished_at,omitempty"`
	Finished    bool            `json:"finished" yaml:"finished"`
	ExitCode    int             `json:"exit_code" yaml:"exit_code"`
	FailedPhase string          `json:"failed_phase,omitempty" yaml:"failed_phase,omitempty"`
	Degraded    []string        `json:"degraded,omitempty" yaml:"degraded,omitempty"`
	Environment string          `json:"environment,omitempty" yaml:"environment,omitempty"`
	LogDir      string          `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`
	Phases      []PhaseRecord   `json:"phases,omitempty" yaml:"phases,omitempty"`
	Cleanup     []cleanup.Entry `json:"cleanup,omitempty" yaml:"cleanup,omitempty"`
	CleanedUp   bool            `json:"cleaned_up" yaml:"cleaned_up"`
}

// NeedsCleanup reports whether the run left recorded state behind: it
// failed, or never finished, and cleanup has not run.
func (r Run) NeedsCleanup() bool {
	if r.CleanedUp || len(r.Cleanup) == 0 {
		return false
	}
	return !r.Finished || r.ExitCode != 0
}

// Config configures the store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps the journal in memory. Used by tests.
	InMemory bool

	// Logger receives BadgerDB's own log output. Nil disables it.
	Logger *slog.Logger
}

// Store persists Runs.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	db *badger.DB
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens the journal.
//
// # Outputs
//
//   - *Store: caller must Close it
//   - error: the path is missing or the database cannot be opened, e.g.
//     because another installer process holds it
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent history")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create history directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens an empty in-memory journal.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// runKey orders runs by start time, then id.
func runKey(r Run) []byte {
	return fmt.Appendf(nil, "%s%020d/%s", runPrefix, r.StartedAt.UnixNano(), r.ID)
}

// Save inserts or replaces run.
func (s *Store) Save(ctx context.Context, run Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	key := runKey(run)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte(idPrefix+run.ID), key)
	})
}

// Get returns the run with id.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, fmt.Errorf("context cancelled: %w", err)
	}
	var run Run
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(idPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return decode(txn, key, &run)
	})
	return run, err
}

// Recent returns up to n runs, newest first. n <= 0 returns all.
func (s *Store) Recent(ctx context.Context, n int) ([]Run, error) {
	var runs []Run
	err := s.scan(ctx, func(r Run) bool {
		runs = append(runs, r)
		return n <= 0 || len(runs) < n
	})
	return runs, err
}

// LastNeedingCleanup returns the newest run for which NeedsCleanup is
// true.
func (s *Store) LastNeedingCleanup(ctx context.Context) (Run, error) {
	var found *Run
	err := s.scan(ctx, func(r Run) bool {
		if r.NeedsCleanup() {
			found = &r
			return false
		}
		return true
	})
	if err != nil {
		return Run{}, err
	}
	if found == nil {
		return Run{}, ErrNotFound
	}
	return *found, nil
}

// MarkCleanedUp sets CleanedUp on run id.
func (s *Store) MarkCleanedUp(ctx context.Context, id string) error {
	run, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	run.CleanedUp = true
	return s.Save(ctx, run)
}

// scan visits runs newest first until fn returns false.
func (s *Store) scan(ctx context.Context, fn func(Run) bool) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(runPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the largest key <= seek.
		seek := append([]byte(runPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix([]byte(runPrefix)); it.Next() {
			var run Run
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				return err
			}
			if !fn(run) {
				return nil
			}
		}
		return nil
	})
}

func decode(txn *badger.Txn, key []byte, run *Run) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, run)
	})
}
