// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/cleanup"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestStore_SaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := Run{
		ID: "run-1", StartedAt: epoch, ExitCode: 1, FailedPhase: "PACKAGE_INSTALL",
		Phases:  []PhaseRecord{{Name: "PREREQS", Outcome: "ok", Progress: 5, Elapsed: time.Second}},
		Cleanup: []cleanup.Entry{{Kind: cleanup.KindEnvironment, Name: "kamiwaza", Owned: true}},
	}

	require.NoError(t, s.Save(ctx, run))
	got, err := s.Get(ctx, "run-1")

	require.NoError(t, err)
	assert.Equal(t, "PACKAGE_INSTALL", got.FailedPhase)
	assert.True(t, got.StartedAt.Equal(epoch))
	assert.Equal(t, run.Phases, got.Phases)
	assert.Equal(t, run.Cleanup, got.Cleanup)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := Run{ID: "run-1", StartedAt: epoch}
	require.NoError(t, s.Save(ctx, run))

	run.Finished = true
	run.Phases = append(run.Phases, PhaseRecord{Name: "ENVIRONMENT", Outcome: "ok", Progress: 20})
	require.NoError(t, s.Save(ctx, run))

	runs, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Finished)
	assert.Len(t, runs[0].Phases, 1)
}

func TestStore_RecentNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Save(ctx, Run{ID: id, StartedAt: epoch.Add(time.Duration(i) * time.Hour)}))
	}

	runs, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "d", runs[0].ID)
	assert.Equal(t, "c", runs[1].ID)

	all, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestStore_LastNeedingCleanup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := []cleanup.Entry{{Kind: cleanup.KindEnvironment, Name: "kamiwaza", Owned: true}}

	require.NoError(t, s.Save(ctx, Run{ID: "failed", StartedAt: epoch, Finished: true, ExitCode: 1, Cleanup: rec}))
	require.NoError(t, s.Save(ctx, Run{ID: "crashed", StartedAt: epoch.Add(time.Hour), Cleanup: rec}))
	require.NoError(t, s.Save(ctx, Run{ID: "ok", StartedAt: epoch.Add(2 * time.Hour), Finished: true, Cleanup: rec}))

	got, err := s.LastNeedingCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, "crashed", got.ID)

	require.NoError(t, s.MarkCleanedUp(ctx, "crashed"))
	got, err = s.LastNeedingCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.ID)

	require.NoError(t, s.MarkCleanedUp(ctx, "failed"))
	_, err = s.LastNeedingCleanup(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRun_NeedsCleanup(t *testing.T) {
	rec := []cleanup.Entry{{Kind: cleanup.KindDataDir, Path: "/d"}}
	assert.False(t, Run{Finished: true, ExitCode: 1}.NeedsCleanup(), "nothing recorded")
	assert.True(t, Run{Finished: true, ExitCode: 1, Cleanup: rec}.NeedsCleanup())
	assert.True(t, Run{Cleanup: rec}.NeedsCleanup(), "never finished")
	assert.False(t, Run{Finished: true, Cleanup: rec}.NeedsCleanup())
	assert.False(t, Run{Finished: true, ExitCode: 1, Cleanup: rec, CleanedUp: true}.NeedsCleanup())
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, Run{ID: "run-1", StartedAt: epoch, ExitCode: 3010, Finished: true}))
	require.NoError(t, s.Close())

	s2, err := Open(Config{Path: dir})
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3010, got.ExitCode)
}

func TestStore_Validation(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)

	s := openTestStore(t)
	assert.Error(t, s.Save(context.Background(), Run{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.Save(ctx, Run{ID: "x"}))
}
