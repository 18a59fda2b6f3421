// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/history"
	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/orchestrator"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig("status")
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Err: err}
	}
	store, err := history.Open(history.Config{Path: cfg.Paths.HistoryDir})
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Err: err}
	}
	defer store.Close()
	return writeStatus(cmd.Context(), store, statusLast, cmd.OutOrStdout())
}

type recentRuns interface {
	Recent(ctx context.Context, n int) ([]history.Run, error)
}

// writeStatus prints the newest n runs as a YAML list.
func writeStatus(ctx context.Context, store recentRuns, n int, w io.Writer) error {
	runs, err := store.Recent(ctx, n)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No install runs recorded.")
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(runs); err != nil {
		return fmt.Errorf("encode runs: %w", err)
	}
	return enc.Close()
}
