// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command kamiwaza-installer installs Kamiwaza into a WSL distribution.
//
// The Windows setup wizard runs it without a console and reads the
// PROGRESS:<n> lines it prints to stdout. Exit codes: 0 success, 1 failure,
// 3010 restart required.
package main

import (
	"fmt"
	"os"

	"github.com/kamiwaza-ai/kamiwaza-installer/cmd/kamiwaza-installer/internal/secrets"
)

// Set with -ldflags "-X main.version=... -X main.packageURL=...".
var (
	version    = "0.0.0-dev"
	codename   = ""
	build      = ""
	packageURL = ""
)

func main() {
	err := rootCmd.Execute()
	secrets.Purge()
	if err != nil {
		code := exitCode(err)
		if !isReported(err) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(code)
	}
}
