// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func runVersion(cmd *cobra.Command, _ []string) {
	fmt.Fprintln(cmd.OutOrStdout(), versionString())
}

func versionString() string {
	s := "kamiwaza-installer " + version
	if codename != "" {
		s += " (" + codename + ")"
	}
	if build != "" {
		s += " build " + build
	}
	return fmt.Sprintf("%s %s/%s", s, runtime.GOOS, runtime.GOARCH)
}
