// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package util provides leaf utilities for the installer.
//
// Everything here depends only on the standard library:
//
//   - Ring Buffer: bounded, thread-safe buffer used to keep the last lines of
//     command output for failure reports
//   - Timeouts: default per-operation timeouts shared by the phases
//   - Panic Recovery: turns a panic in a best-effort step into a value
//
// # Thread Safety
//
// [RingBuffer] is safe for concurrent use. The other helpers are stateless.
package util
