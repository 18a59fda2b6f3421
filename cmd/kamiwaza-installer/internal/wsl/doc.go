// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package wsl detects, creates, verifies, and recovers the WSL distribution
the installer provisions into.

# State Machine

The Resolver drives one distribution name through these states:

	ABSENT ──create──▶ ACTIVE
	  ▲                  ▲
	  │ unregister       │ verify ok
	  │ (primary only)   │
	EXISTS_CORRUPTED ◀── EXISTS_HEALTHY ──▶ FAILED (unknown verify failure)
	  │
	  └─ fallback ──▶ FAILED (manual unregister required)

Every transition is a separate method so it can be tested in isolation.
The primary name belongs to the installer and may be destroyed and rebuilt
unattended. The fallback name is a distribution the user already had; it is
reused but never unregistered or re-imported.

# Ownership

Resolve returns a nil *Handle with a non-nil error when no environment is
usable. In that case nothing the installer owns is left registered: a
freshly imported primary that fails verification is unregistered before
Resolve returns.

# Parsing

wsl.exe writes UTF-16LE, so captured output contains NUL bytes between
characters. ParseDistroList normalizes that along with CRLF line endings,
the "*" default marker, and the "(Default)" suffix of the verbose listing.
*/
package wsl
