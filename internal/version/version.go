/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build version information.
package version

// Version is the current version of RetroVue.
// Set at build time via ldflags:
//
//	-X github.com/retrovue/retrovue/internal/version.Version=X.Y.Z
var Version = "0.3.0"
