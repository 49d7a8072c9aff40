// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for parley.
//
// Configuration is stored as TOML. Loading never fails on a missing file:
// built-in defaults are used, then any file contents, then PARLEY_*
// environment overrides, and finally out-of-range parameters are clamped
// to their valid bounds.
//
// # Key Types
//
//   - Config: the complete configuration tree
//   - LimitsConfig: the resource bounds injected into the session layer
//   - OllamaConfig: model backend location and timeout ceilings
//
// # Usage
//
//	cfg, err := config.Load("~/.parley/config.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Watch reloads the file on change and hands the new Config to a callback,
// so settings edited through the API or by hand take effect without a
// restart.
package config
