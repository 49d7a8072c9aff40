// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"

	"github.com/parleyhq/parley/internal/bridge"
	"github.com/parleyhq/parley/internal/ollama"
	"github.com/parleyhq/parley/internal/summarize"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// Error kinds carried by error envelopes.
const (
	// KindValidation covers malformed, oversized, or empty input.
	KindValidation = "validation"
	// KindBusy rejects a request while a task is already streaming.
	KindBusy = "busy"
	// KindBackendUnavailable means the model backend is unreachable.
	KindBackendUnavailable = "backend_unavailable"
	// KindBackendTimeout means the backend stalled or timed out.
	KindBackendTimeout = "backend_timeout"
	// KindInternal covers everything else.
	KindInternal = "internal"
)

// classifyError maps a task failure to an error kind.
func classifyError(err error) string {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, bridge.ErrStalled), ollama.IsTimeout(err):
		return KindBackendTimeout
	case ollama.IsNotRunning(err):
		return KindBackendUnavailable
	case ollama.IsModelNotFound(err):
		return KindValidation
	case errors.Is(err, summarize.ErrFolderNotFound),
		errors.Is(err, summarize.ErrNotDirectory),
		errors.Is(err, summarize.ErrFolderNotAllowed):
		return KindValidation
	default:
		return KindInternal
	}
}
