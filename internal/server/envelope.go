// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import "github.com/parleyhq/parley/internal/session"

// =============================================================================
// INBOUND ENVELOPES
// =============================================================================

// Inbound envelope types.
const (
	TypeChat             = "chat"
	TypeStop             = "stop"
	TypeLoadConversation = "load_conversation"
	TypeFolderSummary    = "folder_summary"
	TypeMultiFileSummary = "multi_file_summary"
)

// inboundEnvelope is the superset of all client messages; Type selects
// which fields matter.
type inboundEnvelope struct {
	Type string `json:"type"`

	// chat
	Message string            `json:"message,omitempty"`
	Model   string            `json:"model,omitempty"`
	History []session.Message `json:"history,omitempty"`
	FileIDs []string          `json:"file_ids,omitempty"`

	// folder_summary
	FolderPath string `json:"folder_path,omitempty"`
	Recursive  *bool  `json:"recursive,omitempty"`
}

// =============================================================================
// OUTBOUND ENVELOPES
// =============================================================================

// Outbound envelope types.
const (
	TypeToken      = "token"
	TypeDone       = "done"
	TypeError      = "error"
	TypeCancelled  = "cancelled"
	TypeFolderFile = "folder_file"
	TypeFolderDone = "folder_done"
)

type tokenEnvelope struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type doneEnvelope struct {
	Type string `json:"type"`
}

type errorEnvelope struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type folderFileEnvelope struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Summary string `json:"summary"`
	Error   string `json:"error,omitempty"`
}
