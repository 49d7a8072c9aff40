// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session tracks per-connection conversation state.
//
// Each websocket connection owns one Session holding its message history,
// title, optional model override, and the gate that keeps at most one
// streaming task running per session.
//
// # Key Types
//
//   - Session: one conversation, capped at a configured message count
//   - Store: the registry of live sessions
//   - Message: a single user or assistant turn
//
// History trimming is pair-wise: when the cap is reached, the oldest
// user message and its assistant reply are dropped together so the
// remaining history never starts with an orphaned reply.
package session
