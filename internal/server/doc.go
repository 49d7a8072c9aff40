// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the websocket relay and its HTTP API.
//
// Each websocket connection owns one session. The read loop stays free
// while a response streams: generation runs on a task goroutine, so a stop
// envelope can cancel it mid-stream on the same connection. A session
// accepts one task at a time; a second request while streaming is rejected
// with a busy error rather than queued.
//
// # Endpoints
//
//   - GET  /ws          websocket session
//   - GET  /health      readiness, including backend reachability
//   - GET  /api/models  installed model names
//   - GET  /api/config  editable configuration slice
//   - PUT  /api/config  update and persist configuration
//   - POST /api/upload  store a document, returns its file_id
//
// # Envelope Flow
//
// Inbound: chat, stop, load_conversation, folder_summary,
// multi_file_summary. A chat produces zero or more token envelopes and
// exactly one terminal: done, error, or cancelled. Folder and multi-file
// summaries produce one folder_file per document and a folder_done
// terminal. Validation failures never drop the connection.
package server
