// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package summarize condenses long documents through the model backend.
//
// Long text is split into word-bounded chunks, each chunk is summarized by
// a blocking backend call, and the chunk summaries are joined. A failed
// chunk degrades to an inline placeholder instead of failing the document.
//
// # Key Types
//
//   - Summarizer: the chunk-and-summarize pipeline
//   - NamedText: one attachment by display name
//   - FileResult: the per-file outcome streamed to callers
//
// The package also builds the backend-facing user message when a chat turn
// carries attachments: short documents are inlined verbatim, long ones are
// summarized first, and multi-file turns get one block per document.
package summarize
