// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// =============================================================================
// STREAM READER
// =============================================================================

// streamLine is one newline-delimited JSON object from /api/chat.
type streamLine struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
	Error      string `json:"error,omitempty"`

	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

// StreamReader decodes a newline-delimited JSON chat stream.
type StreamReader struct {
	scanner *bufio.Scanner
}

// NewStreamReader creates a reader over a streaming response body.
func NewStreamReader(r io.Reader) *StreamReader {
	scanner := bufio.NewScanner(r)
	// Single chunks can carry large content fragments.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &StreamReader{scanner: scanner}
}

// Process reads the stream to completion, invoking callback per chunk.
// Stops early if ctx is cancelled, the callback errors, or the backend
// reports an in-stream error.
func (r *StreamReader) Process(ctx context.Context, callback StreamCallback) error {
	for r.scanner.Scan() {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		default:
		}

		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var sl streamLine
		if err := json.Unmarshal(line, &sl); err != nil {
			return &ClientError{Type: ErrTypeInvalidResponse, Message: "malformed stream line", Err: err}
		}
		if sl.Error != "" {
			return &ClientError{Type: ErrTypeUnknown, Message: sl.Error}
		}

		chunk := StreamChunk{
			Content:          sl.Message.Content,
			Done:             sl.Done,
			DoneReason:       sl.DoneReason,
			Model:            sl.Model,
			PromptTokens:     sl.PromptEvalCount,
			CompletionTokens: sl.EvalCount,
		}
		if err := callback(chunk); err != nil {
			return err
		}
		if sl.Done {
			return nil
		}
	}
	if err := r.scanner.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			if cause := context.Cause(ctx); cause != nil {
				return cause
			}
			return err
		}
		return &ClientError{Type: ErrTypeConnection, Message: "stream interrupted", Err: err}
	}
	// Stream ended without a done chunk.
	return &ClientError{Type: ErrTypeInvalidResponse, Message: "stream ended unexpectedly"}
}
