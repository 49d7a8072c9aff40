// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama implements an HTTP client for a local Ollama server.
//
// The client covers the subset of the Ollama API the relay needs:
// reachability checks, model listing, blocking chat completions, and
// streaming chat completions decoded chunk by chunk.
//
// # Key Types
//
//   - Client: the HTTP client, created with NewClient
//   - ClientConfig: base URL, timeout, and default model
//   - ClientError: typed errors with an ErrorType for dispatch
//   - StreamChunk: one decoded fragment of a streaming response
//
// # Usage
//
//	client := ollama.NewClient(&ollama.ClientConfig{
//		BaseURL:      "http://localhost:11434",
//		DefaultModel: "mixtral:8x7b",
//	})
//
//	err := client.ChatStream(ctx, "", messages, nil, func(chunk ollama.StreamChunk) error {
//		fmt.Print(chunk.Content)
//		return nil
//	})
//
// Streaming calls are bounded by their context rather than the client
// timeout, so long generations are not cut off mid-stream.
package ollama
