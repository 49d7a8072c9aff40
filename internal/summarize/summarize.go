// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package summarize condenses long documents through the model backend.
package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/chunker"
	"github.com/parleyhq/parley/internal/ollama"
)

// summaryJoiner separates per-chunk summaries in the combined output.
const summaryJoiner = "\n\n---\n\n"

// Backend is the blocking inference surface summarization uses.
// *ollama.Client satisfies it.
type Backend interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, opts *ollama.Options) (*ollama.ChatResponse, error)
}

// Config tunes summarization.
type Config struct {
	// MaxFileWords is the per-chunk word bound and the inline threshold:
	// documents at or under it are passed through verbatim.
	MaxFileWords int
	// Temperature for summary generations.
	Temperature float64
	// MaxTokens caps each chunk summary.
	MaxTokens int
}

// DefaultConfig returns the standard summarization parameters.
func DefaultConfig() Config {
	return Config{
		MaxFileWords: chunker.DefaultMaxWords,
		Temperature:  0.3,
		MaxTokens:    500,
	}
}

// Summarizer condenses documents chunk by chunk.
type Summarizer struct {
	backend Backend
	cfg     Config
}

// New creates a summarizer. Zero config fields fall back to defaults.
func New(backend Backend, cfg Config) *Summarizer {
	def := DefaultConfig()
	if cfg.MaxFileWords < 1 {
		cfg.MaxFileWords = def.MaxFileWords
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = def.Temperature
	}
	if cfg.MaxTokens < 1 {
		cfg.MaxTokens = def.MaxTokens
	}
	return &Summarizer{backend: backend, cfg: cfg}
}

// =============================================================================
// TEXT SUMMARIZATION
// =============================================================================

// Text splits text into word-bounded chunks and summarizes each through the
// backend, joining the results. A failed chunk becomes an inline placeholder
// rather than failing the whole document. Returns an error only when ctx is
// cancelled; cancellation is checked between chunk calls.
func (s *Summarizer) Text(ctx context.Context, model, text string) (string, error) {
	chunks := chunker.Split(text, s.cfg.MaxFileWords)
	if len(chunks) == 0 {
		return "", nil
	}

	opts := &ollama.Options{Temperature: s.cfg.Temperature, NumPredict: s.cfg.MaxTokens}
	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return "", context.Cause(ctx)
		}
		prompt := "Summarize the following text concisely, preserving key information:\n\n" + chunk
		resp, err := s.backend.Chat(ctx, model, []ollama.Message{ollama.NewUserMessage(prompt)}, opts)
		if err != nil {
			if ctx.Err() != nil {
				return "", context.Cause(ctx)
			}
			summaries = append(summaries, fmt.Sprintf("[Chunk %d summary failed: %v]", i+1, err))
			continue
		}
		summaries = append(summaries, strings.TrimSpace(resp.Message.Content))
	}
	return strings.Join(summaries, summaryJoiner), nil
}

// =============================================================================
// ATTACHMENT COMPOSITION
// =============================================================================

// ComposeWithFile builds the backend-facing user message for a question with
// one attached document. Short documents are inlined verbatim under a file
// header; long ones are summarized first.
func (s *Summarizer) ComposeWithFile(ctx context.Context, model, question, fileName, fileText string) (string, error) {
	if !chunker.NeedsSplit(fileText, s.cfg.MaxFileWords) {
		return fmt.Sprintf("[File: %s]\n%s\n\nUser question: %s", fileName, fileText, question), nil
	}
	combined, err := s.Text(ctx, model, fileText)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("[File: %s — summarized content below]\n%s\n\nUser question: %s", fileName, combined, question), nil
}

// NamedText is one attachment to compose or summarize.
type NamedText struct {
	Name string
	Text string
}

// ComposeWithFiles builds the backend-facing user message for a question
// with several attached documents. Each document gets its own header block;
// the question follows the blocks.
func (s *Summarizer) ComposeWithFiles(ctx context.Context, model, question string, files []NamedText) (string, error) {
	if len(files) == 1 {
		return s.ComposeWithFile(ctx, model, question, files[0].Name, files[0].Text)
	}
	parts := make([]string, 0, len(files))
	for _, f := range files {
		one, err := s.ComposeWithFile(ctx, model, "", f.Name, f.Text)
		if err != nil {
			return "", err
		}
		if idx := strings.Index(one, "\n\nUser question:"); idx >= 0 {
			one = strings.TrimSpace(one[:idx])
		}
		parts = append(parts, one)
	}
	combined := strings.Join(parts, summaryJoiner)
	if question != "" {
		combined += "\n\nUser question: " + question
	}
	return combined, nil
}

// =============================================================================
// PER-FILE ITERATION
// =============================================================================

// FileResult is the outcome of summarizing one document.
type FileResult struct {
	Name    string
	Summary string
	Err     string // non-empty when this file failed
}

// EmitFunc receives each file's result as it completes. Returning an error
// stops the iteration.
type EmitFunc func(FileResult) error

// Files summarizes each document in turn, emitting results one by one so
// callers can stream them. Per-file failures are reported in the result;
// only emit errors and cancellation stop the run.
func (s *Summarizer) Files(ctx context.Context, model string, files []NamedText, emit EmitFunc) error {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		summary, err := s.Text(ctx, model, f.Text)
		res := FileResult{Name: f.Name, Summary: strings.TrimSpace(summary)}
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			res.Err = fmt.Sprintf("Summarization failed: %v", err)
		}
		if err := emit(res); err != nil {
			return err
		}
	}
	return nil
}
