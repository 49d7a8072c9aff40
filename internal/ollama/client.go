// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorType categorizes client errors for programmatic handling.
type ErrorType int

const (
	// ErrTypeUnknown is an uncategorized error.
	ErrTypeUnknown ErrorType = iota
	// ErrTypeNotRunning indicates the backend is not reachable.
	ErrTypeNotRunning
	// ErrTypeTimeout indicates the request timed out.
	ErrTypeTimeout
	// ErrTypeModelNotFound indicates the requested model is not installed.
	ErrTypeModelNotFound
	// ErrTypeConnection indicates a network-level failure mid-request.
	ErrTypeConnection
	// ErrTypeInvalidResponse indicates the backend returned malformed data.
	ErrTypeInvalidResponse
)

// ClientError wraps backend errors with a type for programmatic handling.
type ClientError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// Sentinel errors for errors.Is checks.
var (
	ErrNotRunning    = errors.New("ollama is not running")
	ErrTimeout       = errors.New("request timed out")
	ErrModelNotFound = errors.New("model not found")
)

// IsNotRunning reports whether err indicates the backend is unreachable.
func IsNotRunning(err error) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Type == ErrTypeNotRunning
	}
	return errors.Is(err, ErrNotRunning)
}

// IsTimeout reports whether err indicates a timeout.
func IsTimeout(err error) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Type == ErrTypeTimeout
	}
	return errors.Is(err, ErrTimeout)
}

// IsModelNotFound reports whether err indicates a missing model.
func IsModelNotFound(err error) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Type == ErrTypeModelNotFound
	}
	return errors.Is(err, ErrModelNotFound)
}

// =============================================================================
// CLIENT
// =============================================================================

// ClientConfig holds client configuration.
type ClientConfig struct {
	// BaseURL is the Ollama server address.
	BaseURL string
	// Timeout bounds a whole non-streaming request. Streaming requests are
	// bounded by their context instead.
	Timeout time.Duration
	// DefaultModel is used when a call passes an empty model name.
	DefaultModel string
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:      "http://localhost:11434",
		Timeout:      300 * time.Second,
		DefaultModel: "mixtral:8x7b",
	}
}

// Client is an HTTP client for the Ollama API.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	// streamClient has no overall timeout; streams are context-bounded.
	streamClient *http.Client
}

// NewClient creates a client with the given configuration.
// A nil config uses DefaultConfig.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		config:       config,
		httpClient:   &http.Client{Timeout: config.Timeout},
		streamClient: &http.Client{},
	}
}

// BaseURL returns the configured backend address.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// CheckRunning verifies the backend is reachable.
func (c *Client) CheckRunning(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return &ClientError{Type: ErrTypeUnknown, Message: "failed to create request", Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &ClientError{
			Type:    ErrTypeNotRunning,
			Message: fmt.Sprintf("ollama returned status %d", resp.StatusCode),
			Err:     ErrNotRunning,
		}
	}
	return nil
}

// ListModels returns the locally installed models.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "failed to create request", Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readErrorResponse(resp)
	}
	var list ListModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode model list", Err: err}
	}
	return list.Models, nil
}

// ModelNames returns the names of locally installed models.
func (c *Client) ModelNames(ctx context.Context) ([]string, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Name
	}
	return names, nil
}

// Chat performs a blocking chat completion and returns the full response.
// An empty model falls back to the configured default. opts may be nil.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, opts *Options) (*ChatResponse, error) {
	if model == "" {
		model = c.config.DefaultModel
	}
	body, err := json.Marshal(ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  opts,
	})
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "failed to encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readErrorResponse(resp)
	}
	var chat ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode chat response", Err: err}
	}
	return &chat, nil
}

// StreamCallback receives each decoded chunk of a streaming response.
// Returning an error aborts the stream.
type StreamCallback func(chunk StreamChunk) error

// ChatStream performs a streaming chat completion, invoking callback for
// each chunk. Blocks until the stream finishes, the callback errors, or
// ctx is cancelled.
func (c *Client) ChatStream(ctx context.Context, model string, messages []Message, opts *Options, callback StreamCallback) error {
	if model == "" {
		model = c.config.DefaultModel
	}
	body, err := json.Marshal(ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options:  opts,
	})
	if err != nil {
		return &ClientError{Type: ErrTypeUnknown, Message: "failed to encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return &ClientError{Type: ErrTypeUnknown, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readErrorResponse(resp)
	}

	reader := NewStreamReader(resp.Body)
	return reader.Process(ctx, callback)
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ClientError{Type: ErrTypeTimeout, Message: "request timed out", Err: ErrTimeout}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ClientError{Type: ErrTypeTimeout, Message: "request timed out", Err: ErrTimeout}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &ClientError{Type: ErrTypeNotRunning, Message: "cannot connect to ollama", Err: ErrNotRunning}
	}
	if strings.Contains(err.Error(), "connection refused") {
		return &ClientError{Type: ErrTypeNotRunning, Message: "cannot connect to ollama", Err: ErrNotRunning}
	}
	return &ClientError{Type: ErrTypeConnection, Message: "request failed", Err: err}
}

func readErrorResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var be backendError
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &be) == nil && be.Error != "" {
		msg = be.Error
	}
	if resp.StatusCode == http.StatusNotFound || strings.Contains(msg, "not found") {
		return &ClientError{
			Type:    ErrTypeModelNotFound,
			Message: msg,
			Err:     ErrModelNotFound,
		}
	}
	return &ClientError{
		Type:    ErrTypeUnknown,
		Message: fmt.Sprintf("ollama returned status %d: %s", resp.StatusCode, msg),
	}
}
