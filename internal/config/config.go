// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for parley.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = "You are a helpful, concise, and intelligent AI assistant. " +
	"Answer clearly and accurately. If you're unsure, say so."

// Parameter bounds enforced by Validate.
const (
	MinTemperature = 0.0
	MaxTemperature = 2.0
	MaxTokensLimit = 128000
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete parley configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Limits     LimitsConfig     `toml:"limits"`
	Ollama     OllamaConfig     `toml:"ollama"`
	Generation GenerationConfig `toml:"generation"`
	Summary    SummaryConfig    `toml:"summary"`
}

// ServerConfig contains the HTTP/WebSocket listener configuration.
type ServerConfig struct {
	// Addr is the listen address (default: 127.0.0.1:8000).
	Addr string `toml:"addr"`
	// AllowedFolderBases restricts folder_summary paths to these base
	// directories. Empty allows any absolute path.
	AllowedFolderBases []string `toml:"allowed_folder_bases"`
}

// LimitsConfig contains the resource bounds enforced at the connection
// boundary and in the session store.
type LimitsConfig struct {
	// MaxMessageBytes is the maximum size of one inbound envelope.
	MaxMessageBytes int `toml:"max_message_bytes"`
	// MaxMessageLength is the maximum chat text length in characters.
	MaxMessageLength int `toml:"max_message_length"`
	// MaxSessionMessages caps per-session history length.
	MaxSessionMessages int `toml:"max_session_messages"`
	// MaxFileWords is the words-per-chunk bound shared by the chunker and
	// the summarizer. Files longer than this are summarized chunk by chunk.
	MaxFileWords int `toml:"max_file_words"`
	// UploadMaxEntries bounds the in-memory upload store.
	UploadMaxEntries int `toml:"upload_max_entries"`
}

// OllamaConfig contains the model backend configuration.
type OllamaConfig struct {
	// URL is the Ollama base URL. Uses an explicit IPv4 address by default
	// to avoid IPv6 resolution issues on some platforms.
	URL string `toml:"url"`
	// DefaultModel is used when a request carries no model override.
	DefaultModel string `toml:"default_model"`
	// HealthTimeoutSecs bounds the initial reachability check.
	HealthTimeoutSecs int `toml:"health_timeout_secs"`
	// StallTimeoutSecs bounds how long a stream may go without producing
	// a token before it is treated as a backend failure.
	StallTimeoutSecs int `toml:"stall_timeout_secs"`
}

// GenerationConfig contains chat generation parameters.
type GenerationConfig struct {
	SystemPrompt string  `toml:"system_prompt"`
	Temperature  float64 `toml:"temperature"`
	MaxTokens    int     `toml:"max_tokens"`
}

// SummaryConfig contains parameters for document summarization calls.
type SummaryConfig struct {
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
}

// =============================================================================
// DEFAULTS AND LOADING
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: "127.0.0.1:8000",
		},
		Limits: LimitsConfig{
			MaxMessageBytes:    512 * 1024,
			MaxMessageLength:   50000,
			MaxSessionMessages: 100,
			MaxFileWords:       6000,
			UploadMaxEntries:   20,
		},
		Ollama: OllamaConfig{
			URL:               "http://127.0.0.1:11434",
			DefaultModel:      "mixtral:8x7b",
			HealthTimeoutSecs: 3,
			StallTimeoutSecs:  300,
		},
		Generation: GenerationConfig{
			SystemPrompt: "",
			Temperature:  0.7,
			MaxTokens:    2048,
		},
		Summary: SummaryConfig{
			Temperature: 0.3,
			MaxTokens:   500,
		},
	}
}

// Load reads configuration from the given TOML file. A missing file yields
// the defaults. Zero values are filled in, environment overrides applied,
// and out-of-range parameters clamped.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// No file: defaults only.
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.fillZeroValues()
	cfg.applyEnv()
	cfg.Validate()
	return cfg, nil
}

// Save writes the configuration back to the given TOML file. The write goes
// through a temporary file in the same directory so a crash never leaves a
// half-written config behind.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.toml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(c); err != nil {
		tmp.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// fillZeroValues replaces zero fields with the built-in defaults so a
// partial config file works.
func (c *Config) fillZeroValues() {
	def := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Limits.MaxMessageBytes == 0 {
		c.Limits.MaxMessageBytes = def.Limits.MaxMessageBytes
	}
	if c.Limits.MaxMessageLength == 0 {
		c.Limits.MaxMessageLength = def.Limits.MaxMessageLength
	}
	if c.Limits.MaxSessionMessages == 0 {
		c.Limits.MaxSessionMessages = def.Limits.MaxSessionMessages
	}
	if c.Limits.MaxFileWords == 0 {
		c.Limits.MaxFileWords = def.Limits.MaxFileWords
	}
	if c.Limits.UploadMaxEntries == 0 {
		c.Limits.UploadMaxEntries = def.Limits.UploadMaxEntries
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = def.Ollama.URL
	}
	if c.Ollama.DefaultModel == "" {
		c.Ollama.DefaultModel = def.Ollama.DefaultModel
	}
	if c.Ollama.HealthTimeoutSecs == 0 {
		c.Ollama.HealthTimeoutSecs = def.Ollama.HealthTimeoutSecs
	}
	if c.Ollama.StallTimeoutSecs == 0 {
		c.Ollama.StallTimeoutSecs = def.Ollama.StallTimeoutSecs
	}
	if c.Generation.Temperature == 0 {
		c.Generation.Temperature = def.Generation.Temperature
	}
	if c.Generation.MaxTokens == 0 {
		c.Generation.MaxTokens = def.Generation.MaxTokens
	}
	if c.Summary.Temperature == 0 {
		c.Summary.Temperature = def.Summary.Temperature
	}
	if c.Summary.MaxTokens == 0 {
		c.Summary.MaxTokens = def.Summary.MaxTokens
	}
}

// applyEnv applies PARLEY_* environment overrides. Only the settings that
// make sense to flip per-deployment are exposed.
func (c *Config) applyEnv() {
	if v := os.Getenv("PARLEY_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("PARLEY_OLLAMA_URL"); v != "" {
		c.Ollama.URL = v
	}
	if v := os.Getenv("PARLEY_DEFAULT_MODEL"); v != "" {
		c.Ollama.DefaultModel = v
	}
	if v := os.Getenv("PARLEY_MAX_SESSION_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Limits.MaxSessionMessages = n
		}
	}
}

// Validate clamps out-of-range parameters to their valid bounds. It never
// rejects a config; a usable value always results.
func (c *Config) Validate() {
	c.Generation.Temperature = clampFloat(c.Generation.Temperature, MinTemperature, MaxTemperature)
	c.Summary.Temperature = clampFloat(c.Summary.Temperature, MinTemperature, MaxTemperature)
	c.Generation.MaxTokens = clampInt(c.Generation.MaxTokens, 1, MaxTokensLimit)
	c.Summary.MaxTokens = clampInt(c.Summary.MaxTokens, 1, MaxTokensLimit)

	// History trimming drops user/assistant pairs, so the cap must hold at
	// least one pair.
	if c.Limits.MaxSessionMessages < 2 {
		c.Limits.MaxSessionMessages = 2
	}
	if c.Limits.MaxFileWords < 1 {
		c.Limits.MaxFileWords = Default().Limits.MaxFileWords
	}
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// HealthTimeout returns the reachability-check ceiling as a duration.
func (c *Config) HealthTimeout() time.Duration {
	return time.Duration(c.Ollama.HealthTimeoutSecs) * time.Second
}

// StallTimeout returns the per-token progress ceiling as a duration.
func (c *Config) StallTimeout() time.Duration {
	return time.Duration(c.Ollama.StallTimeoutSecs) * time.Second
}

// SystemPrompt returns the configured system prompt, falling back to the
// built-in default.
func (c *Config) SystemPrompt() string {
	if c.Generation.SystemPrompt != "" {
		return c.Generation.SystemPrompt
	}
	return DefaultSystemPrompt
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
