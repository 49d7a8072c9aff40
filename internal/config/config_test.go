// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := Default()
	if cfg.Server.Addr != def.Server.Addr {
		t.Errorf("Addr = %q, want %q", cfg.Server.Addr, def.Server.Addr)
	}
	if cfg.Limits.MaxSessionMessages != def.Limits.MaxSessionMessages {
		t.Errorf("MaxSessionMessages = %d, want %d",
			cfg.Limits.MaxSessionMessages, def.Limits.MaxSessionMessages)
	}
	if cfg.Ollama.DefaultModel != def.Ollama.DefaultModel {
		t.Errorf("DefaultModel = %q, want %q", cfg.Ollama.DefaultModel, def.Ollama.DefaultModel)
	}
}

func TestLoadPartialFileFillsZeroValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := []byte("[ollama]\ndefault_model = \"mistral:7b\"\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Ollama.DefaultModel != "mistral:7b" {
		t.Errorf("DefaultModel = %q, want 'mistral:7b'", cfg.Ollama.DefaultModel)
	}
	// Everything else falls back to defaults.
	if cfg.Limits.MaxMessageBytes != 512*1024 {
		t.Errorf("MaxMessageBytes = %d, want %d", cfg.Limits.MaxMessageBytes, 512*1024)
	}
	if cfg.Summary.Temperature != 0.3 {
		t.Errorf("Summary.Temperature = %v, want 0.3", cfg.Summary.Temperature)
	}
}

func TestEnvOverrideWins(t *testing.T) {
	t.Setenv("PARLEY_DEFAULT_MODEL", "phi3:mini")
	t.Setenv("PARLEY_MAX_SESSION_MESSAGES", "10")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Ollama.DefaultModel != "phi3:mini" {
		t.Errorf("DefaultModel = %q, want 'phi3:mini'", cfg.Ollama.DefaultModel)
	}
	if cfg.Limits.MaxSessionMessages != 10 {
		t.Errorf("MaxSessionMessages = %d, want 10", cfg.Limits.MaxSessionMessages)
	}
}

func TestValidateClamps(t *testing.T) {
	cfg := Default()
	cfg.Generation.Temperature = 7.5
	cfg.Generation.MaxTokens = 9999999
	cfg.Summary.Temperature = -1
	cfg.Limits.MaxSessionMessages = 1

	cfg.Validate()

	if cfg.Generation.Temperature != MaxTemperature {
		t.Errorf("Temperature = %v, want %v", cfg.Generation.Temperature, MaxTemperature)
	}
	if cfg.Generation.MaxTokens != MaxTokensLimit {
		t.Errorf("MaxTokens = %d, want %d", cfg.Generation.MaxTokens, MaxTokensLimit)
	}
	if cfg.Summary.Temperature != MinTemperature {
		t.Errorf("Summary.Temperature = %v, want %v", cfg.Summary.Temperature, MinTemperature)
	}
	if cfg.Limits.MaxSessionMessages != 2 {
		t.Errorf("MaxSessionMessages = %d, want 2", cfg.Limits.MaxSessionMessages)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Generation.SystemPrompt = "Answer in haiku."
	cfg.Ollama.DefaultModel = "llama3:8b"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Generation.SystemPrompt != "Answer in haiku." {
		t.Errorf("SystemPrompt = %q", loaded.Generation.SystemPrompt)
	}
	if loaded.Ollama.DefaultModel != "llama3:8b" {
		t.Errorf("DefaultModel = %q, want 'llama3:8b'", loaded.Ollama.DefaultModel)
	}
}

func TestSystemPromptFallback(t *testing.T) {
	cfg := Default()
	if got := cfg.SystemPrompt(); got != DefaultSystemPrompt {
		t.Errorf("SystemPrompt() = %q, want built-in default", got)
	}

	cfg.Generation.SystemPrompt = "custom"
	if got := cfg.SystemPrompt(); got != "custom" {
		t.Errorf("SystemPrompt() = %q, want 'custom'", got)
	}
}
