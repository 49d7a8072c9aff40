// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the websocket relay and its HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/chunker"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/ollama"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/summarize"
	"github.com/parleyhq/parley/internal/uploads"
)

// uploadMaxBytes caps one uploaded document.
const uploadMaxBytes = 50 * 1024 * 1024

// defaultWriteTimeout bounds one websocket write to a client.
const defaultWriteTimeout = 10 * time.Second

// =============================================================================
// SERVER
// =============================================================================

// Server hosts the websocket endpoint and the supporting HTTP API.
type Server struct {
	log      *zap.Logger
	client   *ollama.Client
	sessions *session.Store
	uploads  *uploads.Store
	upgrader websocket.Upgrader
	extract  summarize.Extractor

	// writeTimeout bounds one websocket write.
	writeTimeout time.Duration

	// cfg is the live configuration snapshot, replaced wholesale on
	// reload so in-flight handlers keep a consistent view.
	cfg        atomic.Pointer[config.Config]
	configPath string

	httpServer *http.Server
}

// New creates a server. configPath may be empty, in which case config
// updates are not persisted.
func New(cfg *config.Config, configPath string, log *zap.Logger, client *ollama.Client) *Server {
	s := &Server{
		log:          log,
		client:       client,
		sessions:     session.NewStore(cfg.Limits.MaxSessionMessages),
		uploads:      uploads.NewStore(cfg.Limits.UploadMaxEntries),
		configPath:   configPath,
		writeTimeout: defaultWriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local front-end; the listener binds loopback by default.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.cfg.Store(cfg)
	return s
}

// config returns the current configuration snapshot.
func (s *Server) config() *config.Config {
	return s.cfg.Load()
}

// SetConfig swaps in a new configuration snapshot. Used by the file watcher
// and the config API.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
	s.log.Info("CONFIG_SWAP", zap.String("model", cfg.Ollama.DefaultModel))
}

// SetExtractor installs a document text extractor for formats beyond plain
// text. Nil keeps the default.
func (s *Server) SetExtractor(extract summarize.Extractor) {
	s.extract = extract
}

func (s *Server) newSummarizer(cfg *config.Config) *summarize.Summarizer {
	return summarize.New(s.client, summarize.Config{
		MaxFileWords: cfg.Limits.MaxFileWords,
		Temperature:  cfg.Summary.Temperature,
		MaxTokens:    cfg.Summary.MaxTokens,
	})
}

// =============================================================================
// ROUTES
// =============================================================================

// Handler builds the HTTP handler with the middleware stack applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/config", s.handlePutConfig)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /ws", s.handleWS)

	return Chain(mux,
		Recovery(s.log),
		SecurityHeaders(),
		Logging(s.log),
		RateLimit(20, 40),
	)
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cfg := s.config()
	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("SERVER_START", zap.String("addr", cfg.Server.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// =============================================================================
// HTTP HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	ctx, cancel := context.WithTimeout(r.Context(), cfg.HealthTimeout())
	defer cancel()

	status := "ok"
	backend := true
	if err := s.client.CheckRunning(ctx); err != nil {
		status = "degraded"
		backend = false
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"backend":  backend,
		"sessions": s.sessions.Len(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	names, err := s.client.ModelNames(r.Context())
	running := err == nil
	if err != nil {
		s.log.Warn("MODELS_FAIL", zap.Error(err))
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":         names,
		"ollama_running": running,
	})
}

// configDTO is the externally editable slice of the configuration.
type configDTO struct {
	DefaultModel string  `json:"default_model"`
	SystemPrompt string  `json:"system_prompt"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	writeJSON(w, http.StatusOK, configDTO{
		DefaultModel: cfg.Ollama.DefaultModel,
		SystemPrompt: cfg.Generation.SystemPrompt,
		Temperature:  cfg.Generation.Temperature,
		MaxTokens:    cfg.Generation.MaxTokens,
	})
}

// configUpdate distinguishes absent fields from zero values, so a
// temperature of 0.0 is settable through the API.
type configUpdate struct {
	DefaultModel *string  `json:"default_model"`
	SystemPrompt *string  `json:"system_prompt"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var upd configUpdate
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	cur := s.config()
	next := *cur
	if upd.DefaultModel != nil && *upd.DefaultModel != "" {
		next.Ollama.DefaultModel = *upd.DefaultModel
	}
	if upd.SystemPrompt != nil {
		next.Generation.SystemPrompt = *upd.SystemPrompt
	}
	if upd.Temperature != nil {
		next.Generation.Temperature = *upd.Temperature
	}
	if upd.MaxTokens != nil {
		next.Generation.MaxTokens = *upd.MaxTokens
	}
	next.Validate()

	s.SetConfig(&next)
	if s.configPath != "" {
		if err := next.Save(s.configPath); err != nil {
			s.log.Warn("CONFIG_SAVE_FAIL", zap.Error(err))
		}
	}

	cfg := s.config()
	writeJSON(w, http.StatusOK, configDTO{
		DefaultModel: cfg.Ollama.DefaultModel,
		SystemPrompt: cfg.Generation.SystemPrompt,
		Temperature:  cfg.Generation.Temperature,
		MaxTokens:    cfg.Generation.MaxTokens,
	})
}

// uploadExtensions are the formats accepted as attachments.
var uploadExtensions = map[string]bool{
	".txt": true,
	".csv": true,
	".md":  true,
	".log": true,
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, uploadMaxBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	// Basename only, leading dots stripped, so the stored name cannot
	// carry path components.
	name := strings.TrimLeft(filepath.Base(header.Filename), ". ")
	if name == "" {
		name = "file"
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !uploadExtensions[ext] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported format. Use: %s", supportedExtList()))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	text := string(data)
	id := s.uploads.Put(name, text, chunker.WordCount(text))
	s.log.Info("UPLOAD_STORED", zap.String("name", name), zap.Int("bytes", len(data)))
	writeJSON(w, http.StatusOK, map[string]string{
		"file_id": id,
		"name":    name,
	})
}

func supportedExtList() string {
	return ".txt, .csv, .md, .log"
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
