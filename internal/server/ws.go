// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/bridge"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/ollama"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/summarize"
	"github.com/parleyhq/parley/internal/uploads"
)

// =============================================================================
// CONNECTION
// =============================================================================

// wsConn is one client connection and its session. The read loop and the
// streaming task goroutine both write to the socket, serialized by writeMu.
type wsConn struct {
	srv     *Server
	conn    *websocket.Conn
	sess    *session.Session
	log     *zap.Logger
	writeMu sync.Mutex
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WS_UPGRADE_FAIL", zap.Error(err))
		return
	}
	sess := s.sessions.Create()
	c := &wsConn{
		srv:  s,
		conn: conn,
		sess: sess,
		log:  s.log.With(zap.String("session", sess.ID)),
	}
	c.log.Info("WS_OPEN")
	c.readLoop()
}

// readLoop owns the socket reads and dispatches envelopes until the client
// disconnects. Streaming work runs on a separate goroutine so stop arrives
// mid-stream on the same connection.
func (c *wsConn) readLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.sess.CancelActive(context.Canceled)
		c.srv.sessions.Remove(c.sess.ID)
		c.conn.Close()
		c.log.Info("WS_CLOSE")
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("WS_READ_FAIL", zap.Error(err))
			}
			return
		}

		cfg := c.srv.config()

		// Size is checked on the raw frame, before decoding, so an
		// oversized envelope is rejected without dropping the connection.
		if len(data) > cfg.Limits.MaxMessageBytes {
			c.sendError(KindValidation, fmt.Sprintf("Message too large (max %d bytes)", cfg.Limits.MaxMessageBytes))
			continue
		}

		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError(KindValidation, "Invalid JSON")
			continue
		}

		switch env.Type {
		case TypeChat:
			c.handleChat(ctx, cfg, &env)
		case TypeStop:
			if !c.sess.CancelActive(bridge.ErrStopped) {
				c.log.Debug("STOP_IDLE")
			}
		case TypeLoadConversation:
			// Client-side restore only; the server keeps its own history.
		case TypeFolderSummary:
			c.handleFolderSummary(ctx, cfg, &env)
		case TypeMultiFileSummary:
			c.handleMultiFileSummary(ctx, cfg, &env)
		default:
			c.sendError(KindValidation, "Unknown type: "+env.Type)
		}
	}
}

// =============================================================================
// CHAT
// =============================================================================

func (c *wsConn) handleChat(ctx context.Context, cfg *config.Config, env *inboundEnvelope) {
	// An empty question is fine when documents are attached; the composed
	// prompt carries the file content.
	if strings.TrimSpace(env.Message) == "" && len(env.FileIDs) == 0 {
		c.sendError(KindValidation, "Empty message")
		return
	}
	if utf8.RuneCountInString(env.Message) > cfg.Limits.MaxMessageLength {
		c.sendError(KindValidation, fmt.Sprintf("Message too long (max %d characters)", cfg.Limits.MaxMessageLength))
		return
	}

	files, err := c.srv.uploads.GetAll(env.FileIDs)
	if err != nil {
		c.sendError(KindValidation, "File not found")
		return
	}

	cctx, cancel := context.WithCancelCause(ctx)
	if !c.sess.TryActivate(cancel) {
		cancel(nil)
		c.sendError(KindBusy, "A response is already streaming; send stop first")
		return
	}

	// A supplied history is complete: it already ends with the question
	// being asked, so the question must not be appended a second time.
	appendQuestion := true
	if env.History != nil {
		c.sess.ReplaceHistory(env.History)
		if hist := c.sess.History(); len(hist) > 0 {
			last := hist[len(hist)-1]
			if last.Role == session.RoleUser && last.Content == env.Message {
				appendQuestion = false
			}
		}
	}
	if env.Model != "" {
		c.sess.SetModel(env.Model)
	}

	go c.runChat(cctx, cfg, env.Message, files, appendQuestion)
}

func (c *wsConn) runChat(ctx context.Context, cfg *config.Config, text string, files []uploads.File, appendQuestion bool) {
	defer c.sess.Deactivate()

	model := c.sess.Model()
	if model == "" {
		model = cfg.Ollama.DefaultModel
	}

	// Attachment composition may call the backend, so it runs here rather
	// than on the read loop.
	userMsg := text
	if len(files) > 0 {
		items := make([]summarize.NamedText, len(files))
		for i, f := range files {
			items[i] = summarize.NamedText{Name: f.Name, Text: f.Text}
		}
		composed, err := c.srv.newSummarizer(cfg).ComposeWithFiles(ctx, model, text, items)
		if err != nil {
			if errors.Is(err, bridge.ErrStopped) {
				c.send(doneEnvelope{Type: TypeCancelled})
				return
			}
			c.sendError(classifyError(err), "Document summarization failed: "+userError(err))
			return
		}
		userMsg = composed
	}

	if appendQuestion {
		c.sess.AppendUser(userMsg)
	} else if userMsg != text {
		// History already holds the raw question; the composed prompt
		// with the attachment content replaces it.
		c.sess.ReplaceLast(userMsg)
	}
	messages := c.sess.PromptContext(cfg.SystemPrompt())
	opts := &ollama.Options{
		Temperature: cfg.Generation.Temperature,
		NumPredict:  cfg.Generation.MaxTokens,
	}

	task := bridge.Run(ctx, c.srv.client, model, messages, opts, bridge.Config{
		StallTimeout: cfg.StallTimeout(),
	})
	// On terminal events the session is updated and the slot released
	// before the envelope goes out, so a client that reacts to the
	// terminal immediately never races the slot and gets a busy error.
	for ev := range task.Events() {
		switch ev.Type {
		case bridge.EventToken:
			c.send(tokenEnvelope{Type: TypeToken, Content: ev.Token})
		case bridge.EventDone:
			c.sess.AppendAssistant(ev.Text)
			c.sess.Deactivate()
			c.send(doneEnvelope{Type: TypeDone})
			c.log.Info("CHAT_DONE", zap.String("model", model), zap.Int("chars", len(ev.Text)))
		case bridge.EventCancelled:
			c.sess.AppendAssistant(ev.Text)
			c.sess.Deactivate()
			c.send(doneEnvelope{Type: TypeCancelled})
			c.log.Info("CHAT_CANCELLED", zap.Int("partial_chars", len(ev.Text)))
		case bridge.EventError:
			msg := userError(ev.Err)
			c.sess.AppendAssistant("Error: " + msg)
			c.sess.Deactivate()
			c.sendError(classifyError(ev.Err), msg)
			c.log.Warn("CHAT_FAIL", zap.Error(ev.Err))
		}
	}
}

// =============================================================================
// DOCUMENT SUMMARIES
// =============================================================================

func (c *wsConn) handleFolderSummary(ctx context.Context, cfg *config.Config, env *inboundEnvelope) {
	fp := strings.TrimSpace(env.FolderPath)
	if fp == "" {
		c.sendError(KindValidation, "Missing folder_path")
		return
	}
	folder, err := summarize.ValidateFolder(fp, cfg.Server.AllowedFolderBases)
	if err != nil {
		c.sendError(classifyError(err), err.Error())
		return
	}
	recursive := true
	if env.Recursive != nil {
		recursive = *env.Recursive
	}

	cctx, cancel := context.WithCancelCause(ctx)
	if !c.sess.TryActivate(cancel) {
		cancel(nil)
		c.sendError(KindBusy, "A response is already streaming; send stop first")
		return
	}

	model := strings.TrimSpace(env.Model)
	go func() {
		defer c.sess.Deactivate()
		sum := c.srv.newSummarizer(cfg)
		err := sum.Folder(cctx, model, folder, recursive, c.srv.extract, c.emitFileResult)
		c.sess.Deactivate()
		c.finishSummary(err)
	}()
}

func (c *wsConn) handleMultiFileSummary(ctx context.Context, cfg *config.Config, env *inboundEnvelope) {
	if len(env.FileIDs) == 0 {
		c.sendError(KindValidation, "Missing file_ids")
		return
	}
	files, err := c.srv.uploads.GetAll(env.FileIDs)
	if err != nil {
		c.sendError(KindValidation, "File not found")
		return
	}

	cctx, cancel := context.WithCancelCause(ctx)
	if !c.sess.TryActivate(cancel) {
		cancel(nil)
		c.sendError(KindBusy, "A response is already streaming; send stop first")
		return
	}

	items := make([]summarize.NamedText, len(files))
	for i, f := range files {
		items[i] = summarize.NamedText{Name: f.Name, Text: f.Text}
	}
	model := strings.TrimSpace(env.Model)
	go func() {
		defer c.sess.Deactivate()
		sum := c.srv.newSummarizer(cfg)
		err := sum.Files(cctx, model, items, c.emitFileResult)
		c.sess.Deactivate()
		c.finishSummary(err)
	}()
}

func (c *wsConn) emitFileResult(res summarize.FileResult) error {
	return c.send(folderFileEnvelope{
		Type:    TypeFolderFile,
		Name:    res.Name,
		Summary: res.Summary,
		Error:   res.Err,
	})
}

func (c *wsConn) finishSummary(err error) {
	switch {
	case err == nil:
		c.send(doneEnvelope{Type: TypeFolderDone})
	case errors.Is(err, bridge.ErrStopped):
		c.send(doneEnvelope{Type: TypeCancelled})
		c.log.Info("SUMMARY_CANCELLED")
	case errors.Is(err, context.Canceled):
		// Connection gone; nothing to report.
	default:
		c.sendError(classifyError(err), userError(err))
		c.log.Warn("SUMMARY_FAIL", zap.Error(err))
	}
}

// =============================================================================
// WRITES
// =============================================================================

// send serializes socket writes. A write deadline bounds each write so a
// stalled-but-open client cannot park the streaming goroutine forever.
func (c *wsConn) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.srv.writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) sendError(kind, message string) {
	c.send(errorEnvelope{Type: TypeError, Kind: kind, Message: message})
}

// userError turns a task failure into a client-facing reason.
func userError(err error) string {
	switch {
	case err == nil:
		return "Generation failed"
	case errors.Is(err, bridge.ErrStalled):
		return "Model produced no output in time"
	case ollama.IsNotRunning(err):
		return "Ollama is not running. Please start Ollama."
	default:
		return err.Error()
	}
}
