// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session holds per-connection conversation state.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/ollama"
)

// =============================================================================
// MESSAGES
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

// Preview returns the first maxLen runes of the content, single-lined.
func (m Message) Preview(maxLen int) string {
	s := strings.Join(strings.Fields(m.Content), " ")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// =============================================================================
// SESSION
// =============================================================================

// Session is the conversation state of one client connection. All methods
// are safe for concurrent use; the read loop and the streaming task touch
// the same session.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu       sync.Mutex
	title    string
	model    string // override; empty means server default
	messages []Message
	maxMsgs  int

	// Active task gate. At most one streaming task runs per session.
	cancelActive context.CancelCauseFunc
}

// New creates an empty session capped at maxMessages entries.
func New(maxMessages int) *Session {
	if maxMessages < 2 {
		maxMessages = 2
	}
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		maxMsgs:   maxMessages,
	}
}

// Title returns the session title, derived from the first user message.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.title == "" {
		return "New conversation"
	}
	return s.title
}

// Model returns the per-session model override, or "" for the default.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetModel sets a per-session model override.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

// Len returns the number of stored messages.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// History returns a copy of the stored messages.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// AppendUser records a user message. If the history is at capacity the
// oldest user/assistant pairs are dropped first, leaving room for this
// message and the assistant reply that follows it.
func (s *Session) AppendUser(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.messages) > s.maxMsgs-2 {
		s.messages = dropOldestPair(s.messages)
	}
	if s.title == "" {
		s.title = Message{Content: content}.Preview(50)
	}
	s.messages = append(s.messages, Message{Role: RoleUser, Content: content, Time: time.Now()})
}

// AppendAssistant records an assistant message and trims the history back
// to capacity.
func (s *Session) AppendAssistant(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Role: RoleAssistant, Content: content, Time: time.Now()})
	for len(s.messages) > s.maxMsgs {
		s.messages = dropOldestPair(s.messages)
	}
}

// ReplaceHistory swaps the stored messages for the client-provided ones,
// truncated to capacity from the oldest end. Roles other than user or
// assistant are dropped.
func (s *Session) ReplaceHistory(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clean := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		clean = append(clean, m)
	}
	if len(clean) > s.maxMsgs {
		clean = clean[len(clean)-s.maxMsgs:]
	}
	s.messages = clean
	s.title = ""
	for _, m := range s.messages {
		if m.Role == RoleUser {
			s.title = m.Preview(50)
			break
		}
	}
}

// ReplaceLast swaps the content of the newest message. Used when a
// client-supplied history already ends with the raw question and the
// attachment-composed prompt must take its place. Appends instead when the
// history is empty.
func (s *Session) ReplaceLast(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		s.messages = append(s.messages, Message{Role: RoleUser, Content: content, Time: time.Now()})
		return
	}
	s.messages[len(s.messages)-1].Content = content
}

// dropOldestPair removes the oldest message and, when the next message is
// an assistant reply to it, that reply too. Called with s.mu held.
func dropOldestPair(msgs []Message) []Message {
	if len(msgs) == 0 {
		return msgs
	}
	n := 1
	if len(msgs) >= 2 && msgs[0].Role == RoleUser && msgs[1].Role == RoleAssistant {
		n = 2
	}
	return msgs[n:]
}

// PromptContext builds the backend message list: the system prompt, when
// non-empty, followed by the stored history.
func (s *Session) PromptContext(systemPrompt string) []ollama.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ollama.Message, 0, len(s.messages)+1)
	if systemPrompt != "" {
		out = append(out, ollama.NewSystemMessage(systemPrompt))
	}
	for _, m := range s.messages {
		out = append(out, ollama.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// =============================================================================
// ACTIVE TASK GATE
// =============================================================================

// TryActivate claims the session's single streaming slot. It returns false
// if a task is already running. The cancel func is kept so Stop can abort
// the task from the read loop.
func (s *Session) TryActivate(cancel context.CancelCauseFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelActive != nil {
		return false
	}
	s.cancelActive = cancel
	return true
}

// Deactivate releases the streaming slot. Safe to call when idle.
func (s *Session) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelActive = nil
}

// CancelActive cancels the running task with the given cause, if any.
// Returns false when the session is idle.
func (s *Session) CancelActive(cause error) bool {
	s.mu.Lock()
	cancel := s.cancelActive
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(cause)
	return true
}

// Busy reports whether a streaming task currently holds the slot.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelActive != nil
}
