// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bridge runs backend inference calls as cancellable streaming tasks.
package bridge

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/ollama"
)

// =============================================================================
// EVENTS
// =============================================================================

// EventType classifies bridge events.
type EventType int

const (
	// EventToken carries one text fragment.
	EventToken EventType = iota
	// EventDone terminates a stream that completed normally.
	EventDone
	// EventError terminates a stream that failed.
	EventError
	// EventCancelled terminates a stream stopped by the user.
	EventCancelled
)

// Event is one item on a task's event channel. A task emits zero or more
// EventToken events followed by exactly one terminal event, then the
// channel closes.
type Event struct {
	Type EventType
	// Token is the fragment carried by an EventToken.
	Token string
	// Text is the full accumulated output, set on terminal events. On
	// EventError and EventCancelled it holds whatever arrived before the
	// stream ended.
	Text string
	// Err is set on EventError.
	Err error
}

// Cancellation causes and watchdog errors.
var (
	// ErrStopped cancels a task at the user's request.
	ErrStopped = errors.New("stopped by user")
	// ErrStalled aborts a task that produced no tokens within the stall
	// ceiling.
	ErrStalled = errors.New("model stalled")
)

// =============================================================================
// BACKEND
// =============================================================================

// Backend is the inference surface the bridge drives. *ollama.Client
// satisfies it.
type Backend interface {
	ChatStream(ctx context.Context, model string, messages []ollama.Message, opts *ollama.Options, callback ollama.StreamCallback) error
}

// Config tunes task behavior.
type Config struct {
	// StallTimeout aborts the task when no token arrives for this long.
	// It also bounds the wait for the first token. Zero disables the
	// watchdog.
	StallTimeout time.Duration
	// Buffer is the event channel capacity.
	Buffer int
}

// =============================================================================
// TASK
// =============================================================================

// Task is one in-flight streaming inference call.
type Task struct {
	events chan Event
}

// Events returns the task's event stream. The consumer must drain it
// until it closes; the terminal event is always delivered before close.
func (t *Task) Events() <-chan Event {
	return t.events
}

// Run starts an inference call on its own goroutine and returns the task.
// Cancel via ctx: a cause of ErrStopped yields EventCancelled, anything
// else yields EventError.
func Run(ctx context.Context, backend Backend, model string, messages []ollama.Message, opts *ollama.Options, cfg Config) *Task {
	if cfg.Buffer < 1 {
		cfg.Buffer = 32
	}
	t := &Task{events: make(chan Event, cfg.Buffer)}
	go t.run(ctx, backend, model, messages, opts, cfg)
	return t
}

func (t *Task) run(ctx context.Context, backend Backend, model string, messages []ollama.Message, opts *ollama.Options, cfg Config) {
	defer close(t.events)

	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var watchdog *time.Timer
	if cfg.StallTimeout > 0 {
		watchdog = time.AfterFunc(cfg.StallTimeout, func() {
			cancel(ErrStalled)
		})
		defer watchdog.Stop()
	}

	var sb strings.Builder
	err := backend.ChatStream(sctx, model, messages, opts, func(chunk ollama.StreamChunk) error {
		if chunk.Content == "" {
			return nil
		}
		if watchdog != nil {
			watchdog.Reset(cfg.StallTimeout)
		}
		select {
		case t.events <- Event{Type: EventToken, Token: chunk.Content}:
			sb.WriteString(chunk.Content)
			return nil
		case <-sctx.Done():
			return context.Cause(sctx)
		}
	})

	text := sb.String()
	cause := context.Cause(sctx)
	switch {
	case err == nil:
		t.events <- Event{Type: EventDone, Text: text}
	case errors.Is(err, ErrStopped) || errors.Is(cause, ErrStopped):
		t.events <- Event{Type: EventCancelled, Text: text}
	case errors.Is(err, ErrStalled) || errors.Is(cause, ErrStalled):
		t.events <- Event{Type: EventError, Text: text, Err: ErrStalled}
	default:
		t.events <- Event{Type: EventError, Text: text, Err: err}
	}
}
