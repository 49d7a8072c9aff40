// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/ollama"
)

// fakeOllama scripts the backend for websocket tests.
type fakeOllama struct {
	// tokens streamed per chat call.
	tokens []string
	// delay between streamed tokens.
	delay time.Duration
	// hangAfter stops producing tokens after this many, without a done
	// chunk, until the client goes away.
	hangAfter int
	// block holds the chat handler until closed. nil means no blocking.
	block chan struct{}

	mu       sync.Mutex
	lastChat ollama.ChatRequest
}

// lastRequest returns the most recent chat request the backend received.
func (f *fakeOllama) lastRequest() ollama.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastChat
}

func (f *fakeOllama) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"test-model"}]}`)
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req ollama.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("fake backend: bad request: %v", err)
			return
		}
		f.mu.Lock()
		f.lastChat = req
		f.mu.Unlock()
		if f.block != nil {
			select {
			case <-f.block:
			case <-r.Context().Done():
				return
			}
		}
		flusher := w.(http.Flusher)
		if !req.Stream {
			json.NewEncoder(w).Encode(ollama.ChatResponse{
				Message: ollama.NewAssistantMessage("summary of input"),
				Done:    true,
			})
			return
		}
		for i, tok := range f.tokens {
			if f.hangAfter > 0 && i >= f.hangAfter {
				<-r.Context().Done()
				return
			}
			if f.delay > 0 {
				select {
				case <-time.After(f.delay):
				case <-r.Context().Done():
					return
				}
			}
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", tok)
			flusher.Flush()
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`)
		flusher.Flush()
	})
	return mux
}

// testRig wires a fake backend, server, and websocket client together.
type testRig struct {
	srv     *Server
	httpSrv *httptest.Server
	ws      *websocket.Conn
}

func newTestRig(t *testing.T, fake *fakeOllama, mutate func(*config.Config)) *testRig {
	t.Helper()
	backend := httptest.NewServer(fake.handler(t))
	t.Cleanup(backend.Close)

	cfg := config.Default()
	cfg.Ollama.URL = backend.URL
	cfg.Ollama.DefaultModel = "test-model"
	if mutate != nil {
		mutate(cfg)
	}

	client := ollama.NewClient(&ollama.ClientConfig{
		BaseURL:      cfg.Ollama.URL,
		DefaultModel: cfg.Ollama.DefaultModel,
	})
	srv := New(cfg, "", zaptest.NewLogger(t), client)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	return &testRig{srv: srv, httpSrv: httpSrv, ws: ws}
}

func (r *testRig) send(t *testing.T, v any) {
	t.Helper()
	if err := r.ws.WriteJSON(v); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func (r *testRig) recv(t *testing.T) map[string]any {
	t.Helper()
	r.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env map[string]any
	if err := r.ws.ReadJSON(&env); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return env
}

// recvUntil reads envelopes until one of the given types arrives, returning
// it along with any token content seen on the way.
func (r *testRig) recvUntil(t *testing.T, types ...string) (map[string]any, string) {
	t.Helper()
	var text strings.Builder
	for i := 0; i < 1000; i++ {
		env := r.recv(t)
		typ, _ := env["type"].(string)
		if typ == TypeToken {
			text.WriteString(env["content"].(string))
			continue
		}
		for _, want := range types {
			if typ == want {
				return env, text.String()
			}
		}
		t.Fatalf("unexpected envelope %v while waiting for %v", env, types)
	}
	t.Fatal("no terminal envelope")
	return nil, ""
}

// =============================================================================
// CHAT
// =============================================================================

func TestChatStreamsTokensThenDone(t *testing.T) {
	rig := newTestRig(t, &fakeOllama{tokens: []string{"Hel", "lo", "!"}}, nil)
	rig.send(t, map[string]any{"type": "chat", "message": "hi"})

	env, text := rig.recvUntil(t, TypeDone)
	if env["type"] != TypeDone {
		t.Fatalf("terminal %v, want done", env)
	}
	if text != "Hello!" {
		t.Errorf("streamed text %q, want Hello!", text)
	}
}

func TestChatWithHistorySendsQuestionOnce(t *testing.T) {
	fake := &fakeOllama{tokens: []string{"sure"}}
	rig := newTestRig(t, fake, nil)

	// Client-supplied history is the complete conversation, ending with the
	// question being asked now.
	rig.send(t, map[string]any{
		"type":    "chat",
		"message": "and then?",
		"history": []map[string]string{
			{"role": "user", "content": "tell me a story"},
			{"role": "assistant", "content": "once upon a time"},
			{"role": "user", "content": "and then?"},
		},
	})
	if env, _ := rig.recvUntil(t, TypeDone); env["type"] != TypeDone {
		t.Fatalf("chat did not finish: %v", env)
	}

	var asked int
	for _, m := range fake.lastRequest().Messages {
		if m.Role == "user" && m.Content == "and then?" {
			asked++
		}
	}
	if asked != 1 {
		t.Errorf("question sent %d times, want once; prompt %v", asked, fake.lastRequest().Messages)
	}
}

func TestSequentialChatsNeverBusy(t *testing.T) {
	rig := newTestRig(t, &fakeOllama{tokens: []string{"ok"}}, nil)

	// Each chat is sent immediately after the previous done envelope. The
	// session slot must already be free at that point.
	for i := 0; i < 5; i++ {
		rig.send(t, map[string]any{"type": "chat", "message": fmt.Sprintf("turn %d", i)})
		env, _ := rig.recvUntil(t, TypeDone)
		if env["type"] != TypeDone {
			t.Fatalf("turn %d rejected: %v", i, env)
		}
	}
}

func TestChatBusyRejectedWithoutQueueing(t *testing.T) {
	fake := &fakeOllama{tokens: []string{"x"}, block: make(chan struct{})}
	rig := newTestRig(t, fake, nil)

	rig.send(t, map[string]any{"type": "chat", "message": "first"})
	rig.send(t, map[string]any{"type": "chat", "message": "second"})

	env := rig.recv(t)
	if env["type"] != TypeError || env["kind"] != KindBusy {
		t.Fatalf("expected busy error, got %v", env)
	}

	// The first request still completes once the backend unblocks.
	close(fake.block)
	env, _ = rig.recvUntil(t, TypeDone)
	if env["type"] != TypeDone {
		t.Errorf("first chat did not finish: %v", env)
	}
}

func TestStopCancelsStream(t *testing.T) {
	tokens := make([]string, 200)
	for i := range tokens {
		tokens[i] = "t "
	}
	rig := newTestRig(t, &fakeOllama{tokens: tokens, delay: 10 * time.Millisecond}, nil)

	rig.send(t, map[string]any{"type": "chat", "message": "go"})
	// Wait for streaming to start before stopping.
	first := rig.recv(t)
	if first["type"] != TypeToken {
		t.Fatalf("expected a token first, got %v", first)
	}
	rig.send(t, map[string]any{"type": "stop"})

	env, _ := rig.recvUntil(t, TypeCancelled)
	if env["type"] != TypeCancelled {
		t.Fatalf("expected cancelled terminal, got %v", env)
	}

	// The slot is free again.
	rig.send(t, map[string]any{"type": "chat", "message": "again"})
	env, _ = rig.recvUntil(t, TypeDone, TypeCancelled)
	if env["type"] != TypeDone {
		t.Errorf("follow-up chat failed: %v", env)
	}
}

func TestStallWatchdogReportsBackendTimeout(t *testing.T) {
	rig := newTestRig(t, &fakeOllama{tokens: []string{"a", "b"}, hangAfter: 1}, func(cfg *config.Config) {
		cfg.Ollama.StallTimeoutSecs = 1
	})

	rig.send(t, map[string]any{"type": "chat", "message": "hi"})
	env, _ := rig.recvUntil(t, TypeError)
	if env["kind"] != KindBackendTimeout {
		t.Errorf("expected backend_timeout, got %v", env)
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestOversizedEnvelopeKeepsConnection(t *testing.T) {
	rig := newTestRig(t, &fakeOllama{tokens: []string{"ok"}}, func(cfg *config.Config) {
		cfg.Limits.MaxMessageBytes = 256
	})

	big := strings.Repeat("x", 512)
	rig.send(t, map[string]any{"type": "chat", "message": big})
	env := rig.recv(t)
	if env["type"] != TypeError || env["kind"] != KindValidation {
		t.Fatalf("expected validation error, got %v", env)
	}

	// Same connection still works.
	rig.send(t, map[string]any{"type": "chat", "message": "hi"})
	env, _ = rig.recvUntil(t, TypeDone)
	if env["type"] != TypeDone {
		t.Errorf("connection unusable after oversized envelope: %v", env)
	}
}

func TestMalformedJSON(t *testing.T) {
	rig := newTestRig(t, &fakeOllama{}, nil)
	if err := rig.ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	env := rig.recv(t)
	if env["type"] != TypeError || env["kind"] != KindValidation {
		t.Errorf("expected validation error, got %v", env)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	rig := newTestRig(t, &fakeOllama{}, nil)
	rig.send(t, map[string]any{"type": "chat", "message": "   "})
	env := rig.recv(t)
	if env["type"] != TypeError || env["kind"] != KindValidation {
		t.Errorf("expected validation error, got %v", env)
	}
}

func TestMessageTooLongRejected(t *testing.T) {
	rig := newTestRig(t, &fakeOllama{}, func(cfg *config.Config) {
		cfg.Limits.MaxMessageLength = 10
	})
	rig.send(t, map[string]any{"type": "chat", "message": strings.Repeat("a", 11)})
	env := rig.recv(t)
	if env["type"] != TypeError || env["kind"] != KindValidation {
		t.Errorf("expected validation error, got %v", env)
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	rig := newTestRig(t, &fakeOllama{}, nil)
	rig.send(t, map[string]any{"type": "bogus"})
	env := rig.recv(t)
	if env["type"] != TypeError || !strings.Contains(env["message"].(string), "Unknown type") {
		t.Errorf("expected unknown-type error, got %v", env)
	}
}

func TestLoadConversationIsInert(t *testing.T) {
	rig := newTestRig(t, &fakeOllama{tokens: []string{"ok"}}, nil)
	rig.send(t, map[string]any{"type": "load_conversation", "id": "anything"})
	// No reply to load_conversation: the next envelope received must belong
	// to the chat that follows.
	rig.send(t, map[string]any{"type": "chat", "message": "hi"})
	env, text := rig.recvUntil(t, TypeDone)
	if env["type"] != TypeDone || text != "ok" {
		t.Errorf("unexpected flow after load_conversation: %v %q", env, text)
	}
}

func TestStopWhileIdleIsIgnored(t *testing.T) {
	rig := newTestRig(t, &fakeOllama{tokens: []string{"ok"}}, nil)
	rig.send(t, map[string]any{"type": "stop"})
	rig.send(t, map[string]any{"type": "chat", "message": "hi"})
	env, _ := rig.recvUntil(t, TypeDone)
	if env["type"] != TypeDone {
		t.Errorf("chat after idle stop failed: %v", env)
	}
}

// =============================================================================
// DOCUMENT SUMMARIES
// =============================================================================

func uploadFile(t *testing.T, rig *testRig, name, content string) string {
	t.Helper()
	body := &strings.Builder{}
	boundary := "testboundary"
	fmt.Fprintf(body, "--%s\r\nContent-Disposition: form-data; name=\"file\"; filename=%q\r\n\r\n%s\r\n--%s--\r\n",
		boundary, name, content, boundary)
	req, err := http.NewRequest(http.MethodPost, rig.httpSrv.URL+"/api/upload", strings.NewReader(body.String()))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out["file_id"]
}

func TestMultiFileSummary(t *testing.T) {
	rig := newTestRig(t, &fakeOllama{}, nil)
	ids := []string{
		uploadFile(t, rig, "a.txt", "one two three four"),
		uploadFile(t, rig, "b.txt", "five six seven eight"),
	}

	rig.send(t, map[string]any{"type": "multi_file_summary", "file_ids": ids})

	var names []string
	for {
		env := rig.recv(t)
		switch env["type"] {
		case TypeFolderFile:
			names = append(names, env["name"].(string))
			if env["summary"] != "summary of input" {
				t.Errorf("unexpected summary %v", env["summary"])
			}
		case TypeFolderDone:
			if len(names) != 2 || names[0] != "a.txt" || names[1] != "b.txt" {
				t.Errorf("unexpected file order %v", names)
			}
			return
		default:
			t.Fatalf("unexpected envelope %v", env)
		}
	}
}

func TestMultiFileSummaryUnknownID(t *testing.T) {
	rig := newTestRig(t, &fakeOllama{}, nil)
	rig.send(t, map[string]any{"type": "multi_file_summary", "file_ids": []string{"missing"}})
	env := rig.recv(t)
	if env["type"] != TypeError || env["kind"] != KindValidation {
		t.Errorf("expected validation error, got %v", env)
	}
}

func TestFolderSummaryMissingPath(t *testing.T) {
	rig := newTestRig(t, &fakeOllama{}, nil)
	rig.send(t, map[string]any{"type": "folder_summary"})
	env := rig.recv(t)
	if env["type"] != TypeError || env["kind"] != KindValidation {
		t.Errorf("expected validation error, got %v", env)
	}
}

func TestFolderSummaryUnknownFolder(t *testing.T) {
	rig := newTestRig(t, &fakeOllama{}, nil)
	rig.send(t, map[string]any{"type": "folder_summary", "folder_path": "/does/not/exist"})
	env := rig.recv(t)
	if env["type"] != TypeError || env["kind"] != KindValidation {
		t.Errorf("expected validation error, got %v", env)
	}
}

func TestChatWithAttachmentInlinesShortFile(t *testing.T) {
	rig := newTestRig(t, &fakeOllama{tokens: []string{"answer"}}, nil)
	id := uploadFile(t, rig, "notes.txt", "short file body")

	rig.send(t, map[string]any{"type": "chat", "message": "what does it say?", "file_ids": []string{id}})
	env, text := rig.recvUntil(t, TypeDone)
	if env["type"] != TypeDone || text != "answer" {
		t.Errorf("attachment chat failed: %v %q", env, text)
	}
}

func TestChatWithAttachmentAllowsEmptyMessage(t *testing.T) {
	fake := &fakeOllama{tokens: []string{"summary"}}
	rig := newTestRig(t, fake, nil)
	id := uploadFile(t, rig, "notes.txt", "short file body")

	// An attachment alone is a valid question.
	rig.send(t, map[string]any{"type": "chat", "message": "", "file_ids": []string{id}})
	env, text := rig.recvUntil(t, TypeDone)
	if env["type"] != TypeDone || text != "summary" {
		t.Fatalf("attachment-only chat failed: %v %q", env, text)
	}
	msgs := fake.lastRequest().Messages
	if len(msgs) == 0 || !strings.Contains(msgs[len(msgs)-1].Content, "short file body") {
		t.Errorf("file content missing from prompt: %v", msgs)
	}
}

// =============================================================================
// SOCKET WRITES
// =============================================================================

func TestSendTimesOutOnStalledClient(t *testing.T) {
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		conns <- conn
	}))
	t.Cleanup(backend.Close)

	wsURL := "ws" + strings.TrimPrefix(backend.URL, "http") + "/ws"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })

	// The client never reads, so once the kernel buffers fill, writes must
	// fail within the deadline instead of blocking forever.
	c := &wsConn{
		srv:  &Server{writeTimeout: 50 * time.Millisecond},
		conn: <-conns,
	}
	payload := map[string]string{"content": strings.Repeat("x", 1<<20)}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := c.send(payload); err != nil {
			return
		}
	}
	t.Fatal("send never failed against a stalled client")
}
