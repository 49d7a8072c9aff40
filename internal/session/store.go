// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import "sync"

// =============================================================================
// STORE
// =============================================================================

// Store tracks live sessions by ID. One session exists per websocket
// connection; entries are removed when the connection closes.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	maxMsgs  int
}

// NewStore creates a store whose sessions cap history at maxMessages.
func NewStore(maxMessages int) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		maxMsgs:  maxMessages,
	}
}

// Create registers and returns a new session.
func (st *Store) Create() *Session {
	s := New(st.maxMsgs)
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	return s
}

// Get returns the session with the given ID, or nil.
func (st *Store) Get(id string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[id]
}

// Remove drops the session with the given ID.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
