// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package uploads stores client-provided documents for the current process.
package uploads

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEntries bounds the store when no limit is configured.
const DefaultMaxEntries = 20

// ErrNotFound is returned when an upload ID is unknown or evicted.
var ErrNotFound = errors.New("upload not found")

// File is one stored document.
type File struct {
	ID       string
	Name     string
	Text     string
	Words    int
	StoredAt time.Time
}

// =============================================================================
// STORE
// =============================================================================

// Store is a bounded in-memory upload store. When full, the oldest entry
// is evicted to make room. Contents do not survive a restart.
type Store struct {
	mu         sync.Mutex
	files      map[string]File
	order      []string // insertion order, oldest first
	maxEntries int
}

// NewStore creates a store holding at most maxEntries files.
func NewStore(maxEntries int) *Store {
	if maxEntries < 1 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{
		files:      make(map[string]File),
		maxEntries: maxEntries,
	}
}

// Put stores a document and returns its generated ID.
func (s *Store) Put(name, text string, words int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.order) >= s.maxEntries {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.files, oldest)
	}
	id := uuid.NewString()
	s.files[id] = File{
		ID:       id,
		Name:     name,
		Text:     text,
		Words:    words,
		StoredAt: time.Now(),
	}
	s.order = append(s.order, id)
	return id
}

// Get returns the stored file for id.
func (s *Store) Get(id string) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return File{}, ErrNotFound
	}
	return f, nil
}

// GetAll resolves a list of upload IDs, in order. Fails on the first
// unknown ID.
func (s *Store) GetAll(ids []string) ([]File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]File, 0, len(ids))
	for _, id := range ids {
		f, ok := s.files[id]
		if !ok {
			return nil, ErrNotFound
		}
		out = append(out, f)
	}
	return out, nil
}

// Len returns the number of stored files.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}
