// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chunker splits long documents into word-bounded chunks.
package chunker

import "unicode"

// DefaultMaxWords is the per-chunk word bound used when none is configured.
const DefaultMaxWords = 6000

// =============================================================================
// SPLITTING
// =============================================================================

// Split divides text into chunks of at most maxWords words each. Words are
// maximal runs of non-whitespace. A chunk ends immediately before the first
// rune of the word that would exceed the bound, so whitespace between words
// stays attached to the chunk that precedes it and concatenating the chunks
// reproduces text exactly. Only the final chunk may hold fewer than maxWords
// words. Empty text yields no chunks.
func Split(text string, maxWords int) []string {
	if text == "" {
		return nil
	}
	if maxWords < 1 {
		maxWords = 1
	}

	var chunks []string
	start := 0
	words := 0
	inWord := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			if words == maxWords {
				chunks = append(chunks, text[start:i])
				start = i
				words = 0
			}
			words++
			inWord = true
		}
	}
	return append(chunks, text[start:])
}

// WordCount returns the number of whitespace-separated words in text.
func WordCount(text string) int {
	n := 0
	inWord := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}

// NeedsSplit reports whether text exceeds maxWords words.
func NeedsSplit(text string, maxWords int) bool {
	if maxWords < 1 {
		maxWords = 1
	}
	n := 0
	inWord := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
			if n > maxWords {
				return true
			}
		}
	}
	return false
}
