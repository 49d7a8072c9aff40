// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package summarize

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// =============================================================================
// FOLDER VALIDATION
// =============================================================================

// Folder validation errors.
var (
	ErrFolderNotFound   = errors.New("folder not found")
	ErrNotDirectory     = errors.New("not a directory")
	ErrFolderNotAllowed = errors.New("folder path is not in the allowed list")
)

// ValidateFolder resolves and checks a client-supplied folder path. When
// allowedBases is non-empty the path must sit under one of them.
func ValidateFolder(path string, allowedBases []string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrFolderNotFound, path)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrFolderNotFound, abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}
	if len(allowedBases) == 0 {
		return abs, nil
	}
	for _, base := range allowedBases {
		b, err := filepath.Abs(base)
		if err != nil {
			continue
		}
		if abs == b || strings.HasPrefix(abs, b+string(os.PathSeparator)) {
			return abs, nil
		}
	}
	return "", ErrFolderNotAllowed
}

// =============================================================================
// FILE COLLECTION
// =============================================================================

// textExtensions are the formats read directly as plain text.
var textExtensions = map[string]bool{
	".txt": true,
	".csv": true,
	".md":  true,
	".log": true,
}

// Extractor turns a file path into text. Formats beyond plain text can be
// supported by wrapping the default.
type Extractor func(path string) (string, error)

// ReadTextFile is the default extractor for plain-text formats.
func ReadTextFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CollectFiles lists supported files in a folder, sorted by path. With
// recursive set it descends into subfolders.
func CollectFiles(folder string, recursive bool) ([]string, error) {
	var paths []string
	if recursive {
		err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && textExtensions[strings.ToLower(filepath.Ext(path))] {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		entries, err := os.ReadDir(folder)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && textExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
				paths = append(paths, filepath.Join(folder, e.Name()))
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// =============================================================================
// FOLDER SUMMARIZATION
// =============================================================================

// Folder summarizes each supported file under folder, emitting results one
// by one. extract may be nil, in which case plain-text reading is used.
// An unreadable file is reported in its result and skipped.
func (s *Summarizer) Folder(ctx context.Context, model, folder string, recursive bool, extract Extractor, emit EmitFunc) error {
	if extract == nil {
		extract = ReadTextFile
	}
	paths, err := CollectFiles(folder, recursive)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return emit(FileResult{
			Name: filepath.Base(folder),
			Err:  "No supported files (.txt, .csv, .md, .log) in this folder.",
		})
	}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		name := filepath.Base(path)
		text, err := extract(path)
		if err != nil {
			if err := emit(FileResult{Name: name, Err: fmt.Sprintf("Failed to read file: %v", err)}); err != nil {
				return err
			}
			continue
		}
		summary, err := s.Text(ctx, model, text)
		res := FileResult{Name: name, Summary: strings.TrimSpace(summary)}
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			res.Err = fmt.Sprintf("Summarization failed: %v", err)
		}
		if err := emit(res); err != nil {
			return err
		}
	}
	return nil
}
