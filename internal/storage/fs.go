/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// FilesystemBackend implements Backend using local disk.
type FilesystemBackend struct {
	rootDir string
	logger  zerolog.Logger
}

// NewFilesystemBackend creates a filesystem-based storage backend.
func NewFilesystemBackend(rootDir string, logger zerolog.Logger) *FilesystemBackend {
	return &FilesystemBackend{
		rootDir: rootDir,
		logger:  logger.With().Str("component", "storage_fs").Logger(),
	}
}

// fullPath joins a file key with the root, rejecting keys that would
// escape the media root.
func (fs *FilesystemBackend) fullPath(fileKey string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(fileKey))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("file key escapes media root: %s", fileKey)
	}
	return filepath.Join(fs.rootDir, clean), nil
}

// Store writes an asset file under the media root.
func (fs *FilesystemBackend) Store(ctx context.Context, fileKey string, file io.Reader) error {
	fullPath, err := fs.fullPath(fileKey)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	dest, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, file); err != nil {
		os.Remove(fullPath) // Clean up on failure
		return fmt.Errorf("write file: %w", err)
	}

	fs.logger.Debug().Str("path", fullPath).Str("file_key", fileKey).Msg("file stored")
	return nil
}

// Open returns a reader for the asset file.
func (fs *FilesystemBackend) Open(ctx context.Context, fileKey string) (io.ReadCloser, error) {
	fullPath, err := fs.fullPath(fileKey)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete removes an asset file.
func (fs *FilesystemBackend) Delete(ctx context.Context, fileKey string) error {
	fullPath, err := fs.fullPath(fileKey)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	fs.logger.Debug().Str("path", fullPath).Msg("file deleted")
	return nil
}

// PlaybackURI returns the local path the encoder reads from.
func (fs *FilesystemBackend) PlaybackURI(fileKey string) string {
	fullPath, err := fs.fullPath(fileKey)
	if err != nil {
		return ""
	}
	return fullPath
}

// CheckAccess verifies the media root exists and is a directory.
func (fs *FilesystemBackend) CheckAccess(ctx context.Context) error {
	info, err := os.Stat(fs.rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("media root directory does not exist: %s", fs.rootDir)
		}
		return fmt.Errorf("cannot access media root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("media root is not a directory: %s", fs.rootDir)
	}
	return nil
}
