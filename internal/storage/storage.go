/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package storage resolves catalog asset file keys against an object
// store. The encoder pipeline only ever sees a playback URI, so the
// same playlog works whether assets live on local disk or in S3.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/retrovue/retrovue/internal/config"
)

// Backend abstracts asset file storage operations.
type Backend interface {
	// Store writes an asset file under the given key.
	Store(ctx context.Context, fileKey string, file io.Reader) error
	// Open returns a reader for the asset file.
	Open(ctx context.Context, fileKey string) (io.ReadCloser, error)
	Delete(ctx context.Context, fileKey string) error
	// PlaybackURI returns the URI the encoder process reads from.
	PlaybackURI(fileKey string) string
	CheckAccess(ctx context.Context) error
}

// Service wraps the configured backend with logging.
type Service struct {
	backend Backend
	logger  zerolog.Logger
}

// NewService selects the backend from config.
func NewService(cfg *config.Config, logger zerolog.Logger) (*Service, error) {
	var backend Backend

	switch cfg.StorageBackend {
	case "s3":
		s3cfg := S3Config{
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Endpoint:        cfg.S3Endpoint,
			UsePathStyle:    cfg.S3UsePathStyle,
		}
		if s3cfg.AccessKeyID == "" || s3cfg.SecretAccessKey == "" {
			logger.Warn().Msg("S3 credentials not configured, falling back to the ambient credential chain")
		}
		s3Backend, err := NewS3Backend(context.Background(), s3cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize s3 storage: %w", err)
		}
		backend = s3Backend
	default:
		backend = NewFilesystemBackend(cfg.MediaRoot, logger)
	}

	return &Service{
		backend: backend,
		logger:  logger.With().Str("component", "storage").Logger(),
	}, nil
}

// Store saves an asset file under its key.
func (s *Service) Store(ctx context.Context, fileKey string, file io.Reader) error {
	if err := s.backend.Store(ctx, fileKey, file); err != nil {
		s.logger.Error().Err(err).Str("file_key", fileKey).Msg("asset store failed")
		return fmt.Errorf("store asset: %w", err)
	}
	s.logger.Info().Str("file_key", fileKey).Msg("asset stored")
	return nil
}

// Open returns a reader for an asset file.
func (s *Service) Open(ctx context.Context, fileKey string) (io.ReadCloser, error) {
	return s.backend.Open(ctx, fileKey)
}

// Delete removes an asset file.
func (s *Service) Delete(ctx context.Context, fileKey string) error {
	if err := s.backend.Delete(ctx, fileKey); err != nil {
		s.logger.Error().Err(err).Str("file_key", fileKey).Msg("asset delete failed")
		return fmt.Errorf("delete asset: %w", err)
	}
	return nil
}

// PlaybackURI returns the URI handed to the encoder for a file key.
func (s *Service) PlaybackURI(fileKey string) string {
	return s.backend.PlaybackURI(fileKey)
}

// CheckAccess verifies the backend is reachable at startup.
func (s *Service) CheckAccess() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.backend.CheckAccess(ctx)
}
