/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	Endpoint        string // empty for AWS, set for MinIO and friends
	UsePathStyle    bool
}

// S3Backend implements Backend using S3-compatible object storage.
type S3Backend struct {
	client *s3.Client
	config S3Config
	logger zerolog.Logger
}

// NewS3Backend creates an S3 storage backend.
func NewS3Backend(ctx context.Context, cfg S3Config, logger zerolog.Logger) (*S3Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Backend{
		client: client,
		config: cfg,
		logger: logger.With().Str("component", "storage_s3").Logger(),
	}, nil
}

// Store uploads an asset file.
func (b *S3Backend) Store(ctx context.Context, fileKey string, file io.Reader) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(fileKey),
		Body:   file,
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	b.logger.Debug().Str("bucket", b.config.Bucket).Str("file_key", fileKey).Msg("object stored")
	return nil
}

// Open returns a reader for the asset object.
func (b *S3Backend) Open(ctx context.Context, fileKey string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(fileKey),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	return out.Body, nil
}

// Delete removes an asset object.
func (b *S3Backend) Delete(ctx context.Context, fileKey string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(fileKey),
	})
	if err != nil {
		return fmt.Errorf("s3 delete object: %w", err)
	}
	return nil
}

// PlaybackURI returns the object URL the encoder reads from.
func (b *S3Backend) PlaybackURI(fileKey string) string {
	if b.config.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(b.config.Endpoint, "/"), b.config.Bucket, fileKey)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", b.config.Bucket, b.config.Region, fileKey)
}

// CheckAccess verifies the bucket is reachable.
func (b *S3Backend) CheckAccess(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.config.Bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 head bucket %s: %w", b.config.Bucket, err)
	}
	return nil
}
