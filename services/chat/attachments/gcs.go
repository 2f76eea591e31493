// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStore is an ObjectStore backed by a Google Cloud Storage bucket.
type GCSStore struct {
	client     *storage.Client
	bucketName string
}

// NewGCSStore creates a store for bucketName.
//
// # Description
//
// When credentialsFile is set it must point at a service account key; the
// key is also used to sign URLs. When empty, Application Default
// Credentials are used and URL signing falls back to the IAM signBlob API.
//
// # Outputs
//
//   - *GCSStore: Ready for use. Close releases the client.
//   - error: Non-nil if the key file is missing or the client fails.
func NewGCSStore(ctx context.Context, bucketName, credentialsFile string) (*GCSStore, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("gcs: bucket name is required")
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		info, err := os.Stat(credentialsFile)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		if err == nil && info.IsDir() {
			return nil, fmt.Errorf("service account key path is a directory: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucketName: bucketName}, nil
}

// Read downloads an object.
func (s *GCSStore) Read(ctx context.Context, key string, limit int64) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	reader, err := s.client.Bucket(s.bucketName).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("gs://%s/%s: %w", s.bucketName, key, ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object %s: %w", key, err)
	}
	defer reader.Close()

	if limit > 0 && reader.Attrs.Size > limit {
		return nil, ErrObjectTooLarge
	}
	return readLimited(reader, limit)
}

// Write uploads an object.
func (s *GCSStore) Write(ctx context.Context, key, contentType string, r io.Reader) error {
	if key == "" {
		return ErrInvalidKey
	}
	writer := s.client.Bucket(s.bucketName).Object(key).NewWriter(ctx)
	writer.ContentType = contentType
	writer.CacheControl = "private, max-age=0"

	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to copy to GCS object %s: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", key, err)
	}
	return nil
}

// SignedURL returns a V4 signed URL.
func (s *GCSStore) SignedURL(_ context.Context, method, key, contentType string, ttl time.Duration) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	if !validMethod(method) {
		return "", fmt.Errorf("gcs: unsupported signed URL method %q", method)
	}
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  method,
		Expires: time.Now().Add(ttl),
	}
	if method == "PUT" && contentType != "" {
		opts.ContentType = contentType
	}
	url, err := s.client.Bucket(s.bucketName).SignedURL(key, opts)
	if err != nil {
		return "", fmt.Errorf("failed to sign URL for %s: %w", key, err)
	}
	return url, nil
}

// Close releases the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
