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
	"io"
	"net/http"
	"time"
)

var (
	// ErrObjectNotFound is returned when no object exists under a key.
	ErrObjectNotFound = errors.New("object not found")

	// ErrObjectTooLarge is returned by Read when an object exceeds the limit.
	ErrObjectTooLarge = errors.New("object too large")

	// ErrInvalidKey is returned for keys that are empty or escape the store.
	ErrInvalidKey = errors.New("invalid object key")
)

// ObjectStore holds attachment bytes keyed by file key.
//
// # Description
//
// Clients never stream attachment bytes through the chat service. They
// upload directly to a signed PUT URL, and models either fetch a signed GET
// URL or receive bytes read by Read.
type ObjectStore interface {
	// Read returns the object's bytes. Objects larger than limit fail with
	// ErrObjectTooLarge; a limit <= 0 means no limit.
	Read(ctx context.Context, key string, limit int64) ([]byte, error)

	// Write stores an object.
	Write(ctx context.Context, key, contentType string, r io.Reader) error

	// SignedURL returns a URL granting method (GET or PUT) on key until ttl
	// elapses. For PUT, contentType is bound into the signature.
	SignedURL(ctx context.Context, method, key, contentType string, ttl time.Duration) (string, error)

	// Close releases any client resources.
	Close() error
}

// readLimited reads at most limit bytes from r, failing with
// ErrObjectTooLarge if more are available.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrObjectTooLarge
	}
	return data, nil
}

func validMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodPut
}
