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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DiskStore is an ObjectStore on the local filesystem for development.
//
// # Description
//
// Signed URLs point back at the chat service itself (see the files routes)
// and carry an HMAC-SHA256 signature over method, key, content type and
// expiry. They are only reachable by model providers when the service is,
// which is why local deployments resolve attachments inline.
type DiskStore struct {
	root    string
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewDiskStore stores objects under root. baseURL is the externally visible
// prefix of the files route, e.g. "http://localhost:12210/files".
func NewDiskStore(root, baseURL string, secret []byte) (*DiskStore, error) {
	if root == "" {
		return nil, fmt.Errorf("disk store: root is required")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("disk store: signing secret is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("disk store: %w", err)
	}
	return &DiskStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		now:     time.Now,
	}, nil
}

func (s *DiskStore) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", ErrInvalidKey
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.root, clean), nil
}

// Read returns the object's bytes.
func (s *DiskStore) Read(_ context.Context, key string, limit int64) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLimited(f, limit)
}

// Write stores an object, replacing any previous content.
func (s *DiskStore) Write(_ context.Context, key, _ string, r io.Reader) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

// SignedURL returns a self-hosted signed URL.
func (s *DiskStore) SignedURL(_ context.Context, method, key, contentType string, ttl time.Duration) (string, error) {
	if _, err := s.path(key); err != nil {
		return "", err
	}
	if !validMethod(method) {
		return "", fmt.Errorf("disk store: unsupported signed URL method %q", method)
	}
	expires := s.now().Add(ttl).Unix()

	q := url.Values{}
	q.Set("method", method)
	q.Set("expires", strconv.FormatInt(expires, 10))
	if method == "PUT" && contentType != "" {
		q.Set("content_type", contentType)
	}
	q.Set("sig", s.sign(method, key, q.Get("content_type"), expires))
	return s.baseURL + "/" + escapeKey(key) + "?" + q.Encode(), nil
}

// Verify checks a signed request produced by SignedURL.
func (s *DiskStore) Verify(method, key string, query url.Values) error {
	if query.Get("method") != method {
		return fmt.Errorf("signature not valid for %s", method)
	}
	expires, err := strconv.ParseInt(query.Get("expires"), 10, 64)
	if err != nil {
		return fmt.Errorf("malformed expiry")
	}
	if s.now().Unix() > expires {
		return fmt.Errorf("signed URL expired")
	}
	want := s.sign(method, key, query.Get("content_type"), expires)
	if !hmac.Equal([]byte(want), []byte(query.Get("sig"))) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// Close is a no-op.
func (s *DiskStore) Close() error { return nil }

func (s *DiskStore) sign(method, key, contentType string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%d", method, key, contentType, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
