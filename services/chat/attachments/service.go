// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package attachments turns stored file references into model-ready content
// and issues upload targets.
package attachments

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// Mode selects how attachments reach the model provider.
type Mode string

const (
	// ModeInline sends base64 bytes. Used when the provider cannot reach
	// the object store's URLs.
	ModeInline Mode = "inline"

	// ModeSignedURL sends a short-lived signed GET URL.
	ModeSignedURL Mode = "signed-url"
)

// Defaults.
const (
	DefaultReadTTL        = 20 * time.Minute
	DefaultUploadTTL      = time.Hour
	DefaultMaxInlineBytes = 20 << 20
	DefaultMaxUploadBytes = 20 << 20
)

var (
	// ErrUnavailable wraps failures to fetch or sign an attachment.
	ErrUnavailable = errors.New("attachment unavailable")

	// ErrTooLarge is returned when an attachment exceeds a size limit.
	ErrTooLarge = errors.New("attachment too large")

	// ErrInvalidUpload is returned for upload requests that fail checks.
	ErrInvalidUpload = errors.New("invalid upload request")
)

// Payload is an attachment in model-consumable form. Exactly one of URL and
// Data is set.
type Payload struct {
	Filename string
	MimeType string
	URL      string
	Data     []byte
}

// IsInline reports whether the payload carries bytes.
func (p *Payload) IsInline() bool {
	return p.URL == ""
}

// Base64 returns the standard base64 encoding of Data.
func (p *Payload) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Data)
}

// DataURL returns the payload as a data: URL, or URL when not inline.
func (p *Payload) DataURL() string {
	if !p.IsInline() {
		return p.URL
	}
	return "data:" + p.MimeType + ";base64," + p.Base64()
}

// UploadTarget is where a client uploads a new attachment.
type UploadTarget struct {
	UploadURL string
	ViewURL   string
	File      datatypes.FileMetadata
}

// Config tunes a Service.
type Config struct {
	Mode           Mode
	ReadTTL        time.Duration
	UploadTTL      time.Duration
	MaxInlineBytes int64
	MaxUploadBytes int64
}

// Service resolves attachments and issues upload targets.
type Service struct {
	store ObjectStore
	cfg   Config
}

// NewService wraps store. Zero config fields take their defaults.
func NewService(store ObjectStore, cfg Config) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("attachments: object store is required")
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeInline
	case ModeInline, ModeSignedURL:
	default:
		return nil, fmt.Errorf("attachments: unknown mode %q", cfg.Mode)
	}
	if cfg.ReadTTL <= 0 {
		cfg.ReadTTL = DefaultReadTTL
	}
	if cfg.UploadTTL <= 0 {
		cfg.UploadTTL = DefaultUploadTTL
	}
	if cfg.MaxInlineBytes <= 0 {
		cfg.MaxInlineBytes = DefaultMaxInlineBytes
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Service{store: store, cfg: cfg}, nil
}

// Mode returns the configured resolution mode.
func (s *Service) Mode() Mode {
	return s.cfg.Mode
}

// Resolve converts a stored reference into a Payload.
//
// # Description
//
// In signed-url mode a GET URL valid for ReadTTL is returned and the object
// is not touched. In inline mode the bytes are read, up to MaxInlineBytes;
// an empty stored MIME type is filled in by content sniffing.
//
// # Outputs
//
//   - error: wraps ErrUnavailable (missing object, signing failure) or
//     ErrTooLarge.
func (s *Service) Resolve(ctx context.Context, file datatypes.FileMetadata) (*Payload, error) {
	payload := &Payload{Filename: file.Filename, MimeType: file.MimeType}

	if s.cfg.Mode == ModeSignedURL {
		url, err := s.store.SignedURL(ctx, http.MethodGet, file.FileKey, "", s.cfg.ReadTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, file.FileKey, err)
		}
		payload.URL = url
		return payload, nil
	}

	data, err := s.store.Read(ctx, file.FileKey, s.cfg.MaxInlineBytes)
	switch {
	case errors.Is(err, ErrObjectTooLarge):
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, file.FileKey, s.cfg.MaxInlineBytes)
	case err != nil:
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, file.FileKey, err)
	}
	payload.Data = data
	if payload.MimeType == "" {
		payload.MimeType = mimetype.Detect(data).String()
	}
	return payload, nil
}

// ViewURL returns a signed GET URL for key.
func (s *Service) ViewURL(ctx context.Context, key string) (string, error) {
	url, err := s.store.SignedURL(ctx, http.MethodGet, key, "", s.cfg.ReadTTL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return url, nil
}

// CreateUploadTarget issues a write URL for a new object.
//
// # Description
//
// The file key is a fresh UUID followed by the sanitized filename. The PUT
// URL is valid for UploadTTL and the view URL for ReadTTL. Nothing is
// written to the store; the client uploads out of band.
//
// # Outputs
//
//   - error: wraps ErrInvalidUpload for bad sizes or names, ErrTooLarge
//     above MaxUploadBytes, or ErrUnavailable if signing fails.
func (s *Service) CreateUploadTarget(ctx context.Context, filename, mimeType string, size int64) (*UploadTarget, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive", ErrInvalidUpload)
	}
	if size > s.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, size, s.cfg.MaxUploadBytes)
	}
	name := SanitizeFilename(filename)
	if name == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrInvalidUpload)
	}
	if mimeType == "" {
		return nil, fmt.Errorf("%w: mime type is required", ErrInvalidUpload)
	}

	key := uuid.NewString() + "/" + name
	uploadURL, err := s.store.SignedURL(ctx, http.MethodPut, key, mimeType, s.cfg.UploadTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	viewURL, err := s.ViewURL(ctx, key)
	if err != nil {
		return nil, err
	}

	return &UploadTarget{
		UploadURL: uploadURL,
		ViewURL:   viewURL,
		File: datatypes.FileMetadata{
			Filename: filename,
			MimeType: mimeType,
			FileKey:  key,
		},
	}, nil
}

// SanitizeFilename reduces a client filename to a safe single path segment.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if runes := []rune(out); len(runes) > 200 {
		out = string(runes[len(runes)-200:])
	}
	return out
}
