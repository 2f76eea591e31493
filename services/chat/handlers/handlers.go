// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers is the HTTP transport of the chat service.
package handlers

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/chat/apperrors"
	"github.com/AleutianAI/AleutianChat/services/chat/attachments"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/inference"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
	"github.com/AleutianAI/AleutianChat/services/chat/registry"
	"github.com/AleutianAI/AleutianChat/services/chat/store"
)

// InferenceRunner runs one chat turn.
type InferenceRunner interface {
	Run(ctx context.Context, req inference.Request, sink inference.EventSink) (*inference.Result, error)
}

// UploadIssuer issues attachment upload targets.
type UploadIssuer interface {
	CreateUploadTarget(ctx context.Context, filename, mimeType string, size int64) (*attachments.UploadTarget, error)
}

// FileServer serves self-hosted signed URLs. Implemented by
// attachments.DiskStore.
type FileServer interface {
	Verify(method, key string, query url.Values) error
	Read(ctx context.Context, key string, limit int64) ([]byte, error)
	Write(ctx context.Context, key, contentType string, r io.Reader) error
}

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of Handler.
type Deps struct {
	Store     store.MessageStore
	Registry  *registry.Registry
	Inference InferenceRunner
	Uploads   UploadIssuer

	// Files is set when attachments live on local disk.
	Files FileServer

	// MaxUploadBytes bounds PUT /files bodies.
	MaxUploadBytes int64

	// Health checks run by GET /health. Keyed by component name.
	Health map[string]Pinger

	Audit   extensions.AuditLogger
	Metrics *observability.ChatMetrics
}

// Handler implements the chat HTTP endpoints.
type Handler struct {
	deps Deps
}

// New creates a Handler. Audit defaults to a no-op logger.
func New(deps Deps) *Handler {
	if deps.Audit == nil {
		deps.Audit = &extensions.NopAuditLogger{}
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = attachments.DefaultMaxUploadBytes
	}
	return &Handler{deps: deps}
}

// respondError writes err as a JSON error with the status of its code.
func respondError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	c.JSON(apperrors.HTTPStatus(code), datatypes.ErrorResponse{
		Error: apperrors.ClientMessage(err),
		Code:  string(code),
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
		Error: message,
		Code:  string(apperrors.CodeInvalidArgument),
	})
}

// validationMessage flattens a validator error into one line without
// internal type names.
func validationMessage(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return "invalid request: " + msg
}

func parsePage(raw string) int {
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 1
	}
	return page
}
