// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package handlers

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/chat/apperrors"
	"github.com/AleutianAI/AleutianChat/services/chat/attachments"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/middleware"
)

// =============================================================================
// Upload Targets
// =============================================================================

// CreatePresignedURL handles POST /presigned-url.
//
// # Outputs
//
//   - 200 with the write URL, view URL and file metadata.
//   - 400 for a malformed request or bad filename.
//   - 413 when size exceeds the upload limit.
func (h *Handler) CreatePresignedURL(c *gin.Context) {
	var req datatypes.PresignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, validationMessage(err))
		return
	}

	target, err := h.deps.Uploads.CreateUploadTarget(c.Request.Context(), req.Filename, req.MimeType, req.Size)
	switch {
	case errors.Is(err, attachments.ErrInvalidUpload):
		badRequest(c, "invalid upload request")
		return
	case errors.Is(err, attachments.ErrTooLarge):
		respondError(c, apperrors.New(apperrors.CodeAttachmentTooLarge, "file too large"))
		return
	case err != nil:
		slog.Error("Failed to create upload target", "filename", req.Filename, "error", err)
		respondError(c, apperrors.Wrap(apperrors.CodeInternal, "failed to create upload URL", err))
		return
	}

	h.audit(c, extensions.AuditEvent{
		EventType:    "attachment.presign",
		UserID:       middleware.UserID(c),
		Action:       "create",
		ResourceType: "attachment",
		ResourceID:   target.File.FileKey,
		Outcome:      "success",
		Metadata:     map[string]any{"mime_type": req.MimeType, "size": req.Size},
	})
	c.JSON(http.StatusOK, datatypes.PresignResponse{
		URL:          target.UploadURL,
		ViewURL:      target.ViewURL,
		FileMetadata: target.File,
	})
}

// =============================================================================
// Self-Hosted Files
// =============================================================================

// GetFile handles GET /files/*key for signed URLs issued by a disk store.
func (h *Handler) GetFile(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if err := h.deps.Files.Verify(http.MethodGet, key, c.Request.URL.Query()); err != nil {
		slog.Debug("Rejected file download", "key", key, "error", err)
		c.JSON(http.StatusForbidden, datatypes.ErrorResponse{Error: "forbidden"})
		return
	}

	data, err := h.deps.Files.Read(c.Request.Context(), key, 0)
	switch {
	case errors.Is(err, attachments.ErrObjectNotFound):
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "not found"})
		return
	case err != nil:
		slog.Error("Failed to read file", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "internal server error"})
		return
	}

	contentType := mime.TypeByExtension(extensionOf(key))
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	c.Data(http.StatusOK, contentType, data)
}

// PutFile handles PUT /files/*key for upload URLs issued by a disk store.
//
// The request Content-Type must match the one bound into the signature.
func (h *Handler) PutFile(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	query := c.Request.URL.Query()
	if err := h.deps.Files.Verify(http.MethodPut, key, query); err != nil {
		slog.Debug("Rejected file upload", "key", key, "error", err)
		c.JSON(http.StatusForbidden, datatypes.ErrorResponse{Error: "forbidden"})
		return
	}
	contentType := c.ContentType()
	if signed := query.Get("content_type"); signed != "" && !strings.EqualFold(signed, contentType) {
		c.JSON(http.StatusForbidden, datatypes.ErrorResponse{Error: "content type does not match upload URL"})
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, h.deps.MaxUploadBytes)
	if err := h.deps.Files.Write(c.Request.Context(), key, contentType, body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, datatypes.ErrorResponse{
				Error: "file too large",
				Code:  string(apperrors.CodeAttachmentTooLarge),
			})
			return
		}
		slog.Error("Failed to write file", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "internal server error"})
		return
	}
	c.Status(http.StatusOK)
}

func extensionOf(key string) string {
	i := strings.LastIndexByte(key, '.')
	if i < 0 || strings.ContainsRune(key[i:], '/') {
		return ""
	}
	return key[i:]
}
