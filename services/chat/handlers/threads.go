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
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/chat/apperrors"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/middleware"
	"github.com/AleutianAI/AleutianChat/services/chat/store"
)

// CreateThread handles POST /threads.
func (h *Handler) CreateThread(c *gin.Context) {
	userID := middleware.UserID(c)
	thread, err := h.deps.Store.CreateThread(c.Request.Context(), userID)
	if err != nil {
		slog.Error("Failed to create thread", "user_id", userID, "error", err)
		respondError(c, apperrors.Wrap(apperrors.CodeInternal, "failed to create thread", err))
		return
	}
	h.audit(c, extensions.AuditEvent{
		EventType:    "thread.create",
		UserID:       userID,
		Action:       "create",
		ResourceType: "thread",
		ResourceID:   thread.ID,
		Outcome:      "success",
	})
	c.JSON(http.StatusOK, datatypes.CreateThreadResponse{ID: thread.ID})
}

// ListThreads handles GET /threads?page=&search=.
//
// page defaults to 1; search is trimmed and ignored when empty.
func (h *Handler) ListThreads(c *gin.Context) {
	userID := middleware.UserID(c)
	page := parsePage(c.Query("page"))
	search := strings.TrimSpace(c.Query("search"))

	threads, err := h.deps.Store.GetThreads(c.Request.Context(), userID, page, search)
	if err != nil {
		slog.Error("Failed to list threads", "user_id", userID, "page", page, "error", err)
		respondError(c, apperrors.Wrap(apperrors.CodeInternal, "failed to list threads", err))
		return
	}
	if threads == nil {
		threads = []*datatypes.Thread{}
	}
	c.JSON(http.StatusOK, threads)
}

// GetThread handles GET /threads/:id.
func (h *Handler) GetThread(c *gin.Context) {
	threadID := c.Param("id")
	thread, err := h.deps.Store.GetThread(c.Request.Context(), threadID)
	if err != nil {
		slog.Error("Failed to get thread", "thread_id", threadID, "error", err)
		respondError(c, apperrors.Wrap(apperrors.CodeInternal, "failed to get thread", err))
		return
	}
	if thread == nil {
		respondError(c, apperrors.New(apperrors.CodeThreadNotFound, "Thread not found"))
		return
	}
	c.JSON(http.StatusOK, thread)
}

// CreateMessage handles POST /threads/:id/messages.
//
// # Description
//
// Appends one message per content part. The role is checked before the
// thread so that a bad role is a 400 even for a missing thread.
//
// # Outputs
//
//   - 201 with the stored messages.
//   - 400 INVALID_ROLE or INVALID_ARGUMENT.
//   - 404 THREAD_NOT_FOUND.
func (h *Handler) CreateMessage(c *gin.Context) {
	threadID := c.Param("id")
	userID := middleware.UserID(c)

	var req datatypes.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	role, err := datatypes.ParseRole(req.Role)
	if err != nil {
		respondError(c, apperrors.New(apperrors.CodeInvalidRole, "Invalid role"))
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, validationMessage(err))
		return
	}

	msgs, err := h.deps.Store.CreateMessage(c.Request.Context(), userID, threadID, role, req.Content)
	switch {
	case errors.Is(err, store.ErrThreadNotFound):
		respondError(c, apperrors.New(apperrors.CodeThreadNotFound, "Thread not found"))
		return
	case errors.Is(err, store.ErrInvalidRole):
		respondError(c, apperrors.New(apperrors.CodeInvalidRole, "Invalid role"))
		return
	case errors.Is(err, store.ErrInvalidContent):
		badRequest(c, "invalid content")
		return
	case err != nil:
		slog.Error("Failed to create message", "thread_id", threadID, "error", err)
		respondError(c, apperrors.Wrap(apperrors.CodeInternal, "failed to create message", err))
		return
	}

	h.audit(c, extensions.AuditEvent{
		EventType:    "message.create",
		UserID:       userID,
		Action:       "create",
		ResourceType: "thread",
		ResourceID:   threadID,
		Outcome:      "success",
		Metadata:     map[string]any{"role": string(role), "parts": len(msgs)},
	})
	c.JSON(http.StatusCreated, datatypes.CreateMessageResponse{
		Message:  "Message created",
		Messages: msgs,
	})
}

func (h *Handler) audit(c *gin.Context, event extensions.AuditEvent) {
	if err := h.deps.Audit.Log(c.Request.Context(), event); err != nil {
		slog.Warn("Audit log failed", "event_type", event.EventType, "error", err)
	}
}
