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
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/chat/apperrors"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/inference"
	"github.com/AleutianAI/AleutianChat/services/chat/middleware"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
)

// KeepAliveInterval is the SSE heartbeat period. Proxies commonly close
// idle connections after 30-60 seconds.
var KeepAliveInterval = 15 * time.Second

// Inference handles POST /threads/:id/inference.
//
// # Description
//
// Runs one chat turn and streams the reply as Server-Sent Events. Failures
// before the first byte of the stream (unknown model, missing thread,
// unavailable attachment) are answered with a JSON error and the matching
// status. Once streaming has started the status is 200 and failures are
// reported as an error event.
//
// # Thread Safety
//
// The heartbeat goroutine and the streaming goroutine share the writer,
// which serializes writes.
func (h *Handler) Inference(c *gin.Context) {
	threadID := c.Param("id")
	userID := middleware.UserID(c)
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var body datatypes.InferenceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := body.Validate(); err != nil {
		badRequest(c, validationMessage(err))
		return
	}

	files := make([]datatypes.FileMetadata, 0, len(body.Message.AllAttachments()))
	for _, a := range body.Message.AllAttachments() {
		files = append(files, a.FileMetadata())
	}
	req := inference.Request{
		RequestID:    requestID,
		UserID:       userID,
		ThreadID:     threadID,
		Model:        body.Model,
		Temperature:  body.Temperature,
		MaxTokens:    body.MaxTokens,
		Instructions: body.Instructions,
		Text:         body.Message.Content,
		Attachments:  files,
	}

	sink := newSSESink(c.Writer, h.deps.Metrics)
	defer sink.close()

	ctx := c.Request.Context()
	result, err := h.deps.Inference.Run(ctx, req, sink)

	event := extensions.AuditEvent{
		EventType:    "inference.send",
		UserID:       userID,
		Action:       "send",
		ResourceType: "thread",
		ResourceID:   threadID,
		Metadata: map[string]any{
			"model":       body.Model,
			"attachments": len(files),
			"request_id":  requestID,
		},
	}

	if result == nil {
		// Nothing has been written yet.
		event.Outcome = "failure"
		event.Metadata["code"] = string(apperrors.CodeOf(err))
		h.audit(c, event)
		if err == nil {
			err = apperrors.New(apperrors.CodeInternal, "inference produced no result")
		}
		if ctx.Err() != nil {
			c.Abort()
			return
		}
		respondError(c, err)
		return
	}

	switch result.State {
	case inference.StateCompleted:
		event.Outcome = "success"
	case inference.StateAborted:
		event.Outcome = "aborted"
	default:
		event.Outcome = "error"
		event.Metadata["code"] = string(apperrors.CodeOf(err))
	}
	h.audit(c, event)
}

// =============================================================================
// SSE Sink
// =============================================================================

// sseSink adapts an SSEWriter to inference.EventSink.
//
// # Description
//
// Open commits the 200 response, sets the SSE headers and starts the
// heartbeat. Writing anything before Open would make the status code
// unchangeable, so pre-stream failures stay plain JSON.
type sseSink struct {
	w       http.ResponseWriter
	metrics *observability.ChatMetrics

	writer SSEWriter
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSSESink(w http.ResponseWriter, metrics *observability.ChatMetrics) *sseSink {
	return &sseSink{w: w, metrics: metrics}
}

func (s *sseSink) Open() error {
	SetSSEHeaders(s.w)
	s.w.WriteHeader(http.StatusOK)
	writer, err := NewSSEWriter(s.w)
	if err != nil {
		return err
	}
	s.writer = writer

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.runHeartbeat(ctx)
	return nil
}

func (s *sseSink) Delta(text string) error {
	return s.writer.WriteMessage(text)
}

func (s *sseSink) Done() error {
	return s.writer.WriteDone()
}

func (s *sseSink) Error(message string) error {
	return s.writer.WriteError(message)
}

// close stops the heartbeat and waits for it to exit. Safe to call when
// Open never ran.
func (s *sseSink) close() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *sseSink) runHeartbeat(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writer.WriteKeepAlive(); err != nil {
				slog.Debug("Keepalive failed, client likely gone", "error", err)
				return
			}
			s.metrics.RecordKeepAlive()
		}
	}
}

var _ inference.EventSink = (*sseSink)(nil)
