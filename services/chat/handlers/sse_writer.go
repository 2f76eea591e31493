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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes the chat event stream.
//
// # Description
//
// Events use the SSE format with a named event and a JSON payload:
//
//	event: message
//	data: {"text":"Hel"}
//
//	event: done
//	data: true
//
//	event: error
//	data: {"error":"model provider failed"}
//
// Keep-alives are SSE comments, which clients ignore.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The heartbeat goroutine
// writes concurrently with the streaming goroutine.
type SSEWriter interface {
	// WriteMessage writes one text delta.
	WriteMessage(text string) error

	// WriteDone writes the completion sentinel.
	WriteDone() error

	// WriteError writes a client-safe error message.
	WriteError(message string) error

	// WriteKeepAlive writes a comment line.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// # Limitations
//
//   - Cannot be reused across requests.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

type messagePayload struct {
	Text string `json:"text"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// NewSSEWriter wraps w. The caller must call SetSSEHeaders first.
//
// # Outputs
//
//   - error: Non-nil if w does not support http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

func (w *sseWriter) writeEvent(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteMessage(text string) error {
	return w.writeEvent("message", messagePayload{Text: text})
}

func (w *sseWriter) WriteDone() error {
	return w.writeEvent("done", true)
}

func (w *sseWriter) WriteError(message string) error {
	return w.writeEvent("error", errorPayload{Error: message})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders sets the Server-Sent Events response headers, including
// X-Accel-Buffering to disable nginx buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
