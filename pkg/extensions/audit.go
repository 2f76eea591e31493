// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent is one security-relevant action.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "chat.inference",
//	    UserID:       authInfo.UserID,
//	    Action:       "send",
//	    ResourceType: "thread",
//	    ResourceID:   threadID,
//	    Outcome:      "success",
//	    Metadata:     map[string]any{"model": "gpt-4o"},
//	}
type AuditEvent struct {
	// EventType has the form "category.action", e.g. "thread.create".
	EventType string

	// Timestamp is set to time.Now().UTC() by loggers when zero.
	Timestamp time.Time

	UserID string

	// Action is e.g. "create", "read" or "send".
	Action string

	// ResourceType is e.g. "thread" or "attachment".
	ResourceType string

	ResourceID string

	// Outcome is "success", "failure", "aborted" or "error".
	Outcome string

	// Metadata holds event-specific details. Never message text.
	Metadata map[string]any
}

// AuditLogger records audit events.
type AuditLogger interface {
	// Log records one event. Implementations should return quickly.
	Log(ctx context.Context, event AuditEvent) error

	// Flush persists buffered events. Called on shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error {
	return nil
}

// Flush is a no-op.
func (l *NopAuditLogger) Flush(_ context.Context) error {
	return nil
}

// SlogAuditLogger writes events as structured log records.
type SlogAuditLogger struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Log writes the event at info level under the "audit" group.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []any{
		slog.String("event_type", event.EventType),
		slog.Time("timestamp", event.Timestamp),
		slog.String("user_id", event.UserID),
		slog.String("action", event.Action),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", event.Metadata))
	}
	logger.InfoContext(ctx, "Audit event", slog.Group("audit", attrs...))
	return nil
}

// Flush is a no-op; records are written synchronously.
func (l *SlogAuditLogger) Flush(_ context.Context) error {
	return nil
}
