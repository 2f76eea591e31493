// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// ServiceOptions Tests
// ============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.NotNil(t, opts.AuthProvider)
	assert.NotNil(t, opts.AuditLogger)
}

func TestServiceOptions_WithDefaults(t *testing.T) {
	opts := ServiceOptions{}.WithDefaults()
	assert.IsType(t, &NopAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &NopAuditLogger{}, opts.AuditLogger)

	custom := &NopAuthProvider{UserID: "alice"}
	opts = ServiceOptions{}.WithAuth(custom).WithDefaults()
	assert.Same(t, custom, opts.AuthProvider)
}

func TestServiceOptions_WithAuditDoesNotMutateOriginal(t *testing.T) {
	original := DefaultOptions()
	logger := &SlogAuditLogger{}
	updated := original.WithAudit(logger)

	assert.IsType(t, &NopAuditLogger{}, original.AuditLogger)
	assert.Same(t, logger, updated.AuditLogger)
}

// ============================================================================
// Auth Tests
// ============================================================================

func TestNopAuthProvider_AlwaysValid(t *testing.T) {
	p := &NopAuthProvider{}
	for _, token := range []string{"", "anything", "Bearer x"} {
		info, err := p.Validate(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, DefaultLocalUserID, info.UserID)
		assert.True(t, info.HasRole("admin"))
	}
}

func TestNopAuthProvider_CustomUser(t *testing.T) {
	info, err := (&NopAuthProvider{UserID: "alice"}).Validate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "alice", info.UserID)
}

func TestAuthInfo_HasRole(t *testing.T) {
	info := &AuthInfo{UserID: "u", Roles: []string{"viewer"}}
	assert.True(t, info.HasRole("viewer"))
	assert.False(t, info.HasRole("admin"))
}

// ============================================================================
// Audit Tests
// ============================================================================

func TestNopAuditLogger(t *testing.T) {
	l := &NopAuditLogger{}
	assert.NoError(t, l.Log(context.Background(), AuditEvent{EventType: "x"}))
	assert.NoError(t, l.Flush(context.Background()))
}

func TestSlogAuditLogger_WritesGroupedRecord(t *testing.T) {
	var buf bytes.Buffer
	l := &SlogAuditLogger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	err := l.Log(context.Background(), AuditEvent{
		EventType:    "thread.create",
		UserID:       "alice",
		Action:       "create",
		ResourceType: "thread",
		ResourceID:   "t-1",
		Outcome:      "success",
		Metadata:     map[string]any{"model": "gpt-4o"},
	})
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	audit, ok := record["audit"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "thread.create", audit["event_type"])
	assert.Equal(t, "alice", audit["user_id"])
	assert.Equal(t, "t-1", audit["resource_id"])
	assert.NotEmpty(t, audit["timestamp"])
	meta, ok := audit["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", meta["model"])
}
