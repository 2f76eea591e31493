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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/chat/apperrors"
	"github.com/AleutianAI/AleutianChat/services/chat/attachments"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/inference"
	"github.com/AleutianAI/AleutianChat/services/chat/middleware"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
	"github.com/AleutianAI/AleutianChat/services/chat/registry"
	"github.com/AleutianAI/AleutianChat/services/chat/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test Doubles
// =============================================================================

// fakeRunner drives the sink like the orchestrator would.
type fakeRunner struct {
	deltas []string
	// preErr fails the turn before Open.
	preErr error
	// streamErr fails the turn after the deltas.
	streamErr error
	// pause delays the first delta, as a slow provider would.
	pause time.Duration

	mu   sync.Mutex
	last inference.Request
}

func (r *fakeRunner) Run(ctx context.Context, req inference.Request, sink inference.EventSink) (*inference.Result, error) {
	r.mu.Lock()
	r.last = req
	r.mu.Unlock()

	if r.preErr != nil {
		return nil, r.preErr
	}
	if err := sink.Open(); err != nil {
		return nil, err
	}
	result := &inference.Result{State: inference.StateStreaming}
	if r.pause > 0 {
		select {
		case <-time.After(r.pause):
		case <-ctx.Done():
			result.State = inference.StateAborted
			return result, nil
		}
	}
	for _, d := range r.deltas {
		if err := sink.Delta(d); err != nil {
			result.State = inference.StateAborted
			return result, nil
		}
	}
	if r.streamErr != nil {
		result.State = inference.StateFailed
		_ = sink.Error(apperrors.ClientMessage(r.streamErr))
		return result, r.streamErr
	}
	result.State = inference.StateCompleted
	_ = sink.Done()
	return result, nil
}

func (r *fakeRunner) request() inference.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

type recordingAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (a *recordingAudit) Log(_ context.Context, e extensions.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *recordingAudit) Flush(context.Context) error { return nil }

func (a *recordingAudit) last(t *testing.T) extensions.AuditEvent {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.events)
	return a.events[len(a.events)-1]
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	store   *store.GormStore
	disk    *attachments.DiskStore
	runner  *fakeRunner
	audit   *recordingAudit
	metrics *observability.ChatMetrics
	handler *Handler
	router  *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.Open(store.Config{Driver: store.DriverSQLite, DSN: filepath.Join(t.TempDir(), "chat.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	reg, err := registry.New(
		&registry.Descriptor{ID: "gpt-4o", Model: "gpt-4o", Provider: "openai", SupportsStreaming: true, SupportsImages: true,
			SupportedMimeTypes: []string{"image/png"}},
		&registry.Descriptor{ID: "claude", Model: "claude-x", Provider: "anthropic", SupportsStreaming: true, SupportsPdfs: true,
			SupportedMimeTypes: []string{"application/pdf"}},
	)
	require.NoError(t, err)

	disk, err := attachments.NewDiskStore(t.TempDir(), "http://localhost/files", []byte("secret"))
	require.NoError(t, err)
	uploads, err := attachments.NewService(disk, attachments.Config{MaxUploadBytes: 1024})
	require.NoError(t, err)

	f := &fixture{
		store:   db,
		disk:    disk,
		runner:  &fakeRunner{},
		audit:   &recordingAudit{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	f.handler = New(Deps{
		Store:          db,
		Registry:       reg,
		Inference:      f.runner,
		Uploads:        uploads,
		Files:          disk,
		MaxUploadBytes: 64,
		Health:         map[string]Pinger{"database": db},
		Audit:          f.audit,
		Metrics:        f.metrics,
	})

	r := gin.New()
	r.Use(middleware.AuthMiddleware(&extensions.NopAuthProvider{UserID: "user-1"}, ""))
	r.POST("/threads", f.handler.CreateThread)
	r.GET("/threads", f.handler.ListThreads)
	r.GET("/threads/:id", f.handler.GetThread)
	r.POST("/threads/:id/messages", f.handler.CreateMessage)
	r.POST("/threads/:id/inference", f.handler.Inference)
	r.POST("/presigned-url", f.handler.CreatePresignedURL)
	r.GET("/models", f.handler.ListModels)
	r.GET("/health", f.handler.Health)
	r.GET("/files/*key", f.handler.GetFile)
	r.PUT("/files/*key", f.handler.PutFile)
	f.router = r
	return f
}

func (f *fixture) do(method, target string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) createThread(t *testing.T) string {
	t.Helper()
	w := f.do(http.MethodPost, "/threads", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.CreateThreadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

type sseEvent struct {
	Event string
	Data  string
}

func parseSSEEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.Event != "" {
				events = append(events, current)
				current = sseEvent{}
			}
		}
	}
	return events
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) datatypes.ErrorResponse {
	t.Helper()
	var resp datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// =============================================================================
// Threads
// =============================================================================

func TestCreateThread_ReturnsID(t *testing.T) {
	f := newFixture(t)
	id := f.createThread(t)

	thread, err := f.store.GetThread(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, thread)
	assert.Equal(t, "user-1", thread.UserID)

	e := f.audit.last(t)
	assert.Equal(t, "thread.create", e.EventType)
	assert.Equal(t, id, e.ResourceID)
}

func TestGetThread_NotFound(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/threads/nope", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "Thread not found", resp.Error)
	assert.Equal(t, string(apperrors.CodeThreadNotFound), resp.Code)
}

func TestCreateMessage_AppendsAndHydrates(t *testing.T) {
	f := newFixture(t)
	id := f.createThread(t)

	w := f.do(http.MethodPost, "/threads/"+id+"/messages", `{"role":"user","content":{"type":"text","text":"hello"}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created datatypes.CreateMessageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Len(t, created.Messages, 1)
	assert.Equal(t, datatypes.Role("user"), created.Messages[0].Role)

	w = f.do(http.MethodGet, "/threads/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var thread datatypes.Thread
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &thread))
	require.Len(t, thread.Messages, 1)
	text, ok := datatypes.TextOf(thread.Messages[0].Content)
	require.True(t, ok)
	assert.Equal(t, "hello", text)
}

func TestCreateMessage_ArrayContentKeepsOrder(t *testing.T) {
	f := newFixture(t)
	id := f.createThread(t)

	body := `{"role":"user","content":[
		{"type":"image","file_metadata":{"filename":"a.png","mime_type":"image/png","file_key":"k/a.png"}},
		{"type":"text","text":"what is this?"}]}`
	w := f.do(http.MethodPost, "/threads/"+id+"/messages", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	msgs, err := f.store.ListMessages(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	_, isAttachment := datatypes.AttachmentOf(msgs[0].Content)
	assert.True(t, isAttachment)
	assert.Less(t, msgs[0].Seq, msgs[1].Seq)
}

func TestCreateMessage_InvalidRoleBeforeMissingThread(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/threads/missing/messages", `{"role":"robot","content":{"type":"text","text":"x"}}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "Invalid role", resp.Error)
	assert.Equal(t, string(apperrors.CodeInvalidRole), resp.Code)
}

func TestCreateMessage_MissingThread(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/threads/missing/messages", `{"role":"user","content":{"type":"text","text":"x"}}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateMessage_MalformedBody(t *testing.T) {
	f := newFixture(t)
	id := f.createThread(t)

	w := f.do(http.MethodPost, "/threads/"+id+"/messages", `{"role":"user","content":{"type":"video"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/threads/"+id+"/messages", `{"role":"user","content":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListThreads_PagesAndSearches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		f.createThread(t)
	}
	id := f.createThread(t)
	_, err := f.store.CreateMessage(ctx, "user-1", id, datatypes.RoleUser,
		[]datatypes.ContentPart{datatypes.TextPart{Text: "Tell me about Penguins"}})
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/threads", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page1 []datatypes.Thread
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page1))
	assert.Len(t, page1, store.PageSize)

	w = f.do(http.MethodGet, "/threads?page=2", nil)
	var page2 []datatypes.Thread
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page2))
	assert.Len(t, page2, 3)

	w = f.do(http.MethodGet, "/threads?page=abc&search="+url.QueryEscape("  penguin "), nil)
	var found []datatypes.Thread
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &found))
	require.Len(t, found, 1)
	assert.Equal(t, id, found[0].ID)
	assert.Len(t, found[0].Messages, 1)
}

func TestListThreads_EmptyIsArray(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/threads?search=nothing", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

// =============================================================================
// Inference
// =============================================================================

func TestInference_StreamsMessagesThenDone(t *testing.T) {
	f := newFixture(t)
	f.runner.deltas = []string{"Hel", "lo"}

	w := f.do(http.MethodPost, "/threads/t1/inference", map[string]any{
		"model":        "gpt-4o",
		"temperature":  0.5,
		"instructions": "be brief",
		"message": map[string]any{
			"content": "hi",
			"attachments": []map[string]string{
				{"name": "a.png", "contentType": "image/png", "file_key": "k/a.png"},
			},
			"experimental_attachments": []map[string]string{
				{"name": "b.png", "contentType": "image/png", "file_key": "k/b.png"},
			},
		},
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	events := parseSSEEvents(t, w.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, sseEvent{Event: "message", Data: `{"text":"Hel"}`}, events[0])
	assert.Equal(t, sseEvent{Event: "message", Data: `{"text":"lo"}`}, events[1])
	assert.Equal(t, sseEvent{Event: "done", Data: "true"}, events[2])

	req := f.runner.request()
	assert.Equal(t, "t1", req.ThreadID)
	assert.Equal(t, "user-1", req.UserID)
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, "hi", req.Text)
	assert.Equal(t, "be brief", req.Instructions)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.5, *req.Temperature, 1e-6)
	require.Len(t, req.Attachments, 2)
	assert.Equal(t, "k/a.png", req.Attachments[0].FileKey)
	assert.Equal(t, "k/b.png", req.Attachments[1].FileKey)
	assert.NotEmpty(t, req.RequestID)

	e := f.audit.last(t)
	assert.Equal(t, "inference.send", e.EventType)
	assert.Equal(t, "success", e.Outcome)
}

func TestInference_KeepAlivesWhileProviderIsSlow(t *testing.T) {
	saved := KeepAliveInterval
	KeepAliveInterval = 5 * time.Millisecond
	t.Cleanup(func() { KeepAliveInterval = saved })

	f := newFixture(t)
	f.runner.pause = 100 * time.Millisecond
	f.runner.deltas = []string{"late"}

	w := f.do(http.MethodPost, "/threads/t1/inference", `{"model":"gpt-4o","message":{"content":"hi"}}`)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, ": ping\n\n")
	assert.Less(t, strings.Index(body, ": ping"), strings.Index(body, "event: message"))
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.KeepAlivesTotal), 1.0)

	events := parseSSEEvents(t, body)
	require.Len(t, events, 2)
	assert.Equal(t, sseEvent{Event: "message", Data: `{"text":"late"}`}, events[0])
	assert.Equal(t, sseEvent{Event: "done", Data: "true"}, events[1])
}

func TestInference_PreStreamErrorIsJSON(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"unknown model", apperrors.New(apperrors.CodeUnknownModel, "unknown model"), http.StatusBadRequest},
		{"missing thread", apperrors.New(apperrors.CodeThreadNotFound, "Thread not found"), http.StatusNotFound},
		{"attachment", apperrors.New(apperrors.CodeAttachmentUnavailable, "attachment unavailable"), http.StatusUnprocessableEntity},
		{"internal", errors.New("db exploded"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.runner.preErr = tc.err

			w := f.do(http.MethodPost, "/threads/t1/inference", `{"model":"gpt-4o","message":{"content":"hi"}}`)

			assert.Equal(t, tc.status, w.Code)
			assert.NotEqual(t, "text/event-stream", w.Header().Get("Content-Type"))
			resp := decodeError(t, w)
			assert.NotContains(t, resp.Error, "exploded")
			assert.Equal(t, "failure", f.audit.last(t).Outcome)
		})
	}
}

func TestInference_MidStreamErrorIsEvent(t *testing.T) {
	f := newFixture(t)
	f.runner.deltas = []string{"partial"}
	f.runner.streamErr = apperrors.Wrap(apperrors.CodeProviderError, "model provider failed", errors.New("upstream 500: secret"))

	w := f.do(http.MethodPost, "/threads/t1/inference", `{"model":"gpt-4o","message":{"content":"hi"}}`)

	require.Equal(t, http.StatusOK, w.Code)
	events := parseSSEEvents(t, w.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, "message", events[0].Event)
	assert.Equal(t, "error", events[1].Event)
	assert.JSONEq(t, `{"error":"model provider failed"}`, events[1].Data)
	assert.Equal(t, "error", f.audit.last(t).Outcome)
}

func TestInference_RejectsInvalidBody(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/threads/t1/inference", `{"model":"gpt-4o","message":{"content":""}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/threads/t1/inference", `{"message":{"content":"hi"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/threads/t1/inference", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInference_UsesRequestIDHeader(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/threads/t1/inference",
		strings.NewReader(`{"model":"gpt-4o","message":{"content":"hi"}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", f.runner.request().RequestID)
}

// =============================================================================
// SSE Writer
// =============================================================================

func TestSSEWriter_Format(t *testing.T) {
	w := httptest.NewRecorder()
	SetSSEHeaders(w)
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, writer.WriteMessage("a \"quoted\"\nline"))
	require.NoError(t, writer.WriteKeepAlive())
	require.NoError(t, writer.WriteError("boom"))

	body := w.Body.String()
	assert.Contains(t, body, ": ping\n\n")
	events := parseSSEEvents(t, body)
	require.Len(t, events, 2)

	var msg struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &msg))
	assert.Equal(t, "a \"quoted\"\nline", msg.Text)
	assert.JSONEq(t, `{"error":"boom"}`, events[1].Data)
}

type noFlushWriter struct {
	http.ResponseWriter
}

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(noFlushWriter{httptest.NewRecorder()})
	assert.Error(t, err)
}

func TestSSESink_CloseWithoutOpen(t *testing.T) {
	sink := newSSESink(httptest.NewRecorder(), nil)
	assert.NotPanics(t, sink.close)
}

// =============================================================================
// Uploads and Files
// =============================================================================

func TestCreatePresignedURL(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/presigned-url", `{"filename":"cat photo.png","mime_type":"image/png","size":10}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp datatypes.PresignResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.URL, "http://localhost/files/"))
	assert.NotEmpty(t, resp.ViewURL)
	assert.Equal(t, "cat photo.png", resp.FileMetadata.Filename)
	assert.Equal(t, "image/png", resp.FileMetadata.MimeType)
	assert.True(t, strings.HasSuffix(resp.FileMetadata.FileKey, "/cat_photo.png"))
	assert.Equal(t, "attachment.presign", f.audit.last(t).EventType)
}

func TestCreatePresignedURL_Errors(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/presigned-url", `{"filename":"a.png","mime_type":"image/png","size":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/presigned-url", `{"filename":"a.png","mime_type":"image/png","size":4096}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, string(apperrors.CodeAttachmentTooLarge), decodeError(t, w).Code)

	w = f.do(http.MethodPost, "/presigned-url", `{"filename":"..","mime_type":"image/png","size":10}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFiles_UploadThenDownload(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/presigned-url", `{"filename":"note.txt","mime_type":"text/plain","size":5}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.PresignResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	put := httptest.NewRequest(http.MethodPut, strings.TrimPrefix(resp.URL, "http://localhost"), strings.NewReader("hello"))
	put.Header.Set("Content-Type", "text/plain")
	pw := httptest.NewRecorder()
	f.router.ServeHTTP(pw, put)
	require.Equal(t, http.StatusOK, pw.Code, pw.Body.String())

	get := httptest.NewRequest(http.MethodGet, strings.TrimPrefix(resp.ViewURL, "http://localhost"), nil)
	gw := httptest.NewRecorder()
	f.router.ServeHTTP(gw, get)
	require.Equal(t, http.StatusOK, gw.Code)
	assert.Equal(t, "hello", gw.Body.String())
	assert.Contains(t, gw.Header().Get("Content-Type"), "text/plain")
}

func TestFiles_RejectsBadSignatures(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/presigned-url", `{"filename":"note.txt","mime_type":"text/plain","size":5}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.PresignResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	uploadPath := strings.TrimPrefix(resp.URL, "http://localhost")

	// Wrong content type.
	put := httptest.NewRequest(http.MethodPut, uploadPath, strings.NewReader("hello"))
	put.Header.Set("Content-Type", "image/png")
	pw := httptest.NewRecorder()
	f.router.ServeHTTP(pw, put)
	assert.Equal(t, http.StatusForbidden, pw.Code)

	// Upload URL used for download.
	get := httptest.NewRequest(http.MethodGet, uploadPath, nil)
	gw := httptest.NewRecorder()
	f.router.ServeHTTP(gw, get)
	assert.Equal(t, http.StatusForbidden, gw.Code)

	// Tampered key.
	get = httptest.NewRequest(http.MethodGet, "/files/other.txt?"+strings.SplitN(resp.ViewURL, "?", 2)[1], nil)
	gw = httptest.NewRecorder()
	f.router.ServeHTTP(gw, get)
	assert.Equal(t, http.StatusForbidden, gw.Code)
}

func TestFiles_UploadTooLarge(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/presigned-url", `{"filename":"big.txt","mime_type":"text/plain","size":100}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.PresignResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	put := httptest.NewRequest(http.MethodPut, strings.TrimPrefix(resp.URL, "http://localhost"),
		strings.NewReader(strings.Repeat("x", 100)))
	put.Header.Set("Content-Type", "text/plain")
	pw := httptest.NewRecorder()
	f.router.ServeHTTP(pw, put)
	assert.Equal(t, http.StatusRequestEntityTooLarge, pw.Code)
}

func TestFiles_DownloadMissing(t *testing.T) {
	f := newFixture(t)
	signed, err := f.disk.SignedURL(context.Background(), http.MethodGet, "nope/missing.png", "", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, strings.TrimPrefix(signed, "http://localhost"), nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Models and Health
// =============================================================================

func TestListModels(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/models", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var models []datatypes.ModelInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &models))
	require.Len(t, models, 2)

	byName := map[string]datatypes.ModelInfo{}
	for _, m := range models {
		byName[m.Name] = m
	}
	assert.True(t, byName["gpt-4o"].SupportsImages)
	assert.Equal(t, "anthropic", byName["claude"].Provider)
	assert.True(t, byName["claude"].SupportsPdfs)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"ok"`)

	f.handler.deps.Health["cache"] = pingFunc(func(context.Context) error { return errors.New("down: 10.0.0.1") })
	w = f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"cache":"unhealthy"`)
	assert.NotContains(t, w.Body.String(), "10.0.0.1")
}
