// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package title

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/chat/observability"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

// =============================================================================
// Mocks
// =============================================================================

type mockProvider struct {
	reply   string
	err     error
	delay   time.Duration
	calls   atomic.Int32
	lastReq llm.Request
	mu      sync.Mutex
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) ChatStream(ctx context.Context, req llm.Request, cb llm.StreamCallback) error {
	text, err := m.Generate(ctx, req)
	if err != nil {
		return err
	}
	return cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: text})
}

func (m *mockProvider) Generate(ctx context.Context, req llm.Request) (string, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.lastReq = req
	m.mu.Unlock()
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.reply, m.err
}

type mockSetter struct {
	mu     sync.Mutex
	titles map[string]string
	err    error
}

func newMockSetter() *mockSetter {
	return &mockSetter{titles: make(map[string]string)}
}

func (m *mockSetter) SetTitleIfUnset(_ context.Context, threadID, title string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.titles[threadID]; ok {
		return false, nil
	}
	m.titles[threadID] = title
	return true, nil
}

func (m *mockSetter) get(threadID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.titles[threadID]
	return t, ok
}

func newGenerator(t *testing.T, p *mockProvider, s *mockSetter) (*Generator, *observability.ChatMetrics) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	g, err := New(Config{
		Provider: p,
		Model:    "gpt-4o-mini",
		Store:    s,
		Timeout:  time.Second,
		Metrics:  metrics,
	})
	require.NoError(t, err)
	return g, metrics
}

func waitAll(t *testing.T, g *Generator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.Wait(ctx))
}

// =============================================================================
// Tests
// =============================================================================

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Model: "m", Store: newMockSetter()})
	assert.Error(t, err)
	_, err = New(Config{Provider: &mockProvider{}, Model: "m"})
	assert.Error(t, err)
	_, err = New(Config{Provider: &mockProvider{}, Store: newMockSetter()})
	assert.Error(t, err)
}

func TestTrigger_SetsTitle(t *testing.T) {
	p := &mockProvider{reply: "\"Planning a Trip to Kyoto.\""}
	s := newMockSetter()
	g, metrics := newGenerator(t, p, s)

	g.Trigger("thread-1", "Help me plan five days in Kyoto")
	waitAll(t, g)

	got, ok := s.get("thread-1")
	require.True(t, ok)
	assert.Equal(t, "Planning a Trip to Kyoto", got)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TitleGenerationsTotal.WithLabelValues("set")))

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, "gpt-4o-mini", p.lastReq.Model)
	assert.NotEmpty(t, p.lastReq.System)
	require.Len(t, p.lastReq.Messages, 1)
	assert.Equal(t, "Help me plan five days in Kyoto", p.lastReq.Messages[0].Text())
}

func TestTrigger_NeverOverwritesExistingTitle(t *testing.T) {
	p := &mockProvider{reply: "Second"}
	s := newMockSetter()
	s.titles["thread-1"] = "First"
	g, metrics := newGenerator(t, p, s)

	g.Trigger("thread-1", "hello")
	waitAll(t, g)

	got, _ := s.get("thread-1")
	assert.Equal(t, "First", got)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TitleGenerationsTotal.WithLabelValues("skipped")))
}

func TestTrigger_ProviderErrorLeavesTitleUnset(t *testing.T) {
	p := &mockProvider{err: errors.New("rate limited")}
	s := newMockSetter()
	g, metrics := newGenerator(t, p, s)

	g.Trigger("thread-1", "hello")
	waitAll(t, g)

	_, ok := s.get("thread-1")
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TitleGenerationsTotal.WithLabelValues("error")))
}

func TestTrigger_StoreErrorIsCounted(t *testing.T) {
	p := &mockProvider{reply: "A title"}
	s := newMockSetter()
	s.err = errors.New("db down")
	g, metrics := newGenerator(t, p, s)

	g.Trigger("thread-1", "hello")
	waitAll(t, g)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TitleGenerationsTotal.WithLabelValues("error")))
}

func TestTrigger_EmptyTextIsIgnored(t *testing.T) {
	p := &mockProvider{reply: "x"}
	g, _ := newGenerator(t, p, newMockSetter())

	g.Trigger("thread-1", "   ")
	waitAll(t, g)

	assert.Equal(t, int32(0), p.calls.Load())
}

func TestTrigger_ConcurrentTriggersShareGeneration(t *testing.T) {
	p := &mockProvider{reply: "Shared", delay: 100 * time.Millisecond}
	s := newMockSetter()
	g, _ := newGenerator(t, p, s)

	for i := 0; i < 5; i++ {
		g.Trigger("thread-1", "hello")
	}
	waitAll(t, g)

	got, _ := s.get("thread-1")
	assert.Equal(t, "Shared", got)
	assert.Less(t, p.calls.Load(), int32(5))
}

func TestTrigger_TimeoutIsEnforced(t *testing.T) {
	p := &mockProvider{reply: "late", delay: 5 * time.Second}
	s := newMockSetter()
	g, err := New(Config{Provider: p, Model: "m", Store: s, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	g.Trigger("thread-1", "hello")
	waitAll(t, g)

	_, ok := s.get("thread-1")
	assert.False(t, ok)
}

func TestNilGeneratorTriggerIsNoop(t *testing.T) {
	var g *Generator
	assert.NotPanics(t, func() { g.Trigger("t", "hello") })
}

func TestWait_RespectsContext(t *testing.T) {
	p := &mockProvider{reply: "slow", delay: 500 * time.Millisecond}
	g, _ := newGenerator(t, p, newMockSetter())
	g.Trigger("thread-1", "hello")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)

	waitAll(t, g)
}

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Trip Planning", "Trip Planning"},
		{"quoted", "\"Trip Planning\"", "Trip Planning"},
		{"prefix", "Title: Trip Planning", "Trip Planning"},
		{"trailing period", "Trip Planning.", "Trip Planning"},
		{"first line", "\n\nTrip Planning\nSecond line", "Trip Planning"},
		{"think block", "<think>\n\nreasoning\n\n</think>\n\nTrip Planning", "Trip Planning"},
		{"collapses spaces", "Trip    Planning", "Trip Planning"},
		{"markdown", "**Trip Planning**", "Trip Planning"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in))
		})
	}
}

func TestClean_TruncatesLongTitles(t *testing.T) {
	long := ""
	for i := 0; i < 30; i++ {
		long += "word "
	}
	got := Clean(long)
	assert.LessOrEqual(t, len([]rune(got)), MaxTitleRunes)
}

func TestGenerate_EmptyReplyIsError(t *testing.T) {
	p := &mockProvider{reply: "  \"\"  "}
	g, _ := newGenerator(t, p, newMockSetter())

	_, err := g.Generate(context.Background(), "hello")
	assert.Error(t, err)
}
