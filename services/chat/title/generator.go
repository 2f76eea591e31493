// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package title derives short thread titles from the first user message.
package title

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianChat/services/chat/observability"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

const (
	// DefaultTimeout bounds one title generation.
	DefaultTimeout = 30 * time.Second

	// MaxTitleRunes caps stored titles.
	MaxTitleRunes = 80

	// maxPromptRunes caps how much of the first message is sent.
	maxPromptRunes = 2000
)

const systemPrompt = "You write titles for chat conversations. " +
	"Reply with a title of at most six words that summarizes the user's message. " +
	"Reply with the title only: no quotes, no punctuation at the end, no preamble."

// Outcomes recorded in metrics.
const (
	outcomeSet     = "set"
	outcomeSkipped = "skipped"
	outcomeError   = "error"
)

// TitleSetter is the slice of the message store the generator writes to.
type TitleSetter interface {
	SetTitleIfUnset(ctx context.Context, threadID, title string) (bool, error)
}

// Config configures a Generator.
type Config struct {
	// Provider generates the title.
	Provider llm.Provider

	// Model is the provider-side model handle.
	Model string

	Store TitleSetter

	// Timeout bounds one generation. Zero means DefaultTimeout.
	Timeout time.Duration

	Metrics *observability.ChatMetrics
}

// Generator runs title generation in the background.
//
// # Description
//
// Trigger starts a detached goroutine with its own context and timeout, so
// the caller's request can finish or be canceled without affecting it.
// Concurrent triggers for the same thread share one generation. Failures
// are logged and counted, never returned; the title stays unset and a later
// trigger tries again.
//
// # Thread Safety
//
// Safe for concurrent use.
type Generator struct {
	cfg   Config
	group singleflight.Group
	wg    sync.WaitGroup
}

// New creates a Generator.
func New(cfg Config) (*Generator, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("title: provider is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("title: store is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("title: model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Generator{cfg: cfg}, nil
}

// Trigger generates and stores a title for threadID in the background.
// It returns immediately.
func (g *Generator) Trigger(threadID, firstUserText string) {
	if g == nil || strings.TrimSpace(firstUserText) == "" {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Title generation panicked", "thread_id", threadID, "panic", r)
				g.cfg.Metrics.RecordTitle(outcomeError)
			}
		}()

		// Shared results are ignored; only the leader's outcome is recorded.
		_, _, _ = g.group.Do(threadID, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Timeout)
			defer cancel()
			g.run(ctx, threadID, firstUserText)
			return nil, nil
		})
	}()
}

func (g *Generator) run(ctx context.Context, threadID, text string) {
	title, err := g.Generate(ctx, text)
	if err != nil {
		slog.Warn("Title generation failed", "thread_id", threadID, "error", err)
		g.cfg.Metrics.RecordTitle(outcomeError)
		return
	}
	set, err := g.cfg.Store.SetTitleIfUnset(ctx, threadID, title)
	if err != nil {
		slog.Warn("Failed to store thread title", "thread_id", threadID, "error", err)
		g.cfg.Metrics.RecordTitle(outcomeError)
		return
	}
	if !set {
		slog.Debug("Thread already titled", "thread_id", threadID)
		g.cfg.Metrics.RecordTitle(outcomeSkipped)
		return
	}
	slog.Info("Thread title set", "thread_id", threadID)
	g.cfg.Metrics.RecordTitle(outcomeSet)
}

// Generate returns a cleaned title for text.
func (g *Generator) Generate(ctx context.Context, text string) (string, error) {
	if runes := []rune(text); len(runes) > maxPromptRunes {
		text = string(runes[:maxPromptRunes])
	}
	raw, err := g.cfg.Provider.Generate(ctx, llm.Request{
		Model:  g.cfg.Model,
		System: systemPrompt,
		Messages: []llm.Message{{
			Role:  llm.RoleUser,
			Parts: []llm.Part{llm.TextPart(text)},
		}},
	})
	if err != nil {
		return "", err
	}
	title := Clean(raw)
	if title == "" {
		return "", fmt.Errorf("model returned an empty title")
	}
	return title, nil
}

// Wait blocks until all triggered generations have finished or ctx ends.
func (g *Generator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clean normalizes model output into a title: first non-empty line, no
// reasoning block, no surrounding quotes or "Title:" prefix, no trailing
// period, at most MaxTitleRunes runes.
func Clean(raw string) string {
	s := raw
	if i := strings.Index(s, "</think>"); i >= 0 {
		s = s[i+len("</think>"):]
	}
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			s = line
			break
		}
	}
	s = strings.TrimSpace(s)
	if lower := strings.ToLower(s); strings.HasPrefix(lower, "title:") {
		s = strings.TrimSpace(s[len("title:"):])
	}
	s = strings.Trim(s, "\"'`*#“”‘’ ")
	s = strings.TrimRight(s, ".")
	s = strings.Join(strings.Fields(s), " ")

	if utf8.RuneCountInString(s) > MaxTitleRunes {
		runes := []rune(s)
		s = strings.TrimSpace(string(runes[:MaxTitleRunes]))
	}
	return s
}
