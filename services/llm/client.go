// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm is the provider capability used by the chat service: given
// messages, stream text.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// =============================================================================
// Messages
// =============================================================================

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Attachment is a resolved file. Exactly one of URL and Data is set.
type Attachment struct {
	Filename string
	MimeType string
	URL      string
	Data     []byte
}

// IsImage reports whether the attachment is an image.
func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(a.MimeType), "image/")
}

// IsPDF reports whether the attachment is a PDF document.
func (a *Attachment) IsPDF() bool {
	return strings.EqualFold(a.MimeType, "application/pdf")
}

// IsText reports whether the attachment is plain text that can be inlined
// into the prompt.
func (a *Attachment) IsText() bool {
	return strings.HasPrefix(strings.ToLower(a.MimeType), "text/")
}

// Part is one piece of a message: text or an attachment.
type Part struct {
	Text       string
	Attachment *Attachment
}

// TextPart returns a text part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// AttachmentPart returns an attachment part.
func AttachmentPart(a *Attachment) Part {
	return Part{Attachment: a}
}

// Message is one provider-agnostic chat message.
type Message struct {
	Role  string
	Parts []Part
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Attachment == nil {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// GenerationParams are optional sampling controls.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Request is one generation call.
type Request struct {
	// Model is the provider-side model handle.
	Model string

	// System is the system prompt. Empty means none.
	System string

	// Messages is the conversation, oldest first, without system messages.
	Messages []Message

	Params GenerationParams
}

// =============================================================================
// Streaming
// =============================================================================

// StreamEventType distinguishes stream events.
type StreamEventType string

const (
	// StreamEventToken carries a text delta of the answer.
	StreamEventToken StreamEventType = "token"

	// StreamEventThinking carries reasoning output that is not part of the
	// answer.
	StreamEventThinking StreamEventType = "thinking"
)

// Markers that set reasoning output apart from the answer in stored text.
const (
	ThinkOpen  = "<think>\n\n"
	ThinkClose = "\n\n</think>\n\n"
)

// StreamEvent is one event from a provider stream.
type StreamEvent struct {
	Type    StreamEventType
	Content string
}

// StreamCallback receives events as they are generated.
//
// # Description
//
// Return a non-nil error to abort streaming, e.g. when the client has
// disconnected. The provider stops reading and returns that error.
//
// # Limitations
//
//   - Called sequentially from the goroutine running ChatStream.
//
// # Assumptions
//
//   - Called in token order.
type StreamCallback func(event StreamEvent) error

// Provider is a model back end.
//
// # Description
//
// One implementation exists per provider API. The chat service selects an
// implementation by the provider name of the requested model's descriptor
// and never branches on provider elsewhere.
type Provider interface {
	// Name returns the provider name used in the model catalog.
	Name() string

	// ChatStream generates a reply and delivers it through callback. It
	// returns when the stream ends, fails, or callback returns an error.
	ChatStream(ctx context.Context, req Request, callback StreamCallback) error

	// Generate returns the complete reply in one call.
	Generate(ctx context.Context, req Request) (string, error)
}

// =============================================================================
// Provider Set
// =============================================================================

// ErrProviderNotConfigured is returned for a provider with no client.
var ErrProviderNotConfigured = errors.New("provider not configured")

// ProviderSet looks providers up by name. It is read-only after
// construction.
type ProviderSet struct {
	providers map[string]Provider
}

// NewProviderSet indexes providers by Name. Later entries replace earlier
// ones with the same name.
func NewProviderSet(providers ...Provider) *ProviderSet {
	set := &ProviderSet{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p != nil {
			set.providers[p.Name()] = p
		}
	}
	return set
}

// Get returns the provider called name.
func (s *ProviderSet) Get(name string) (Provider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, name)
	}
	return p, nil
}

// Names returns the configured provider names, sorted.
func (s *ProviderSet) Names() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Helpers
// =============================================================================

// ResolveAPIKey returns key when set, otherwise the trimmed content of
// /run/secrets/<secretName> when that file exists.
func ResolveAPIKey(key, secretName string) string {
	if key != "" {
		return key
	}
	if secretName == "" {
		return ""
	}
	secretPath := "/run/secrets/" + secretName
	content, err := os.ReadFile(secretPath)
	if err != nil {
		return ""
	}
	slog.Info("Read API key from secrets", "path", secretPath)
	return strings.TrimSpace(string(content))
}

// collectStream runs ChatStream and returns the concatenated answer tokens.
func collectStream(ctx context.Context, p Provider, req Request) (string, error) {
	var b strings.Builder
	err := p.ChatStream(ctx, req, func(event StreamEvent) error {
		if event.Type == StreamEventToken {
			b.WriteString(event.Content)
		}
		return nil
	})
	return b.String(), err
}

func inlineTextAttachment(a *Attachment) string {
	return fmt.Sprintf("<file name=%q>\n%s\n</file>", a.Filename, string(a.Data))
}

func dataURL(a *Attachment) string {
	return "data:" + a.MimeType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}
