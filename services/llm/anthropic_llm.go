// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIVersion    = "2023-06-01"
	defaultAnthropicURL    = "https://api.anthropic.com/v1/messages"
	defaultAnthropicTokens = 4096
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      []systemBlock      `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	StopSeqs    []string           `json:"stop_sequences,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"` // Must be "ephemeral"
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
	Title  string           `json:"title,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"` // base64 | url | text
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey string

	// BaseURL overrides the messages endpoint.
	BaseURL string

	HTTPClient *http.Client
}

// AnthropicClient implements Provider over the Anthropic Messages API.
type AnthropicClient struct {
	httpClient *http.Client
	apiKey     string
	url        string
}

var _ Provider = (*AnthropicClient)(nil)

// NewAnthropicClient creates a client. The API key is required.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		slog.Warn("Anthropic API Key is missing.")
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is missing")
	}
	url := cfg.BaseURL
	if url == "" {
		url = defaultAnthropicURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No overall timeout: streams live as long as generation does and
		// are bounded by the request context.
		httpClient = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 60 * time.Second,
		}}
	}
	return &AnthropicClient{httpClient: httpClient, apiKey: cfg.APIKey, url: url}, nil
}

// Name implements Provider.
func (a *AnthropicClient) Name() string {
	return "anthropic"
}

// Generate implements Provider by collecting a stream.
func (a *AnthropicClient) Generate(ctx context.Context, req Request) (string, error) {
	return collectStream(ctx, a, req)
}

// ChatStream implements Provider.
//
// # Description
//
// Sends a streaming Messages request and parses the server-sent events.
// content_block_delta events carry text_delta (answer) or thinking_delta
// (reasoning); an error event ends the stream with an error.
func (a *AnthropicClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) error {
	payload, err := a.buildRequest(req)
	if err != nil {
		return err
	}
	payload.Stream = true

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("accept", "text/event-stream")

	slog.Debug("Sending streaming request to Anthropic", "model", req.Model)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("anthropic API returned status %d: %s", resp.StatusCode, string(snippet))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("failed to parse stream event: %w", err)
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text == "" {
					continue
				}
				if err := callback(StreamEvent{Type: StreamEventToken, Content: event.Delta.Text}); err != nil {
					return err
				}
			case "thinking_delta":
				if err := callback(StreamEvent{Type: StreamEventThinking, Content: event.Delta.Thinking}); err != nil {
					return err
				}
			}
		case "error":
			if event.Error != nil {
				return fmt.Errorf("anthropic API error: %s - %s", event.Error.Type, event.Error.Message)
			}
			return fmt.Errorf("anthropic API error")
		case "message_stop":
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return fmt.Errorf("anthropic stream ended without message_stop")
}

func (a *AnthropicClient) buildRequest(req Request) (*anthropicRequest, error) {
	payload := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   defaultAnthropicTokens,
		Temperature: req.Params.Temperature,
		StopSeqs:    req.Params.Stop,
	}
	if req.Params.MaxTokens != nil {
		payload.MaxTokens = *req.Params.MaxTokens
	}

	if req.System != "" {
		block := systemBlock{Type: "text", Text: req.System}
		if len(req.System) > 1024 {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		payload.System = append(payload.System, block)
	}

	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			continue
		}
		converted := anthropicMessage{Role: msg.Role}
		for _, p := range msg.Parts {
			block, err := toAnthropicContent(p)
			if err != nil {
				return nil, err
			}
			if block != nil {
				converted.Content = append(converted.Content, *block)
			}
		}
		if len(converted.Content) > 0 {
			payload.Messages = append(payload.Messages, converted)
		}
	}
	return payload, nil
}

// toAnthropicContent converts one part. Empty text yields nil because the
// API rejects empty text blocks.
func toAnthropicContent(p Part) (*anthropicContent, error) {
	a := p.Attachment
	if a == nil {
		if p.Text == "" {
			return nil, nil
		}
		return &anthropicContent{Type: "text", Text: p.Text}, nil
	}

	var source *anthropicSource
	if a.URL != "" {
		source = &anthropicSource{Type: "url", URL: a.URL}
	} else {
		source = &anthropicSource{
			Type:      "base64",
			MediaType: a.MimeType,
			Data:      base64.StdEncoding.EncodeToString(a.Data),
		}
	}

	switch {
	case a.IsImage():
		return &anthropicContent{Type: "image", Source: source}, nil
	case a.IsPDF():
		return &anthropicContent{Type: "document", Source: source, Title: a.Filename}, nil
	case a.IsText() && a.URL == "":
		return &anthropicContent{
			Type:   "document",
			Source: &anthropicSource{Type: "text", MediaType: "text/plain", Data: string(a.Data)},
			Title:  a.Filename,
		}, nil
	default:
		return nil, fmt.Errorf("attachment %q (%s) is not supported by this provider", a.Filename, a.MimeType)
	}
}
