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
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.llm.ollama")

// maxFetchedAttachmentBytes bounds attachments downloaded for Ollama.
const maxFetchedAttachmentBytes = 20 << 20

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	// BaseURL is the Ollama server, e.g. "http://localhost:11434".
	BaseURL string

	HTTPClient *http.Client
}

// OllamaClient implements Provider for a local Ollama server through
// langchaingo.
//
// # Description
//
// Ollama only accepts image bytes, so attachments given as URLs are
// downloaded before the call. Models are created per request because the
// langchaingo client binds the model name at construction.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ Provider = (*OllamaClient)(nil)

// NewOllamaClient creates a client for the server at cfg.BaseURL.
func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama: base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL)
	return &OllamaClient{baseURL: baseURL, httpClient: httpClient}, nil
}

// Name implements Provider.
func (o *OllamaClient) Name() string {
	return "ollama"
}

// ChatStream implements Provider.
func (o *OllamaClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) error {
	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.num_messages", len(req.Messages)),
	)

	streaming := llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		return callback(StreamEvent{Type: StreamEventToken, Content: string(chunk)})
	})
	_, err := o.generate(ctx, req, streaming)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Generate implements Provider.
func (o *OllamaClient) Generate(ctx context.Context, req Request) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	text, err := o.generate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return text, err
}

func (o *OllamaClient) generate(ctx context.Context, req Request, extra ...llms.CallOption) (string, error) {
	model, err := ollama.New(
		ollama.WithServerURL(o.baseURL),
		ollama.WithModel(req.Model),
		ollama.WithHTTPClient(o.httpClient),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create Ollama model: %w", err)
	}

	messages, err := o.convertMessages(ctx, req)
	if err != nil {
		return "", err
	}

	opts := make([]llms.CallOption, 0, len(extra)+3)
	if req.Params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*req.Params.Temperature)))
	}
	if req.Params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*req.Params.MaxTokens))
	}
	if len(req.Params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(req.Params.Stop))
	}
	opts = append(opts, extra...)

	resp, err := model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return "", fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s': %w", req.Model, req.Model, err)
		}
		return "", fmt.Errorf("Ollama call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("Ollama returned no choices")
	}
	return resp.Choices[0].Content, nil
}

func (o *OllamaClient) convertMessages(ctx context.Context, req Request) ([]llms.MessageContent, error) {
	out := make([]llms.MessageContent, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, msg := range req.Messages {
		content := llms.MessageContent{Role: ollamaRole(msg.Role)}
		for _, p := range msg.Parts {
			a := p.Attachment
			switch {
			case a == nil:
				if p.Text != "" {
					content.Parts = append(content.Parts, llms.TextPart(p.Text))
				}
			case a.IsImage():
				data := a.Data
				if a.URL != "" {
					fetched, err := o.fetch(ctx, a.URL)
					if err != nil {
						return nil, fmt.Errorf("attachment %q: %w", a.Filename, err)
					}
					data = fetched
				}
				content.Parts = append(content.Parts, llms.BinaryPart(a.MimeType, data))
			case a.IsText() && a.URL == "":
				content.Parts = append(content.Parts, llms.TextPart(inlineTextAttachment(a)))
			default:
				return nil, fmt.Errorf("attachment %q (%s) is not supported by this provider", a.Filename, a.MimeType)
			}
		}
		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out, nil
}

func (o *OllamaClient) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchedAttachmentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFetchedAttachmentBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxFetchedAttachmentBytes)
	}
	return data, nil
}

func ollamaRole(role string) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
