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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible provider.
type OpenAIConfig struct {
	// Name is the catalog provider name, e.g. "openai" or "deepseek".
	Name string

	APIKey string

	// BaseURL overrides the API root, e.g. "https://api.deepseek.com/v1".
	BaseURL string

	// UseMaxCompletionTokens sends max_completion_tokens instead of the
	// legacy max_tokens. OpenAI's reasoning models require it; most
	// compatible APIs only know max_tokens.
	UseMaxCompletionTokens bool

	HTTPClient *http.Client
}

// OpenAIClient implements Provider for the OpenAI chat completions API and
// compatible services such as DeepSeek.
type OpenAIClient struct {
	name                   string
	client                 *openai.Client
	useMaxCompletionTokens bool
}

var _ Provider = (*OpenAIClient)(nil)

// NewOpenAIClient creates a client. The API key is required.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: API key is required", cfg.Name)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	slog.Info("Initializing OpenAI-compatible client", "provider", cfg.Name, "base_url", clientCfg.BaseURL)
	return &OpenAIClient{
		name:                   cfg.Name,
		client:                 openai.NewClientWithConfig(clientCfg),
		useMaxCompletionTokens: cfg.UseMaxCompletionTokens,
	}, nil
}

// Name implements Provider.
func (o *OpenAIClient) Name() string {
	return o.name
}

// ChatStream implements Provider.
func (o *OpenAIClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) error {
	chatReq, err := o.buildRequest(req)
	if err != nil {
		return err
	}
	chatReq.Stream = true

	stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return fmt.Errorf("%s stream request failed: %w", o.name, err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s stream failed: %w", o.name, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.ReasoningContent != "" {
			if err := callback(StreamEvent{Type: StreamEventThinking, Content: delta.ReasoningContent}); err != nil {
				return err
			}
		}
		if delta.Content == "" {
			continue
		}
		if err := callback(StreamEvent{Type: StreamEventToken, Content: delta.Content}); err != nil {
			return err
		}
	}
}

// Generate implements Provider. Reasoning output, as returned by
// deepseek-reasoner, precedes the answer inside ThinkOpen/ThinkClose.
func (o *OpenAIClient) Generate(ctx context.Context, req Request) (string, error) {
	chatReq, err := o.buildRequest(req)
	if err != nil {
		return "", err
	}
	slog.Debug("Generating text via OpenAI-compatible API", "provider", o.name, "model", req.Model)

	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", fmt.Errorf("%s API call failed: %w", o.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s returned no choices", o.name)
	}
	slog.Debug("Received response", "provider", o.name, "finish_reason", resp.Choices[0].FinishReason)
	msg := resp.Choices[0].Message
	if msg.ReasoningContent != "" {
		return ThinkOpen + msg.ReasoningContent + ThinkClose + msg.Content, nil
	}
	return msg.Content, nil
}

func (o *OpenAIClient) buildRequest(req Request) (openai.ChatCompletionRequest, error) {
	chatReq := openai.ChatCompletionRequest{Model: req.Model}

	if req.System != "" {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		converted, err := toOpenAIMessage(msg)
		if err != nil {
			return chatReq, err
		}
		chatReq.Messages = append(chatReq.Messages, converted)
	}

	if req.Params.Temperature != nil {
		chatReq.Temperature = *req.Params.Temperature
	}
	if req.Params.MaxTokens != nil {
		if o.useMaxCompletionTokens {
			chatReq.MaxCompletionTokens = *req.Params.MaxTokens
		} else {
			chatReq.MaxTokens = *req.Params.MaxTokens
		}
	}
	if len(req.Params.Stop) > 0 {
		chatReq.Stop = req.Params.Stop
	}
	return chatReq, nil
}

// toOpenAIMessage converts a message. Messages without attachments use the
// plain content field; only user messages may carry images.
func toOpenAIMessage(msg Message) (openai.ChatCompletionMessage, error) {
	out := openai.ChatCompletionMessage{Role: msg.Role}

	hasAttachment := false
	for _, p := range msg.Parts {
		if p.Attachment != nil {
			hasAttachment = true
			break
		}
	}
	if !hasAttachment || msg.Role != RoleUser {
		out.Content = msg.Text()
		return out, nil
	}

	for _, p := range msg.Parts {
		a := p.Attachment
		switch {
		case a == nil:
			if p.Text != "" {
				out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			}
		case a.IsImage():
			url := a.URL
			if url == "" {
				url = dataURL(a)
			}
			out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto},
			})
		case a.IsText() && a.URL == "":
			out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: inlineTextAttachment(a),
			})
		default:
			return out, fmt.Errorf("attachment %q (%s) is not supported by this provider", a.Filename, a.MimeType)
		}
	}
	return out, nil
}
