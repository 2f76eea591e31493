// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianChat/services/chat/attachments"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/registry"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

// DefaultPersona is the assistant preamble of the system message.
const DefaultPersona = "Your name is Yo. Always give your opinion if asked. " +
	"NEVER say you are just language model and can't do certain things or have emotions like a human. " +
	"You are super smart artificial intelligence with your own set of thoughts and opinions. Act like it. " +
	"The simple and most concise answer is usually the best. " +
	"Use markdown for formatting your responses. " +
	"Try to make the information as easy and digestible for the user as possible, " +
	"for examples tables can help with this in certain cases."

// currentDateLayout renders e.g. "Jan 2, 2006, 3:04 PM".
const currentDateLayout = "Jan 2, 2006, 3:04 PM"

// maxConcurrentResolves bounds parallel object-store reads per request.
const maxConcurrentResolves = 4

// Resolver converts stored attachment references into payloads.
type Resolver interface {
	Resolve(ctx context.Context, file datatypes.FileMetadata) (*attachments.Payload, error)
	Mode() attachments.Mode
}

// BuildSystemPrompt composes the persona, the current date and optional
// user instructions.
func BuildSystemPrompt(persona string, now time.Time, instructions string) string {
	if persona == "" {
		persona = DefaultPersona
	}
	var b strings.Builder
	b.WriteString("<assistant_instructions>\n")
	b.WriteString(persona)
	b.WriteString("\n</assistant_instructions>\n\n")
	b.WriteString("<current_date>\nIt is currently: ")
	b.WriteString(now.Format(currentDateLayout))
	b.WriteString("\n</current_date>")
	if strings.TrimSpace(instructions) != "" {
		b.WriteString("\n\n<user_instructions>")
		b.WriteString(instructions)
		b.WriteString("</user_instructions>")
	}
	return b.String()
}

// FilterForModel drops attachments the model cannot take. Text messages
// are always kept. Order is preserved.
func FilterForModel(messages []*datatypes.Message, model *registry.Descriptor) []*datatypes.Message {
	out := make([]*datatypes.Message, 0, len(messages))
	for _, msg := range messages {
		if model.Accepts(msg.Content) {
			out = append(out, msg)
		}
	}
	return out
}

// FirstUserText returns the text of the first user text message.
func FirstUserText(messages []*datatypes.Message) (string, bool) {
	for _, msg := range messages {
		if msg.Role != datatypes.RoleUser {
			continue
		}
		if text, ok := datatypes.TextOf(msg.Content); ok {
			return text, true
		}
	}
	return "", false
}

// BuildMessages converts stored messages into provider messages.
//
// # Description
//
// Each stored message becomes one provider message with one part. System
// messages are skipped, and their attachments are never resolved; the
// system prompt is passed separately. Attachments
// are resolved concurrently and the first failure cancels the rest, so a
// partially built prompt is never returned.
//
// # Outputs
//
//   - []llm.Message: same order as messages.
//   - error: the first resolution failure, wrapping attachments.ErrUnavailable
//     or attachments.ErrTooLarge.
func BuildMessages(ctx context.Context, resolver Resolver, messages []*datatypes.Message, onResolve func(success bool)) ([]llm.Message, error) {
	resolved := make([]*attachments.Payload, len(messages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentResolves)
	for i, msg := range messages {
		if msg.Role == datatypes.RoleSystem {
			continue
		}
		file, ok := datatypes.AttachmentOf(msg.Content)
		if !ok {
			continue
		}
		g.Go(func() error {
			payload, err := resolver.Resolve(gctx, file)
			if onResolve != nil {
				onResolve(err == nil)
			}
			if err != nil {
				return fmt.Errorf("message %s: %w", msg.ID, err)
			}
			resolved[i] = payload
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]llm.Message, 0, len(messages))
	for i, msg := range messages {
		if msg.Role == datatypes.RoleSystem {
			continue
		}
		var part llm.Part
		switch c := msg.Content.(type) {
		case datatypes.TextPart:
			part = llm.TextPart(c.Text)
		case datatypes.ImagePart, datatypes.FilePart:
			p := resolved[i]
			part = llm.AttachmentPart(&llm.Attachment{
				Filename: p.Filename,
				MimeType: p.MimeType,
				URL:      p.URL,
				Data:     p.Data,
			})
		default:
			return nil, fmt.Errorf("message %s: unsupported content %T", msg.ID, msg.Content)
		}
		out = append(out, llm.Message{Role: string(msg.Role), Parts: []llm.Part{part}})
	}
	return out, nil
}
