// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides durable storage for chat threads and messages.
package store

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// PageSize is the number of threads returned per GetThreads page.
const PageSize = 10

var (
	// ErrThreadNotFound is returned when a message targets a thread that
	// does not exist.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrInvalidRole is returned when a message role is not system, user or
	// assistant.
	ErrInvalidRole = errors.New("invalid role")

	// ErrInvalidContent is returned when a content part fails validation or
	// no parts are given.
	ErrInvalidContent = errors.New("invalid content")
)

// MessageStore is the persistence contract of the chat service.
//
// # Description
//
// Threads own an append-only list of messages. Each message holds exactly
// one ContentPart and a per-thread sequence number. Messages are returned
// in insertion order, which is also non-decreasing CreatedAt order.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. No per-thread locking is
// performed across calls: two requests writing to the same thread may
// interleave their messages.
type MessageStore interface {
	// CreateThread creates an untitled thread owned by userID.
	CreateThread(ctx context.Context, userID string) (*datatypes.Thread, error)

	// GetThread returns the thread with its ordered messages, or (nil, nil)
	// if no such thread exists.
	GetThread(ctx context.Context, threadID string) (*datatypes.Thread, error)

	// GetThreads returns one page (1-based) of the user's threads, newest
	// first, each hydrated with its messages. A non-empty search restricts
	// the result to threads with a text message containing search,
	// case-insensitively.
	GetThreads(ctx context.Context, userID string, page int, search string) ([]*datatypes.Thread, error)

	// CreateMessage appends one message per part, in slice order.
	//
	// Returns ErrInvalidRole or ErrInvalidContent before writing anything,
	// and ErrThreadNotFound if the thread does not exist. On any error no
	// message is written.
	CreateMessage(ctx context.Context, userID, threadID string, role datatypes.Role, parts []datatypes.ContentPart, opts ...MessageOption) ([]*datatypes.Message, error)

	// ListMessages returns the messages of a thread in order.
	ListMessages(ctx context.Context, threadID string) ([]*datatypes.Message, error)

	// SetTitleIfUnset sets the thread title unless one is already set.
	// Reports whether the title was written.
	SetTitleIfUnset(ctx context.Context, threadID, title string) (bool, error)

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	// Close releases the database handle.
	Close() error
}

// messageOptions holds the optional attributes of a new message.
type messageOptions struct {
	model    *string
	provider *string
}

// MessageOption sets an optional attribute on messages created by
// CreateMessage.
type MessageOption func(*messageOptions)

// WithModel tags messages with the model and provider that produced them.
func WithModel(model, provider string) MessageOption {
	return func(o *messageOptions) {
		if model != "" {
			o.model = &model
		}
		if provider != "" {
			o.provider = &provider
		}
	}
}
