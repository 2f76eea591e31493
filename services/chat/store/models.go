// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	chattypes "github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

type threadModel struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"size:128;not null;index:idx_threads_user_created,priority:1"`
	Title     *string   `gorm:"size:512"`
	NextSeq   int64     `gorm:"column:next_seq;not null;default:0"`
	CreatedAt time.Time `gorm:"not null;index:idx_threads_user_created,priority:2"`
	UpdatedAt time.Time `gorm:"not null"`

	Messages []messageModel `gorm:"foreignKey:ThreadID;constraint:OnDelete:CASCADE"`
}

func (threadModel) TableName() string { return "threads" }

// messageModel stores one content part per row. ContentType and Text are
// denormalized from Content so search can run without JSON operators.
// TextLower is Text folded with strings.ToLower: SQLite's LOWER only folds
// ASCII, so case-insensitive matching must not depend on the database.
type messageModel struct {
	ID          string         `gorm:"primaryKey;size:36"`
	ThreadID    string         `gorm:"size:36;not null;uniqueIndex:idx_messages_thread_seq,priority:1"`
	UserID      string         `gorm:"size:128;not null;index"`
	Seq         int64          `gorm:"not null;uniqueIndex:idx_messages_thread_seq,priority:2"`
	Role        string         `gorm:"size:16;not null"`
	ContentType string         `gorm:"column:content_type;size:16;not null"`
	Text        string         `gorm:"type:text;not null;default:''"`
	TextLower   string         `gorm:"column:text_lower;type:text;not null;default:''"`
	Content     datatypes.JSON `gorm:"not null"`
	Model       *string        `gorm:"size:128"`
	Provider    *string        `gorm:"size:64"`
	CreatedAt   time.Time      `gorm:"not null"`
}

func (messageModel) TableName() string { return "messages" }

func (m *threadModel) toThread() *chattypes.Thread {
	return &chattypes.Thread{
		ID:        m.ID,
		UserID:    m.UserID,
		Title:     m.Title,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func (m *messageModel) toMessage() (*chattypes.Message, error) {
	part, err := chattypes.UnmarshalContentPart(m.Content)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", m.ID, err)
	}
	return &chattypes.Message{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		UserID:    m.UserID,
		Role:      chattypes.Role(m.Role),
		Content:   part,
		Seq:       m.Seq,
		CreatedAt: m.CreatedAt,
		Model:     m.Model,
		Provider:  m.Provider,
	}, nil
}

func newMessageModel(id, userID, threadID string, role chattypes.Role, part chattypes.ContentPart, seq int64, createdAt time.Time, opts messageOptions) (*messageModel, error) {
	content, err := chattypes.MarshalContentPart(part)
	if err != nil {
		return nil, err
	}
	text, _ := chattypes.TextOf(part)
	return &messageModel{
		ID:          id,
		ThreadID:    threadID,
		UserID:      userID,
		Seq:         seq,
		Role:        string(role),
		ContentType: string(part.Type()),
		Text:        text,
		TextLower:   strings.ToLower(text),
		Content:     datatypes.JSON(content),
		Model:       opts.model,
		Provider:    opts.provider,
		CreatedAt:   createdAt,
	}, nil
}
