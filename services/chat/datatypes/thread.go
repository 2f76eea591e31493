// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q", s)
	}
	return r, nil
}

// Thread is a persisted conversation.
//
// A thread is immutable apart from Title and UpdatedAt. Title is set at most
// once, by the title generator.
type Thread struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Title     *string    `json:"title"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Messages  []*Message `json:"messages,omitempty"`
}

// HasTitle reports whether a non-empty title has been set.
func (t *Thread) HasTitle() bool {
	return t.Title != nil && *t.Title != ""
}

// Message is one append-only entry in a thread. Each message holds exactly
// one content part.
type Message struct {
	ID        string
	ThreadID  string
	UserID    string
	Role      Role
	Content   ContentPart
	Seq       int64
	CreatedAt time.Time
	Model     *string
	Provider  *string
}

type messageJSON struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"threadId"`
	UserID    string          `json:"userId"`
	Role      Role            `json:"role"`
	Content   json.RawMessage `json:"content"`
	Seq       int64           `json:"seq"`
	CreatedAt time.Time       `json:"createdAt"`
	Model     *string         `json:"model,omitempty"`
	Provider  *string         `json:"provider,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	content, err := MarshalContentPart(m.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageJSON{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		UserID:    m.UserID,
		Role:      m.Role,
		Content:   content,
		Seq:       m.Seq,
		CreatedAt: m.CreatedAt,
		Model:     m.Model,
		Provider:  m.Provider,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire messageJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	content, err := UnmarshalContentPart(wire.Content)
	if err != nil {
		return err
	}
	*m = Message{
		ID:        wire.ID,
		ThreadID:  wire.ThreadID,
		UserID:    wire.UserID,
		Role:      wire.Role,
		Content:   content,
		Seq:       wire.Seq,
		CreatedAt: wire.CreatedAt,
		Model:     wire.Model,
		Provider:  wire.Provider,
	}
	return nil
}
