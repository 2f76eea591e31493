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
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single text part.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxPartsPerMessage bounds one createMessage call.
	MaxPartsPerMessage = 32

	// MaxAttachmentsPerTurn bounds the attachments of one inference turn.
	MaxAttachmentsPerTurn = 16

	// MaxInstructionsBytes bounds user custom instructions.
	MaxInstructionsBytes = 8 * 1024
)

// =============================================================================
// Validation Setup
// =============================================================================

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// maxbytes checks byte length rather than rune count.
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Thread & Message Requests
// =============================================================================

// CreateThreadResponse is returned by POST /threads.
type CreateThreadResponse struct {
	ID string `json:"id"`
}

// CreateMessageRequest is the body of POST /threads/{id}/messages.
//
// Role is validated separately so that an unknown role can be reported as
// INVALID_ROLE rather than a generic validation failure.
type CreateMessageRequest struct {
	Role    string       `json:"role" validate:"required"`
	Content ContentParts `json:"content" validate:"required,min=1,max=32"`
}

// Validate checks the request shape and every content part.
func (r *CreateMessageRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return err
	}
	for i, part := range r.Content {
		if err := ValidateContentPart(part); err != nil {
			return fmt.Errorf("content[%d]: %w", i, err)
		}
	}
	return nil
}

// CreateMessageResponse is returned by POST /threads/{id}/messages.
type CreateMessageResponse struct {
	Message  string     `json:"message"`
	Messages []*Message `json:"messages"`
}

// =============================================================================
// Inference Requests
// =============================================================================

// Attachment is an uploaded file referenced by an inference turn.
//
// URL is accepted for client compatibility but ignored; view URLs are
// always derived from FileKey.
type Attachment struct {
	Name        string `json:"name" validate:"max=255"`
	ContentType string `json:"contentType" validate:"required,max=255"`
	URL         string `json:"url,omitempty"`
	FileKey     string `json:"file_key" validate:"required,max=1024"`
}

// FileMetadata converts the attachment into its stored form.
func (a Attachment) FileMetadata() FileMetadata {
	return FileMetadata{
		Filename: a.Name,
		MimeType: a.ContentType,
		FileKey:  a.FileKey,
	}
}

// InferenceMessage is the user turn submitted with an inference request.
//
// Clients built on the AI SDK send attachments as experimental_attachments;
// both spellings are accepted and concatenated in that order.
type InferenceMessage struct {
	Content                 string       `json:"content" validate:"maxbytes"`
	Attachments             []Attachment `json:"attachments,omitempty" validate:"max=16,dive"`
	ExperimentalAttachments []Attachment `json:"experimental_attachments,omitempty" validate:"max=16,dive"`
}

// AllAttachments returns every attachment in submission order.
func (m InferenceMessage) AllAttachments() []Attachment {
	all := make([]Attachment, 0, len(m.Attachments)+len(m.ExperimentalAttachments))
	all = append(all, m.Attachments...)
	all = append(all, m.ExperimentalAttachments...)
	return all
}

// InferenceRequest is the body of POST /threads/{id}/inference.
type InferenceRequest struct {
	Model        string           `json:"model" validate:"required,max=128"`
	MaxTokens    *int             `json:"maxTokens,omitempty" validate:"omitempty,gt=0,lte=1000000"`
	Temperature  *float32         `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	Instructions string           `json:"instructions,omitempty" validate:"max=8192"`
	Message      InferenceMessage `json:"message"`
}

// Validate checks the request. A turn needs text, attachments, or both.
func (r *InferenceRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return err
	}
	attachments := r.Message.AllAttachments()
	if len(attachments) > MaxAttachmentsPerTurn {
		return fmt.Errorf("at most %d attachments per message", MaxAttachmentsPerTurn)
	}
	if r.Message.Content == "" && len(attachments) == 0 {
		return fmt.Errorf("message must contain text or attachments")
	}
	return nil
}

// =============================================================================
// Upload Requests
// =============================================================================

// PresignRequest is the body of POST /presigned-url.
type PresignRequest struct {
	Filename string `json:"filename" validate:"required,max=255"`
	MimeType string `json:"mime_type" validate:"required,max=255"`
	Size     int64  `json:"size" validate:"required,gt=0"`
}

// Validate checks the request shape. Size limits are enforced by the
// attachment service.
func (r *PresignRequest) Validate() error {
	return chatValidate.Struct(r)
}

// PresignResponse is returned by POST /presigned-url.
type PresignResponse struct {
	URL          string       `json:"url"`
	ViewURL      string       `json:"viewUrl"`
	FileMetadata FileMetadata `json:"file_metadata"`
}

// =============================================================================
// Model Listing
// =============================================================================

// ModelInfo is one entry of GET /models.
type ModelInfo struct {
	Name              string `json:"name"`
	SupportsToolUse   bool   `json:"supportsToolUse"`
	SupportsStreaming bool   `json:"supportsStreaming"`
	Provider          string `json:"provider"`
	SupportsImages    bool   `json:"supportsImages"`
	SupportsPdfs      bool   `json:"supportsPdfs"`
}

// ErrorResponse is the JSON body of every non-streaming error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
