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
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// Content Types
// =============================================================================

// ContentType is the wire tag of a ContentPart.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeFile  ContentType = "file"
)

// FileMetadata references an object in attachment storage.
//
// FileKey is the only durable reference. URLs are derived on demand and
// never stored, because signed URLs expire.
type FileMetadata struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	FileKey  string `json:"file_key"`
}

// ContentPart is one unit of message content.
//
// # Description
//
// ContentPart is a closed sum type: the only implementations are TextPart,
// ImagePart and FilePart. Consumers switch on the concrete type:
//
//	switch p := part.(type) {
//	case datatypes.TextPart:
//	    use(p.Text)
//	case datatypes.ImagePart:
//	    use(p.File)
//	case datatypes.FilePart:
//	    use(p.File)
//	}
//
// The JSON form carries a "type" tag:
//
//	{"type":"text","text":"hello"}
//	{"type":"image","file_metadata":{"filename":"a.png","mime_type":"image/png","file_key":"k"}}
//
// # Limitations
//
//   - The set of variants is fixed; unknown tags fail to decode.
type ContentPart interface {
	// Type returns the wire tag.
	Type() ContentType

	contentPart()
}

// TextPart is plain text content.
type TextPart struct {
	Text string
}

// ImagePart is an image attachment.
type ImagePart struct {
	File FileMetadata
}

// FilePart is a non-image attachment (PDF, text file, ...).
type FilePart struct {
	File FileMetadata
}

func (TextPart) Type() ContentType  { return ContentTypeText }
func (ImagePart) Type() ContentType { return ContentTypeImage }
func (FilePart) Type() ContentType  { return ContentTypeFile }

func (TextPart) contentPart()  {}
func (ImagePart) contentPart() {}
func (FilePart) contentPart()  {}

// NewAttachmentPart classifies an uploaded file: any MIME type mentioning
// "image" becomes an ImagePart, everything else a FilePart.
func NewAttachmentPart(meta FileMetadata) ContentPart {
	if strings.Contains(strings.ToLower(meta.MimeType), "image") {
		return ImagePart{File: meta}
	}
	return FilePart{File: meta}
}

// AttachmentOf returns the file metadata of an attachment part.
func AttachmentOf(part ContentPart) (FileMetadata, bool) {
	switch p := part.(type) {
	case ImagePart:
		return p.File, true
	case FilePart:
		return p.File, true
	default:
		return FileMetadata{}, false
	}
}

// TextOf returns the text of a text part.
func TextOf(part ContentPart) (string, bool) {
	if p, ok := part.(TextPart); ok {
		return p.Text, true
	}
	return "", false
}

// ValidateContentPart checks the invariants of a single part.
func ValidateContentPart(part ContentPart) error {
	switch p := part.(type) {
	case TextPart:
		if len(p.Text) > MaxMessageContentBytes {
			return fmt.Errorf("text content exceeds %d bytes", MaxMessageContentBytes)
		}
		return nil
	case ImagePart:
		return validateFileMetadata(p.File)
	case FilePart:
		return validateFileMetadata(p.File)
	case nil:
		return fmt.Errorf("content part is nil")
	default:
		return fmt.Errorf("unsupported content part %T", part)
	}
}

func validateFileMetadata(meta FileMetadata) error {
	if meta.FileKey == "" {
		return fmt.Errorf("file_metadata.file_key is required")
	}
	if meta.MimeType == "" {
		return fmt.Errorf("file_metadata.mime_type is required")
	}
	return nil
}

// =============================================================================
// JSON Encoding
// =============================================================================

type contentPartJSON struct {
	Type         ContentType   `json:"type"`
	Text         *string       `json:"text,omitempty"`
	FileMetadata *FileMetadata `json:"file_metadata,omitempty"`
}

// MarshalContentPart encodes a part in its tagged JSON form.
func MarshalContentPart(part ContentPart) ([]byte, error) {
	var wire contentPartJSON
	switch p := part.(type) {
	case TextPart:
		text := p.Text
		wire = contentPartJSON{Type: ContentTypeText, Text: &text}
	case ImagePart:
		meta := p.File
		wire = contentPartJSON{Type: ContentTypeImage, FileMetadata: &meta}
	case FilePart:
		meta := p.File
		wire = contentPartJSON{Type: ContentTypeFile, FileMetadata: &meta}
	default:
		return nil, fmt.Errorf("unsupported content part %T", part)
	}
	return json.Marshal(wire)
}

// UnmarshalContentPart decodes a tagged JSON part.
func UnmarshalContentPart(data []byte) (ContentPart, error) {
	var wire contentPartJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode content part: %w", err)
	}
	switch wire.Type {
	case ContentTypeText:
		if wire.Text == nil {
			return nil, fmt.Errorf("text part without text")
		}
		return TextPart{Text: *wire.Text}, nil
	case ContentTypeImage:
		if wire.FileMetadata == nil {
			return nil, fmt.Errorf("image part without file_metadata")
		}
		return ImagePart{File: *wire.FileMetadata}, nil
	case ContentTypeFile:
		if wire.FileMetadata == nil {
			return nil, fmt.Errorf("file part without file_metadata")
		}
		return FilePart{File: *wire.FileMetadata}, nil
	default:
		return nil, fmt.Errorf("unknown content type %q", wire.Type)
	}
}

// ContentParts is a request body field that accepts either a single part
// object or an array of parts.
type ContentParts []ContentPart

// UnmarshalJSON implements json.Unmarshaler.
func (c *ContentParts) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = nil
		return nil
	}
	if trimmed[0] != '[' {
		part, err := UnmarshalContentPart(trimmed)
		if err != nil {
			return err
		}
		*c = ContentParts{part}
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return fmt.Errorf("decode content parts: %w", err)
	}
	parts := make(ContentParts, 0, len(raw))
	for i, item := range raw {
		part, err := UnmarshalContentPart(item)
		if err != nil {
			return fmt.Errorf("content[%d]: %w", i, err)
		}
		parts = append(parts, part)
	}
	*c = parts
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c ContentParts) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(c))
	for _, part := range c {
		data, err := MarshalContentPart(part)
		if err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}
	return json.Marshal(raw)
}
