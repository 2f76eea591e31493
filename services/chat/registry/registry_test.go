// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

func TestDefault_LoadsBuiltinCatalog(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	d, err := r.Get("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "openai", d.Provider)
	assert.True(t, d.SupportsStreaming)
	assert.True(t, d.SupportsImages)

	o1, err := r.Get("o1-mini")
	require.NoError(t, err)
	assert.False(t, o1.SupportsSystemMessages)
	assert.False(t, o1.SupportsStreaming)

	assert.Contains(t, r.Providers(), "anthropic")
	assert.Equal(t, "gpt-4o", r.List()[0].ID)
}

func TestGet_UnknownModel(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	_, err = r.Get("gpt-17")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestDescriptor_Accepts(t *testing.T) {
	r, err := New(
		&Descriptor{ID: "vision", Provider: "openai", SupportsImages: true, SupportedMimeTypes: []string{"image/png"}},
		&Descriptor{ID: "blind", Provider: "openai"},
		&Descriptor{ID: "docs", Provider: "anthropic", SupportsImages: true, SupportsPdfs: true, SupportedMimeTypes: []string{"image/png", "application/pdf"}},
	)
	require.NoError(t, err)

	png := datatypes.ImagePart{File: datatypes.FileMetadata{MimeType: "image/png", FileKey: "a"}}
	jpeg := datatypes.ImagePart{File: datatypes.FileMetadata{MimeType: "image/jpeg", FileKey: "b"}}
	pdf := datatypes.FilePart{File: datatypes.FileMetadata{MimeType: "application/pdf", FileKey: "c"}}
	txt := datatypes.TextPart{Text: "hi"}

	tests := []struct {
		model string
		part  datatypes.ContentPart
		want  bool
	}{
		{"vision", txt, true},
		{"vision", png, true},
		{"vision", jpeg, false},
		{"vision", pdf, false},
		{"blind", txt, true},
		{"blind", png, false},
		{"docs", pdf, true},
		{"docs", png, true},
	}
	for _, tt := range tests {
		d, err := r.Get(tt.model)
		require.NoError(t, err)
		assert.Equal(t, tt.want, d.Accepts(tt.part), "%s accepts %T", tt.model, tt.part)
	}
}

func TestDescriptor_AcceptsMimeTypeNormalizes(t *testing.T) {
	r, err := New(&Descriptor{ID: "m", Provider: "openai", SupportedMimeTypes: []string{"Image/PNG"}})
	require.NoError(t, err)
	d, _ := r.Get("m")
	assert.True(t, d.AcceptsMimeType("image/png; charset=binary"))
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(&Descriptor{ID: "", Provider: "openai"})
	assert.Error(t, err)

	_, err = New(&Descriptor{ID: "a"})
	assert.Error(t, err)

	_, err = New(&Descriptor{ID: "a", Provider: "x"}, &Descriptor{ID: "a", Provider: "x"})
	assert.Error(t, err)
}

func TestLoad_OverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  - id: local
    provider: ollama
    supports_streaming: true
`), 0o600))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, r.List(), 1)

	d, err := r.Get("local")
	require.NoError(t, err)
	assert.Equal(t, "local", d.Model)
	assert.Equal(t, datatypes.ModelInfo{Name: "local", Provider: "ollama", SupportsStreaming: true}, d.Info())
}
