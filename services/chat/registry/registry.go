// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry maps model identifiers to capability descriptors.
package registry

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

//go:embed models.yaml
var builtinModels []byte

// ErrUnknownModel is returned by Get for an identifier with no descriptor.
var ErrUnknownModel = errors.New("unknown model")

// Descriptor describes what a model can do.
type Descriptor struct {
	// ID is the client-facing identifier.
	ID string `yaml:"id"`

	// Model is the handle passed to the provider API.
	Model string `yaml:"model"`

	// Provider names the back end: openai, anthropic, deepseek or ollama.
	Provider string `yaml:"provider"`

	SupportsStreaming      bool     `yaml:"supports_streaming"`
	SupportsToolUse        bool     `yaml:"supports_tool_use"`
	SupportsImages         bool     `yaml:"supports_images"`
	SupportsPdfs           bool     `yaml:"supports_pdfs"`
	SupportsSystemMessages bool     `yaml:"supports_system_messages"`
	SupportedMimeTypes     []string `yaml:"supported_mime_types"`

	mimeSet map[string]struct{}
}

// AcceptsMimeType reports whether the model takes attachments of mimeType.
func (d *Descriptor) AcceptsMimeType(mimeType string) bool {
	_, ok := d.mimeSet[normalizeMime(mimeType)]
	return ok
}

// Accepts reports whether part can be sent to this model.
//
// Text is always accepted. Images need SupportsImages and files need
// SupportsPdfs when they are PDFs; in both cases the MIME type must also
// be listed in SupportedMimeTypes.
func (d *Descriptor) Accepts(part datatypes.ContentPart) bool {
	switch p := part.(type) {
	case datatypes.TextPart:
		return true
	case datatypes.ImagePart:
		return d.SupportsImages && d.AcceptsMimeType(p.File.MimeType)
	case datatypes.FilePart:
		if normalizeMime(p.File.MimeType) == "application/pdf" && !d.SupportsPdfs {
			return false
		}
		return d.AcceptsMimeType(p.File.MimeType)
	default:
		return false
	}
}

// Info returns the public listing entry for the model.
func (d *Descriptor) Info() datatypes.ModelInfo {
	return datatypes.ModelInfo{
		Name:              d.ID,
		SupportsToolUse:   d.SupportsToolUse,
		SupportsStreaming: d.SupportsStreaming,
		Provider:          d.Provider,
		SupportsImages:    d.SupportsImages,
		SupportsPdfs:      d.SupportsPdfs,
	}
}

// Registry is a read-only model catalog.
//
// # Description
//
// A Registry is populated once, at startup, and never mutated afterwards.
// It is safe for concurrent use.
type Registry struct {
	models map[string]*Descriptor
	order  []string
}

type catalogFile struct {
	Models []*Descriptor `yaml:"models"`
}

// Default returns the built-in catalog.
func Default() (*Registry, error) {
	return Parse(builtinModels)
}

// Load returns the built-in catalog, replaced by the file at path when path
// is non-empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML.
func Parse(data []byte) (*Registry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	return New(file.Models...)
}

// New builds a registry from descriptors. Listing order follows argument
// order.
func New(descriptors ...*Descriptor) (*Registry, error) {
	r := &Registry{models: make(map[string]*Descriptor, len(descriptors))}
	for i, d := range descriptors {
		if d == nil || d.ID == "" {
			return nil, fmt.Errorf("model catalog entry %d: id is required", i)
		}
		if d.Provider == "" {
			return nil, fmt.Errorf("model %q: provider is required", d.ID)
		}
		if _, dup := r.models[d.ID]; dup {
			return nil, fmt.Errorf("model %q: duplicate id", d.ID)
		}
		if d.Model == "" {
			d.Model = d.ID
		}
		d.mimeSet = make(map[string]struct{}, len(d.SupportedMimeTypes))
		for _, m := range d.SupportedMimeTypes {
			d.mimeSet[normalizeMime(m)] = struct{}{}
		}
		r.models[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	return r, nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (*Descriptor, error) {
	d, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return d, nil
}

// List returns every descriptor in catalog order.
func (r *Registry) List() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id])
	}
	return out
}

// Providers returns the distinct provider names in catalog order.
func (r *Registry) Providers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range r.order {
		p := r.models[id].Provider
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func normalizeMime(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}
