// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
// Package config loads the chat service configuration from YAML with
// environment overrides.
package config

import (
	"time"
)

// Environment names. Production switches attachments to signed URLs.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// ChatConfig is the complete service configuration.
type ChatConfig struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Database      DatabaseConfig      `yaml:"database"`
	Storage       StorageConfig       `yaml:"storage"`
	Providers     ProvidersConfig     `yaml:"providers"`
	ModelsFile    string              `yaml:"models_file"`
	Title         TitleConfig         `yaml:"title"`
	Assistant     AssistantConfig     `yaml:"assistant"`
	Auth          AuthConfig          `yaml:"auth"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Port int `yaml:"port"` // e.g. 12210

	// GinMode is debug, release or test.
	GinMode string `yaml:"gin_mode"`

	// Environment is development or production.
	Environment string `yaml:"environment"`

	// PublicURL is the externally visible base of this service, used for
	// self-hosted file URLs. Defaults to http://localhost:<port>.
	PublicURL string `yaml:"public_url"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	// Level is debug, info, warn or error. Reloaded when the file changes.
	Level string `yaml:"level"`

	// Format is text, json, or empty for automatic.
	Format string `yaml:"format"`

	Dir string `yaml:"dir"`
}

type DatabaseConfig struct {
	// Driver is sqlite or postgres.
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	Debug        bool   `yaml:"debug"`
}

type StorageConfig struct {
	// Bucket selects GCS. Empty means local disk under Dir.
	Bucket          string `yaml:"bucket"`
	CredentialsFile string `yaml:"credentials_file"`

	Dir string `yaml:"dir"`

	// SigningSecret signs self-hosted file URLs. A random secret is
	// generated at startup when empty, which invalidates URLs on restart.
	SigningSecret string `yaml:"signing_secret"`

	// AttachmentMode is inline or signed-url. Defaults by environment.
	AttachmentMode string `yaml:"attachment_mode"`

	MaxInlineBytes int64         `yaml:"max_inline_bytes"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	UploadTTL      time.Duration `yaml:"upload_ttl"`
	ReadTTL        time.Duration `yaml:"read_ttl"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// SecretName is read from /run/secrets when APIKey is empty.
	SecretName string `yaml:"secret_name"`
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	DeepSeek  ProviderConfig `yaml:"deepseek"`
	Ollama    ProviderConfig `yaml:"ollama"`
}

type TitleConfig struct {
	// Model is a registry id. Empty disables title generation.
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type AssistantConfig struct {
	// Persona replaces the built-in assistant instructions.
	Persona string `yaml:"persona"`

	// FinalizeTimeout bounds storing a reply after the client has gone.
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`
}

type AuthConfig struct {
	// Mode is none or jwt.
	Mode       string `yaml:"mode"`
	Secret     string `yaml:"secret"`
	CookieName string `yaml:"cookie_name"`
	UserClaim  string `yaml:"user_claim"`
}

type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ObservabilityConfig struct {
	ServiceName string `yaml:"service_name"`

	// TraceExporter is none, otlp or stdout.
	TraceExporter string `yaml:"trace_exporter"`

	// MetricExporter is none, prometheus or stdout. Selects the
	// OpenTelemetry meter provider; /metrics is always served.
	MetricExporter string `yaml:"metric_exporter"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() ChatConfig {
	return ChatConfig{
		Server: ServerConfig{
			Port:            12210,
			GinMode:         "release",
			Environment:     EnvDevelopment,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "./data/chat.db",
		},
		Storage: StorageConfig{
			Dir:            "./data/attachments",
			MaxInlineBytes: 20 << 20,
			MaxUploadBytes: 20 << 20,
			UploadTTL:      time.Hour,
			ReadTTL:        20 * time.Minute,
		},
		Providers: ProvidersConfig{
			OpenAI:    ProviderConfig{SecretName: "openai_api_key"},
			Anthropic: ProviderConfig{SecretName: "anthropic_api_key"},
			DeepSeek:  ProviderConfig{BaseURL: "https://api.deepseek.com/v1", SecretName: "deepseek_api_key"},
			Ollama:    ProviderConfig{BaseURL: "http://localhost:11434"},
		},
		Title: TitleConfig{
			Timeout: 30 * time.Second,
		},
		Assistant: AssistantConfig{
			FinalizeTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Mode:       "none",
			CookieName: "id",
			UserClaim:  "userId",
		},
		Observability: ObservabilityConfig{
			ServiceName:    "aleutian-chat",
			TraceExporter:  "none",
			MetricExporter: "none",
		},
	}
}
