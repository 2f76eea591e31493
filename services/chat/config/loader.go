// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
)

// Load reads the configuration.
//
// # Description
//
// Starts from DefaultConfig, overlays the YAML file at path (if path is
// non-empty), then applies environment overrides, then derives defaults
// that depend on other fields, and finally validates.
//
// # Inputs
//
//   - path: YAML file. Empty means defaults plus environment only.
//
// # Outputs
//
//   - *ChatConfig: Ready to use.
//   - error: Unreadable file, bad YAML, bad environment value, or failed
//     validation.
func Load(path string) (*ChatConfig, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDerived fills fields whose default depends on other fields.
func (c *ChatConfig) applyDerived() {
	if c.Storage.AttachmentMode == "" {
		// Providers can only fetch signed URLs from a public object store.
		if c.Server.Environment == EnvProduction {
			c.Storage.AttachmentMode = "signed-url"
		} else {
			c.Storage.AttachmentMode = "inline"
		}
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
}

// Validate checks value ranges and cross-field requirements.
func (c *ChatConfig) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Server.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("server.environment must be %s or %s", EnvDevelopment, EnvProduction))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres"))
	}
	if c.Database.DSN == "" {
		errs = append(errs, fmt.Errorf("database.dsn is required"))
	}
	switch c.Storage.AttachmentMode {
	case "inline", "signed-url":
	default:
		errs = append(errs, fmt.Errorf("storage.attachment_mode must be inline or signed-url"))
	}
	if c.Storage.Bucket == "" && c.Storage.Dir == "" {
		errs = append(errs, fmt.Errorf("storage.bucket or storage.dir is required"))
	}
	if c.Storage.MaxUploadBytes <= 0 || c.Storage.MaxInlineBytes <= 0 {
		errs = append(errs, fmt.Errorf("storage size limits must be positive"))
	}
	switch c.Auth.Mode {
	case "none":
	case "jwt":
		if c.Auth.Secret == "" {
			errs = append(errs, fmt.Errorf("auth.secret is required when auth.mode is jwt"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode must be none or jwt"))
	}
	if c.Server.Environment == EnvProduction && c.Auth.Mode == "none" {
		errs = append(errs, fmt.Errorf("auth.mode none is not allowed in production"))
	}
	return errors.Join(errs...)
}

// =============================================================================
// Environment Overrides
// =============================================================================

type lookupFunc func(string) (string, bool)

// applyEnv overlays CHAT_* variables and the conventional provider and
// OpenTelemetry variables.
func applyEnv(c *ChatConfig, lookup lookupFunc) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	num64 := func(name string, dst *int64) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	num("CHAT_PORT", &c.Server.Port)
	str("CHAT_ENV", &c.Server.Environment)
	str("CHAT_GIN_MODE", &c.Server.GinMode)
	str("CHAT_PUBLIC_URL", &c.Server.PublicURL)
	dur("CHAT_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	str("CHAT_LOG_LEVEL", &c.Logging.Level)
	str("CHAT_LOG_FORMAT", &c.Logging.Format)
	str("CHAT_LOG_DIR", &c.Logging.Dir)

	str("CHAT_DB_DRIVER", &c.Database.Driver)
	str("CHAT_DB_DSN", &c.Database.DSN)
	num("CHAT_DB_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)

	str("CHAT_STORAGE_BUCKET", &c.Storage.Bucket)
	str("CHAT_STORAGE_CREDENTIALS_FILE", &c.Storage.CredentialsFile)
	str("CHAT_STORAGE_DIR", &c.Storage.Dir)
	str("CHAT_STORAGE_SIGNING_SECRET", &c.Storage.SigningSecret)
	str("CHAT_ATTACHMENT_MODE", &c.Storage.AttachmentMode)
	num64("CHAT_MAX_INLINE_BYTES", &c.Storage.MaxInlineBytes)
	num64("CHAT_MAX_UPLOAD_BYTES", &c.Storage.MaxUploadBytes)

	str("OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &c.Providers.OpenAI.BaseURL)
	str("ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	str("DEEPSEEK_API_KEY", &c.Providers.DeepSeek.APIKey)
	str("OLLAMA_BASE_URL", &c.Providers.Ollama.BaseURL)

	str("CHAT_MODELS_FILE", &c.ModelsFile)
	str("CHAT_TITLE_MODEL", &c.Title.Model)
	str("CHAT_PERSONA", &c.Assistant.Persona)

	str("CHAT_AUTH_MODE", &c.Auth.Mode)
	str("CHAT_JWT_SECRET", &c.Auth.Secret)
	flag("CHAT_AUDIT_ENABLED", &c.Audit.Enabled)

	str("CHAT_TRACE_EXPORTER", &c.Observability.TraceExporter)
	str("CHAT_METRIC_EXPORTER", &c.Observability.MetricExporter)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Observability.OTLPEndpoint)

	return errors.Join(errs...)
}
