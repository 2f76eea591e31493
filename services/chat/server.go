// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
// Package chat wires the chat service together.
package chat

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/chat/attachments"
	"github.com/AleutianAI/AleutianChat/services/chat/config"
	"github.com/AleutianAI/AleutianChat/services/chat/handlers"
	"github.com/AleutianAI/AleutianChat/services/chat/inference"
	"github.com/AleutianAI/AleutianChat/services/chat/middleware"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
	"github.com/AleutianAI/AleutianChat/services/chat/registry"
	"github.com/AleutianAI/AleutianChat/services/chat/routes"
	"github.com/AleutianAI/AleutianChat/services/chat/store"
	"github.com/AleutianAI/AleutianChat/services/chat/title"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// Server is a running chat service.
//
// # Description
//
// New builds every component from configuration; Run serves HTTP until
// the context is canceled and then shuts down in dependency order:
// HTTP first (letting in-flight streams finalize), then background title
// generation, then the audit log, telemetry, object store and database.
type Server struct {
	cfg        *config.ChatConfig
	store      *store.GormStore
	objects    attachments.ObjectStore
	titles     *title.Generator
	audit      extensions.AuditLogger
	router     *gin.Engine
	httpServer *http.Server

	shutdownTelemetry func(context.Context) error
}

// New builds a Server. opts may override the auth provider and audit
// logger chosen by configuration.
//
// # Outputs
//
//   - *Server: Ready to Run. Call Close if Run is never called.
//   - error: Any component failed to initialize. Components created
//     before the failure are released.
func New(ctx context.Context, cfg *config.ChatConfig, opts extensions.ServiceOptions) (_ *Server, err error) {
	s := &Server{cfg: cfg}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	s.shutdownTelemetry, err = observability.InitTelemetry(ctx, observability.TelemetryConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Server.Environment,
		TraceExporter:  cfg.Observability.TraceExporter,
		MetricExporter: cfg.Observability.MetricExporter,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	metrics := observability.InitMetrics()
	instruments, err := observability.NewProviderInstruments()
	if err != nil {
		return nil, fmt.Errorf("provider instruments: %w", err)
	}

	s.store, err = OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Load(cfg.ModelsFile)
	if err != nil {
		return nil, err
	}
	providers := BuildProviders(cfg)
	for _, name := range reg.Providers() {
		if _, perr := providers.Get(name); perr != nil {
			slog.Warn("Catalog provider has no client; its models will fail", "provider", name)
		}
	}

	var files *attachments.DiskStore
	s.objects, files, err = openObjectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	resolver, err := attachments.NewService(s.objects, attachments.Config{
		Mode:           attachments.Mode(cfg.Storage.AttachmentMode),
		ReadTTL:        cfg.Storage.ReadTTL,
		UploadTTL:      cfg.Storage.UploadTTL,
		MaxInlineBytes: cfg.Storage.MaxInlineBytes,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
	})
	if err != nil {
		return nil, err
	}

	s.titles, err = buildTitles(cfg, reg, providers, s.store, metrics)
	if err != nil {
		return nil, err
	}

	orchCfg := inference.Config{
		Store:           s.store,
		Registry:        reg,
		Providers:       providers,
		Attachments:     resolver,
		Persona:         cfg.Assistant.Persona,
		Metrics:         metrics,
		Instruments:     instruments,
		FinalizeTimeout: cfg.Assistant.FinalizeTimeout,
	}
	if s.titles != nil {
		orchCfg.Titles = s.titles
	}
	orch, err := inference.New(orchCfg)
	if err != nil {
		return nil, err
	}

	if opts.AuthProvider == nil {
		opts.AuthProvider, err = buildAuth(cfg)
		if err != nil {
			return nil, err
		}
	}
	if opts.AuditLogger == nil && cfg.Audit.Enabled {
		opts.AuditLogger = &extensions.SlogAuditLogger{}
	}
	opts = opts.WithDefaults()
	s.audit = opts.AuditLogger

	deps := handlers.Deps{
		Store:          s.store,
		Registry:       reg,
		Inference:      orch,
		Uploads:        resolver,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		Health:         map[string]handlers.Pinger{"database": s.store},
		Audit:          s.audit,
		Metrics:        metrics,
	}
	if files != nil {
		deps.Files = files
	}
	h := handlers.New(deps)

	gin.SetMode(cfg.Server.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	routes.SetupRoutes(s.router, h, routes.Options{
		ServiceName: cfg.Observability.ServiceName,
		Extensions:  opts,
		CookieName:  cfg.Auth.CookieName,
		ServeFiles:  files != nil,
	})

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: inference streams last as long as generation.
		IdleTimeout: 120 * time.Second,
	}

	slog.Info("Chat service initialized",
		"version", Version,
		"environment", cfg.Server.Environment,
		"database", cfg.Database.Driver,
		"attachment_mode", cfg.Storage.AttachmentMode,
		"models", len(reg.List()),
		"providers", providers.Names(),
		"auth", cfg.Auth.Mode,
	)
	return s, nil
}

// Handler returns the HTTP handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down.
//
// # Description
//
// On shutdown the listener stops accepting connections and in-flight
// requests get ShutdownTimeout to finish. Streams still open after that
// are closed, which cancels their request contexts so that partial
// replies are stored.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Chat service listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		slog.Info("Shutting down chat service")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Graceful shutdown incomplete, closing open streams", "error", err)
		_ = s.httpServer.Close()
	}
	if err := s.Close(shutdownCtx); err != nil {
		slog.Warn("Shutdown finished with errors", "error", err)
	}
	return serveErr
}

// Close releases every component. Safe on a partially built Server.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.titles != nil {
		if err := s.titles.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("title generation: %w", err))
		}
	}
	if s.audit != nil {
		if err := s.audit.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit flush: %w", err))
		}
	}
	if s.shutdownTelemetry != nil {
		if err := s.shutdownTelemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	if s.objects != nil {
		if err := s.objects.Close(); err != nil {
			errs = append(errs, fmt.Errorf("object store: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Component Builders
// =============================================================================

// OpenStore connects to the configured database and migrates the schema.
func OpenStore(ctx context.Context, cfg *config.ChatConfig) (*store.GormStore, error) {
	db, err := store.Open(store.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Debug:        cfg.Database.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// BuildProviders creates a client for every provider with credentials.
// Providers without an API key are skipped with a log line; Ollama needs
// only a base URL.
func BuildProviders(cfg *config.ChatConfig) *llm.ProviderSet {
	var providers []llm.Provider
	p := cfg.Providers

	if key := llm.ResolveAPIKey(p.OpenAI.APIKey, p.OpenAI.SecretName); key != "" {
		client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			Name:                   "openai",
			APIKey:                 key,
			BaseURL:                p.OpenAI.BaseURL,
			UseMaxCompletionTokens: true,
		})
		if err != nil {
			slog.Warn("OpenAI provider disabled", "error", err)
		} else {
			providers = append(providers, client)
		}
	}
	if key := llm.ResolveAPIKey(p.DeepSeek.APIKey, p.DeepSeek.SecretName); key != "" {
		client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			Name:    "deepseek",
			APIKey:  key,
			BaseURL: p.DeepSeek.BaseURL,
		})
		if err != nil {
			slog.Warn("DeepSeek provider disabled", "error", err)
		} else {
			providers = append(providers, client)
		}
	}
	if key := llm.ResolveAPIKey(p.Anthropic.APIKey, p.Anthropic.SecretName); key != "" {
		client, err := llm.NewAnthropicClient(llm.AnthropicConfig{APIKey: key, BaseURL: p.Anthropic.BaseURL})
		if err != nil {
			slog.Warn("Anthropic provider disabled", "error", err)
		} else {
			providers = append(providers, client)
		}
	}
	if p.Ollama.BaseURL != "" {
		client, err := llm.NewOllamaClient(llm.OllamaConfig{BaseURL: p.Ollama.BaseURL})
		if err != nil {
			slog.Warn("Ollama provider disabled", "error", err)
		} else {
			providers = append(providers, client)
		}
	}
	return llm.NewProviderSet(providers...)
}

// openObjectStore returns GCS when a bucket is configured, otherwise the
// local disk store, which is also returned as the second value so that its
// signed URLs can be served.
func openObjectStore(ctx context.Context, cfg *config.ChatConfig) (attachments.ObjectStore, *attachments.DiskStore, error) {
	if cfg.Storage.Bucket != "" {
		gcs, err := attachments.NewGCSStore(ctx, cfg.Storage.Bucket, cfg.Storage.CredentialsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("object store: %w", err)
		}
		return gcs, nil, nil
	}

	secret := []byte(cfg.Storage.SigningSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, nil, fmt.Errorf("generate signing secret: %w", err)
		}
		slog.Warn("storage.signing_secret not set; file URLs will not survive a restart")
	}
	disk, err := attachments.NewDiskStore(cfg.Storage.Dir, cfg.Server.PublicURL+"/files", secret)
	if err != nil {
		return nil, nil, fmt.Errorf("object store: %w", err)
	}
	if cfg.Storage.AttachmentMode == string(attachments.ModeSignedURL) {
		slog.Warn("Signed-url attachments on local disk are only reachable if the public URL is",
			"public_url", cfg.Server.PublicURL)
	}
	return disk, disk, nil
}

// buildTitles returns nil when no title model is configured.
func buildTitles(cfg *config.ChatConfig, reg *registry.Registry, providers *llm.ProviderSet,
	db *store.GormStore, metrics *observability.ChatMetrics) (*title.Generator, error) {
	if cfg.Title.Model == "" {
		slog.Info("Title generation disabled")
		return nil, nil
	}
	desc, err := reg.Get(cfg.Title.Model)
	if err != nil {
		return nil, fmt.Errorf("title model: %w", err)
	}
	provider, err := providers.Get(desc.Provider)
	if err != nil {
		return nil, fmt.Errorf("title model %s: %w", desc.ID, err)
	}
	return title.New(title.Config{
		Provider: provider,
		Model:    desc.Model,
		Store:    db,
		Timeout:  cfg.Title.Timeout,
		Metrics:  metrics,
	})
}

func buildAuth(cfg *config.ChatConfig) (extensions.AuthProvider, error) {
	switch cfg.Auth.Mode {
	case "jwt":
		return middleware.NewJWTAuthProvider([]byte(cfg.Auth.Secret), cfg.Auth.UserClaim)
	default:
		return &extensions.NopAuthProvider{}, nil
	}
}
