// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
// Package routes binds the chat handlers to URLs.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/chat/handlers"
	"github.com/AleutianAI/AleutianChat/services/chat/middleware"
)

// Options configures SetupRoutes.
type Options struct {
	// ServiceName labels otelgin spans. Empty disables tracing middleware.
	ServiceName string

	// Extensions supplies the auth provider. Defaults apply to nil fields.
	Extensions extensions.ServiceOptions

	// CookieName carries the access token. Empty means "id".
	CookieName string

	// ServeFiles mounts the self-hosted signed URL routes.
	ServeFiles bool
}

// SetupRoutes registers every chat endpoint on router.
//
// # Description
//
// /health, /metrics and /files are unauthenticated: the first two are for
// infrastructure, and file URLs carry their own signature. Everything else
// requires a valid access token.
func SetupRoutes(router *gin.Engine, h *handlers.Handler, opts Options) {
	opts.Extensions = opts.Extensions.WithDefaults()

	if opts.ServiceName != "" {
		router.Use(otelgin.Middleware(opts.ServiceName))
	}

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if opts.ServeFiles {
		router.GET("/files/*key", h.GetFile)
		router.PUT("/files/*key", h.PutFile)
	}

	api := router.Group("")
	api.Use(middleware.AuthMiddleware(opts.Extensions.AuthProvider, opts.CookieName))
	{
		api.GET("/models", h.ListModels)
		api.POST("/presigned-url", h.CreatePresignedURL)

		threads := api.Group("/threads")
		{
			threads.POST("", h.CreateThread)
			threads.GET("", h.ListThreads)
			threads.GET("/:id", h.GetThread)
			threads.POST("/:id/messages", h.CreateMessage)
			threads.POST("/:id/inference", h.Inference)
		}
	}
}
