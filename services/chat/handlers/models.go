// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// ListModels handles GET /models.
func (h *Handler) ListModels(c *gin.Context) {
	descriptors := h.deps.Registry.List()
	models := make([]datatypes.ModelInfo, 0, len(descriptors))
	for _, d := range descriptors {
		models = append(models, d.Info())
	}
	c.JSON(http.StatusOK, models)
}

// HealthCheckTimeout bounds each dependency check of GET /health.
const HealthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// Health handles GET /health. Any failing component makes the response 503.
func (h *Handler) Health(c *gin.Context) {
	resp := healthResponse{Status: "healthy", Components: map[string]string{}}
	status := http.StatusOK

	for name, pinger := range h.deps.Health {
		ctx, cancel := context.WithTimeout(c.Request.Context(), HealthCheckTimeout)
		err := pinger.Ping(ctx)
		cancel()
		if err != nil {
			slog.Warn("Health check failed", "component", name, "error", err)
			resp.Components[name] = "unhealthy"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "ok"
	}
	c.JSON(status, resp)
}
