// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package healthcheck_api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/careline/api/careline-api/config"
	internal_ari_telephony "github.com/rapidaai/careline/api/careline-api/internal/telephony/ari"
	"github.com/rapidaai/careline/pkg/commons"
	"github.com/rapidaai/careline/pkg/connectors"
)

type HealthCheckApi struct {
	cfg      *config.CarelineConfig
	logger   commons.Logger
	postgres connectors.PostgresConnector
	breaker  *internal_ari_telephony.Breaker
}

func New(
	cfg *config.CarelineConfig,
	logger commons.Logger,
	postgres connectors.PostgresConnector,
	breaker *internal_ari_telephony.Breaker,
) *HealthCheckApi {
	return &HealthCheckApi{
		cfg:      cfg,
		logger:   logger,
		postgres: postgres,
		breaker:  breaker,
	}
}

// Healthz reports process liveness only.
func (hc *HealthCheckApi) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": hc.cfg.Name,
		"version": hc.cfg.Version,
	})
}

// Readiness reports whether the engine can take calls: database reachable
// and the control-plane breaker not open.
func (hc *HealthCheckApi) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true

	if err := hc.postgres.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		ready = false
	} else {
		checks["postgres"] = "ok"
	}

	if hc.breaker != nil {
		state := hc.breaker.State()
		checks["control_plane"] = state.String()
		if state == internal_ari_telephony.BreakerOpen {
			ready = false
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}
