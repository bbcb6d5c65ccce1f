// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package careline_routers

import (
	"github.com/gin-gonic/gin"

	healthCheckApi "github.com/rapidaai/careline/api/careline-api/api/healthcheck"
	"github.com/rapidaai/careline/api/careline-api/config"
	internal_ari_telephony "github.com/rapidaai/careline/api/careline-api/internal/telephony/ari"
	"github.com/rapidaai/careline/pkg/commons"
	"github.com/rapidaai/careline/pkg/connectors"
)

func HealthCheckRoutes(
	cfg *config.CarelineConfig,
	engine *gin.Engine,
	logger commons.Logger,
	postgres connectors.PostgresConnector,
	breaker *internal_ari_telephony.Breaker,
) {
	logger.Info("Internal HealthCheckRoutes and Connectors added to engine.")
	apiv1 := engine.Group("")
	hcApi := healthCheckApi.New(cfg, logger, postgres, breaker)
	{
		apiv1.GET("/readiness/", hcApi.Readiness)
		apiv1.GET("/healthz/", hcApi.Healthz)
	}
}
