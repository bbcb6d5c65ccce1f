// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package careline_routers

import (
	"github.com/gin-gonic/gin"

	callApi "github.com/rapidaai/careline/api/careline-api/api/call"
	"github.com/rapidaai/careline/api/careline-api/config"
	internal_telephony "github.com/rapidaai/careline/api/careline-api/internal/telephony"
	"github.com/rapidaai/careline/pkg/commons"
)

func CallApiRoute(
	cfg *config.CarelineConfig,
	engine *gin.Engine,
	logger commons.Logger,
	callEngine callApi.CallEngine,
	reader callApi.TranscriptReader,
	dialer internal_telephony.Dialer,
) {
	apiv1 := engine.Group("v1/call")
	api := callApi.New(cfg, logger, callEngine, reader, dialer)
	{
		apiv1.POST("/create-phone-call", api.CreatePhoneCall)
		apiv1.GET("/active", api.ActiveCalls)
		apiv1.DELETE("/:conversationId", api.EndPhoneCall)
		apiv1.GET("/conversation/:conversationId", api.GetConversation)
		apiv1.POST("/trunk/dial", api.TrunkDial)
		apiv1.DELETE("/trunk/:ref", api.TrunkCancel)
	}
}
