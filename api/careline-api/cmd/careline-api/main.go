// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/careline/api/careline-api/config"
	internal_aibridge "github.com/rapidaai/careline/api/careline-api/internal/aibridge"
	internal_rtp "github.com/rapidaai/careline/api/careline-api/internal/rtp"
	internal_session "github.com/rapidaai/careline/api/careline-api/internal/session"
	internal_summary "github.com/rapidaai/careline/api/careline-api/internal/summary"
	internal_telephony "github.com/rapidaai/careline/api/careline-api/internal/telephony"
	internal_ari_telephony "github.com/rapidaai/careline/api/careline-api/internal/telephony/ari"
	internal_twilio_telephony "github.com/rapidaai/careline/api/careline-api/internal/telephony/twilio"
	internal_transcript "github.com/rapidaai/careline/api/careline-api/internal/transcript"
	careline_routers "github.com/rapidaai/careline/api/careline-api/router"
	"github.com/rapidaai/careline/pkg/commons"
	"github.com/rapidaai/careline/pkg/connectors"
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("failed to initialize config: %v", err)
	}
	cfg, err := config.GetCarelineConfig(vConfig)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := commons.NewApplicationLogger(
		commons.Name(cfg.Name),
		commons.Path(cfg.LogPath),
		commons.Level(cfg.LogLevel),
	)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting careline voice engine",
		"version", cfg.Version,
		"host", cfg.Host,
		"port", cfg.Port)

	postgres, err := connectors.NewPostgresConnector(cfg.PostgresConfig, logger)
	if err != nil {
		logger.Errorf("postgres connect failed: %v", err)
		os.Exit(1)
	}
	defer postgres.Close()

	redisClient, err := connectors.NewRedisClient(cfg.RedisConfig, logger)
	if err != nil {
		logger.Errorf("redis connect failed: %v", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	store, err := internal_transcript.NewStore(postgres, logger)
	if err != nil {
		logger.Errorf("transcript store init failed: %v", err)
		os.Exit(1)
	}

	journal := internal_rtp.NewRedisLeaseJournal(redisClient, logger)
	allocator := internal_rtp.NewAllocator(
		logger,
		cfg.RTPConfig.PortRangeStart,
		cfg.RTPConfig.PortRangeEnd,
		internal_rtp.WithLeaseJournal(journal),
	)

	ariClient := internal_ari_telephony.NewClient(cfg.ARIConfig, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ariClient.Start(ctx); err != nil {
		logger.Errorf("ARI client start failed: %v", err)
		os.Exit(1)
	}
	defer ariClient.Stop()

	summarizer := internal_summary.NewSummarizer(cfg.AIConfig, logger)

	orchestrator := internal_session.NewOrchestrator(
		logger,
		ariClient,
		allocator,
		store,
		func(sessionID string) internal_session.AISession {
			return internal_aibridge.NewSession(cfg.AIConfig, sessionID, logger)
		},
		func(sessionID string, pair internal_rtp.PortPair) (internal_session.MediaTransport, error) {
			return internal_rtp.NewTransport(logger, sessionID, pair, cfg.RTPConfig.SilenceTimeout, 0)
		},
		internal_session.WithSummarizer(summarizer),
		internal_session.WithLeaseJournal(journal),
		internal_session.WithSweepInterval(cfg.SweepInterval),
	)
	orchestrator.Start(ctx)

	var dialer internal_telephony.Dialer
	if cfg.TwilioConfig.AccountSid != "" {
		dialer, err = internal_twilio_telephony.NewTwilioDialer(cfg.TwilioConfig, logger)
		if err != nil {
			logger.Warn("Twilio trunk disabled", "error", err)
			dialer = nil
		}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	careline_routers.HealthCheckRoutes(cfg, engine, logger, postgres, ariClient.Breaker())
	careline_routers.CallApiRoute(cfg, engine, logger, orchestrator, store, dialer)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining calls")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Call drain incomplete", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	logger.Info("Careline voice engine stopped")
}
