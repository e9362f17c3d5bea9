package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/example/volley-sync/internal/api"
	"github.com/example/volley-sync/internal/config"
	"github.com/example/volley-sync/internal/observability"
	"github.com/example/volley-sync/internal/ws"
)

func main() {
	memory := flag.Bool("memory", false, "keep tournaments in process memory instead of Postgres, Redis and object storage")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := observability.NewLogger(os.Stderr, cfg.AppName, cfg.LogLevel)
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	registry := ws.NewConnectionRegistry()

	var be *backend
	if *memory {
		be = newMemoryBackend(registry, logger)
		logger.Warn().Msg("running with in-memory storage; tournaments are lost on exit")
	} else {
		be, err = newDurableBackend(ctx, cfg, registry, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize backend")
		}
	}
	defer be.close()

	gateway, err := ws.NewGateway(be.store, registry, logger, ws.GatewayConfig{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create websocket gateway")
	}
	server := api.NewServer(be.store, be.history, be.health, logger)
	server.Handle("GET /ws", gateway)

	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Bool("memory", *memory).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	if be.health != nil {
		go func() {
			ticker := time.NewTicker(cfg.HealthcheckProbe)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := be.health(ctx); err != nil {
						logger.Error().Err(err).Msg("dependency healthcheck failed")
					} else {
						logger.Debug().Msg("dependency healthcheck ok")
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return
	}
	logger.Info().Msg("shutdown complete")
}
