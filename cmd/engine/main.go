// Package main is the entry point for the OPC UA Publish/Subscription
// engine process. It wires the core engine to its ambient stack
// (config, logging, metrics, health, optional eventbridge) and runs the
// engine's single-threaded tick loop on its own goroutine.
//
// Binary codec framing, secure-channel handling and session/channel
// management are external collaborators (spec.md §1) and are not
// implemented here; this binary exposes only the engine's own
// operational surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/opcua-pubsub-engine/internal/adapter/config"
	"github.com/nexus-edge/opcua-pubsub-engine/internal/adapter/eventbridge"
	"github.com/nexus-edge/opcua-pubsub-engine/internal/health"
	"github.com/nexus-edge/opcua-pubsub-engine/internal/metrics"
	"github.com/nexus-edge/opcua-pubsub-engine/internal/pubsub"
	"github.com/nexus-edge/opcua-pubsub-engine/pkg/logging"
)

const (
	serviceName    = "opcua-pubsub-engine"
	serviceVersion = "1.0.0"
)

func main() {
	logger := logging.New(serviceName, serviceVersion)
	logger.Info().Msg("starting publish/subscription engine")

	configPath := os.Getenv("ENGINE_CONFIG_PATH")
	if configPath == "" {
		configPath = "config/engine.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger.Info().Str("env", cfg.Environment).Msg("configuration loaded")

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := pubsub.NewEngine("primary", pubsub.Config{
		MaxPublishRequestInQueue: cfg.Engine.MaxPublishRequestInQueue,
	}, pubsub.SystemClock{}, logger)
	engine.SetMetrics(metricsRegistry)

	if cfg.PolicyPath != "" {
		policies, err := config.LoadSubscriptionPolicies(cfg.PolicyPath)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load subscription policy file; continuing without it")
		} else {
			byApplication := make(map[string]pubsub.SubscriptionPolicy, len(policies))
			for _, p := range policies {
				byApplication[p.ApplicationName] = pubsub.SubscriptionPolicy{Priority: p.Priority, RingSize: p.RingSize}
			}
			engine.SetSubscriptionPolicies(byApplication)
			logger.Info().Int("count", len(byApplication)).Msg("subscription policy file loaded")
		}
	}

	var bridge *eventbridge.Publisher
	if cfg.EventBridge.Enabled {
		bridge = eventbridge.NewPublisher(eventbridge.Config{
			BrokerURL:      cfg.EventBridge.BrokerURL,
			ClientID:       cfg.EventBridge.ClientID,
			Topic:          cfg.EventBridge.Topic,
			QoS:            cfg.EventBridge.QoS,
			KeepAlive:      cfg.EventBridge.KeepAlive,
			ConnectTimeout: cfg.EventBridge.ConnectTimeout,
		}, logger)

		if err := bridge.Connect(); err != nil {
			logger.Error().Err(err).Msg("failed to connect eventbridge publisher; continuing without it")
			bridge = nil
		} else {
			defer bridge.Disconnect()
			engine.SetLifecycleObserver(bridge)
		}
	}

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	}, logger)
	healthChecker.AddCheck("engine", func() bool { return true })
	if bridge != nil {
		healthChecker.AddCheck("eventbridge", bridge.IsConnected)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// The engine is single-threaded cooperative (spec §5): every tick
	// and every Publish request it receives must run on this one
	// goroutine. Real deployments feed PublishRequest/Ack handling onto
	// this same loop via a channel from the session layer; that
	// plumbing lives outside this subsystem's scope (spec.md §1).
	go runTickLoop(ctx, engine, cfg.Engine.TickInterval, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutdown signal received, initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down HTTP server")
	}

	logger.Info().Msg("publish/subscription engine shutdown complete")
}

func runTickLoop(ctx context.Context, engine *pubsub.Engine, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			engine.OnSessionClose()
			return
		case now := <-ticker.C:
			engine.Tick(now)
		}
	}
}
