// cmd/fedd/main.go
// Package main implements the entry point for the federation service.
// It wires storage, trust, inbox, outbox, and the HTTP server for one node.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nodeweave/nodeweave-federation-go/internal/config"
	"github.com/nodeweave/nodeweave-federation-go/internal/event"
	"github.com/nodeweave/nodeweave-federation-go/internal/identity"
	"github.com/nodeweave/nodeweave-federation-go/internal/inbox"
	"github.com/nodeweave/nodeweave-federation-go/internal/jwks"
	"github.com/nodeweave/nodeweave-federation-go/internal/media"
	"github.com/nodeweave/nodeweave-federation-go/internal/metrics"
	"github.com/nodeweave/nodeweave-federation-go/internal/outbox"
	"github.com/nodeweave/nodeweave-federation-go/internal/resolver"
	"github.com/nodeweave/nodeweave-federation-go/internal/schema"
	"github.com/nodeweave/nodeweave-federation-go/internal/server"
	"github.com/nodeweave/nodeweave-federation-go/internal/sign"
	"github.com/nodeweave/nodeweave-federation-go/internal/storage"
	"github.com/nodeweave/nodeweave-federation-go/internal/telemetry"
	"github.com/nodeweave/nodeweave-federation-go/internal/trust"
)

// main initializes all components, starts the HTTP server, and handles
// graceful shutdown.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	shutdownTracing, err := telemetry.Setup("nodeweave-federation", cfg.Env)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		store = storage.NewMemory()
	}

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	// Optional media mirror
	var mirror *media.Mirror
	if cfg.S3Endpoint != "" && cfg.S3Bucket != "" {
		mirror, err = media.NewMirror(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize media mirror", "error", err)
			os.Exit(1)
		}
	}

	validator, err := schema.NewValidator()
	if err != nil {
		logger.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}

	m := metrics.NewMetrics()
	codec := identity.NewCodec(store)
	trustMgr := trust.NewManager(store, cfg.Hostname, cfg.NodeID, logger)
	verifier := sign.NewVerifier()
	defer verifier.Stop()

	res := resolver.New(store, logger)
	inboxDisp := inbox.New(store, trustMgr, verifier, validator, codec, pub, mirror, m, logger)
	outboxDisp := outbox.New(store, trustMgr, pub, m, logger, cfg.Hostname, outbox.Options{
		DeliveryTimeout:     cfg.DeliveryTimeout,
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		MaxConcurrentSends:  cfg.MaxConcurrentSends,
	})

	var jwksClient *jwks.Client
	if cfg.JWKSURL != "" {
		jwksClient = jwks.NewClient(cfg.JWKSURL)
	}

	deps := server.Deps{
		Store:       store,
		Trust:       trustMgr,
		Inbox:       inboxDisp,
		Outbox:      outboxDisp,
		Resolver:    res,
		Codec:       codec,
		Publisher:   pub,
		JWKS:        jwksClient,
		Hostname:    cfg.Hostname,
		NodeID:      cfg.NodeID,
		JWTIssuer:   cfg.JWTIssuer,
		JWTAudience: cfg.JWTAudience,
		Logger:      logger,
	}
	if mirror != nil {
		deps.Media = mirror
	}
	mux := server.NewMux(deps)

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "hostname", cfg.Hostname)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	// Drain in-flight outbound deliveries before closing stores.
	if err := outboxDisp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("outbox drain interrupted", "error", err)
	}

	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	logger.Info("server exited")
}
