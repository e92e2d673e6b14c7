package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rickgao/chat-relay/internal/bridge"
	"github.com/rickgao/chat-relay/internal/broker"
	"github.com/rickgao/chat-relay/internal/config"
	"github.com/rickgao/chat-relay/internal/lifecycle"
	"github.com/rickgao/chat-relay/internal/router"
	"github.com/rickgao/chat-relay/internal/server"
	"github.com/rickgao/chat-relay/internal/session"
	"github.com/rickgao/chat-relay/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting chat relay",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"exchange", cfg.Broker.Exchange,
		"default_room", cfg.Sessions.DefaultRoom,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to the broker
	logger.Info("connecting to broker")
	b, err := broker.Dial(cfg.Broker, logger)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	// Wire the relay components
	registry := session.NewRegistry()
	msgRouter := router.NewRouter(
		router.Config{PublishTimeout: cfg.Broker.PublishTimeout},
		b, registry, logger,
	)
	subBridge := bridge.NewBridge(b, msgRouter, logger)
	controller := lifecycle.NewController(
		lifecycle.Config{DefaultRoom: cfg.Sessions.DefaultRoom},
		registry, subBridge, msgRouter, logger,
	)

	srv := server.New(
		server.Config{WriteTimeout: cfg.Sessions.WriteTimeout},
		controller, b, logger,
	)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("starting http server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	logger.Info("relay running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	// Graceful shutdown: stop accepting requests, then release the broker.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	logger.Info("relay stopped")
}
