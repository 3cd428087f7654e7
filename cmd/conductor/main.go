package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/modelgrid/conductor/config"
	"github.com/modelgrid/conductor/monitoring"
	"github.com/modelgrid/conductor/probe"
	"github.com/modelgrid/conductor/server"
	"github.com/modelgrid/conductor/state"
	"github.com/modelgrid/conductor/utils"
)

func setupCacheStore(valkeyEndpoint string, maxBytes int64) (state.CacheStore, func(), error) {
	if valkeyEndpoint == "" {
		store, cleanup := state.NewMemoryStore(maxBytes)
		return store, cleanup, nil
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{valkeyEndpoint},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Valkey client: %v", err)
	}
	return state.NewValkeyStore(client), client.Close, nil
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	newLogger := zap.NewProduction
	if *debug {
		newLogger = zap.NewDevelopment
	}
	logger := utils.Must(newLogger())
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := config.Load(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}
	sugar.Infow("Loaded config", "providers", len(cfg.Providers), "port", cfg.Port)

	store, cleanup, err := setupCacheStore(cfg.ValkeyEndpoint, cfg.CacheMaxBytes)
	if err != nil {
		sugar.Fatalw("Failed to set up cache store", "error", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	exporter := monitoring.NewExporter(sugar)
	prober := probe.New(&http.Client{}, cfg.ProbeTimeout, sugar)

	orchestrator := server.NewOrchestrator(cfg, store, prober, nil, exporter, sugar)
	defer orchestrator.Close()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.NewHandler(orchestrator, sugar),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		orchestrator.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			sugar.Fatalw("Server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("Starting server", "address", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}

	sugar.Infow("Server exited gracefully")
}
