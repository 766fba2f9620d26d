package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/davrd/stashfs/internal/logger"
	"github.com/davrd/stashfs/internal/protocol/wire"
	"github.com/davrd/stashfs/internal/server"
	"github.com/davrd/stashfs/pkg/auth"
	"github.com/davrd/stashfs/pkg/config"
	"github.com/davrd/stashfs/pkg/quota"
	"github.com/davrd/stashfs/pkg/stats"
	"github.com/davrd/stashfs/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	host := flag.String("host", "", "Listen address (overrides config)")
	port := flag.Int("port", 0, "Listen port (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: DEBUG, INFO, WARN, ERROR (overrides config)")
	storageRoot := flag.String("storage-root", "", "Storage root directory (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// CLI flags beat file and environment
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *storageRoot != "" {
		cfg.Storage.Root = *storageRoot
	}

	logger.SetLevel(cfg.Logging.Level)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to set log output: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recordStore, err := config.CreateStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("Failed to create record store: %v", err)
	}
	defer func() {
		if err := recordStore.Close(); err != nil {
			logger.Error("record store close failed: %v", err)
		}
	}()
	logger.Info("record store ready (%s)", cfg.Store.Type)

	quotaManager := quota.NewManager(recordStore, cfg.Storage.DefaultQuotaBytes)
	engine, err := storage.NewEngine(cfg.Storage.Root, recordStore, quotaManager, cfg.Storage.TextExtensions)
	if err != nil {
		log.Fatalf("Failed to initialize storage engine: %v", err)
	}
	logger.Info("storage root: %s", cfg.Storage.Root)

	srv := server.NewServer(server.Options{
		Host:                  cfg.Server.Host,
		Port:                  cfg.Server.Port,
		MaxConnections:        cfg.Server.MaxConnections,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		ShutdownTimeout:       cfg.Server.ShutdownTimeout,
		SessionActiveWindow:   cfg.Server.SessionActiveWindow,
		AuthAttemptsPerMinute: cfg.Server.AuthRatePerMinute,
		Limits: wire.Limits{
			MaxHeaderBytes:  cfg.Server.MaxHeaderBytes,
			MaxPayloadBytes: cfg.Server.MaxPayloadBytes,
		},
	}, server.Deps{
		Store:  recordStore,
		Auth:   auth.NewAuthenticator(recordStore, cfg.Auth.BcryptCost),
		Engine: engine,
		Quota:  quotaManager,
		Stats:  stats.NewCollector(),
	})

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received %s, shutting down", sig)

	if err := srv.Shutdown(); err != nil {
		logger.Error("shutdown failed: %v", err)
	}
}
