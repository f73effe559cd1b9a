package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mediadub/orchestrator/internal/api"
	"github.com/mediadub/orchestrator/internal/apikeys"
	"github.com/mediadub/orchestrator/internal/artifacts"
	"github.com/mediadub/orchestrator/internal/broker"
	"github.com/mediadub/orchestrator/internal/config"
	"github.com/mediadub/orchestrator/internal/control"
	"github.com/mediadub/orchestrator/internal/coordinator"
	"github.com/mediadub/orchestrator/internal/metrics"
	"github.com/mediadub/orchestrator/internal/observability"
	"github.com/mediadub/orchestrator/internal/store"
	"github.com/mediadub/orchestrator/internal/upload"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	logger := observability.InitLogger()
	slog.SetDefault(logger)
	logger.Info("orchestrator control plane starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	if err := pgStore.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap schema", "error", err)
		os.Exit(1)
	}

	redisBroker, err := broker.NewRedis(ctx, cfg.RedisURL, cfg.BrokerQueue, logger)
	if err != nil {
		logger.Error("connect to broker", "error", err)
		os.Exit(1)
	}
	defer redisBroker.Close()

	objectStore, err := artifacts.NewObjectStore(ctx, artifacts.ObjectStoreConfig{
		Endpoint:        cfg.MinioEndpoint,
		AccessKeyID:     cfg.MinioAccessKey,
		SecretAccessKey: cfg.MinioSecretKey,
		UseSSL:          cfg.MinioUseSSL,
		BucketRaw:       cfg.BucketRaw,
		BucketProcessed: cfg.BucketProcessed,
		BucketPublic:    cfg.BucketPublic,
	})
	if err != nil {
		logger.Error("create object store client", "error", err)
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	_ = metrics.NewRegistry(promRegistry)

	coord := coordinator.New(redisBroker, pgStore)
	ws := artifacts.NewWorkspace(workspaceRoot())

	server := &api.Server{
		Control: &control.Control{
			Jobs:        pgStore,
			Assets:      pgStore,
			Coordinator: coord,
			Config: control.Config{
				AllowedLanguages:    cfg.AllowedLanguages,
				MaxActiveJobsPerKey: cfg.MaxActiveJobsPerKey,
			},
			LogFileFor: func(assetExternalID, jobExternalID string) string {
				return ws.LogsPath(assetExternalID, jobExternalID)
			},
		},
		Upload: &upload.Flow{
			Assets: pgStore,
			Store:  objectStore,
			Config: upload.Config{
				MaxUploadSize:            cfg.MaxUploadSize,
				UploadPartSize:           cfg.UploadPartSize,
				UploadURLExpirySeconds:   cfg.UploadURLExpirySeconds,
				DownloadURLExpirySeconds: cfg.DownloadURLExpirySeconds,
			},
		},
		Registry:  promRegistry,
		MetricsFn: metrics.Handler(promRegistry).ServeHTTP,
		APIKeys:   apikeys.NewStore(pgStore.Pool()),
	}

	httpServer := &http.Server{
		Addr:              envOr("HTTP_ADDR", ":8080"),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func workspaceRoot() string {
	return envOr("WORKSPACE_ROOT", "/var/lib/orchestrator/workspace")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
