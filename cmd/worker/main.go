package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/mediadub/orchestrator/internal/artifacts"
	"github.com/mediadub/orchestrator/internal/broker"
	"github.com/mediadub/orchestrator/internal/config"
	"github.com/mediadub/orchestrator/internal/coordinator"
	"github.com/mediadub/orchestrator/internal/metrics"
	"github.com/mediadub/orchestrator/internal/observability"
	"github.com/mediadub/orchestrator/internal/runner"
	"github.com/mediadub/orchestrator/internal/stageworker"
	"github.com/mediadub/orchestrator/internal/store"
	"github.com/mediadub/orchestrator/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	logger := observability.InitLogger()
	slog.SetDefault(logger)
	logger.Info("orchestrator worker starting")

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

	ws := artifacts.NewWorkspace(envOr("WORKSPACE_ROOT", "/var/lib/orchestrator/workspace"))
	coord := coordinator.New(redisBroker, pgStore)

	var ttsWorker stageworker.TTSWorker
	if cfg.TTSEngine == "cloud" {
		ttsWorker = stageworker.NewCloudTTSWorker(ws, cfg.CloudTTSURL, cfg.CloudTTSAPIKey)
	} else {
		ttsWorker = stageworker.NewPiperVoices(ws, cfg.PiperVoices)
	}

	r := &runner.Runner{
		Jobs:      pgStore,
		Assets:    pgStore,
		Segs:      pgStore,
		WS:        ws,
		Metrics:   metrics.NewRegistry(prometheus.NewRegistry()),
		Logger:    logger,
		Next:      coord,
		ASR:       stageworker.NewStubASR(ws),
		Translate: stageworker.NewLibreTranslate(ws, cfg.LibreTranslateURL),
		TTS:       ttsWorker,
		Mix:       stageworker.NewFFmpegMixer(ws, cfg.MixVoiceGain, cfg.MixBackgroundGain, cfg.MixTargetLoudness),
		Package:   stageworker.NewHLSPackager(ws, objectStore),
	}

	pool := &worker.Pool{
		Broker:      redisBroker,
		Runner:      r,
		Coordinator: coord,
		Logger:      logger,
		Concurrency: envInt("WORKER_CONCURRENCY", runtime.NumCPU()),
	}

	logger.Info("worker pool running", "concurrency", pool.Concurrency)
	if err := pool.Run(ctx); err != nil {
		logger.Error("worker pool exited", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
