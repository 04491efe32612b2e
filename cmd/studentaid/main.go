package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/config"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/execution"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/generator"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/httpapi"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/logging"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/observability"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/session"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/taskruntime"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Development: cfg.LogDev})
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	ctx := context.Background()
	store, err := session.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("session store init failed", zap.Error(err))
	}
	defer store.Close()

	registry, err := session.NewRegistry(ctx, session.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		LockTTL:  cfg.RegistryLockTTL,
	})
	if err != nil {
		logger.Fatal("session registry init failed", zap.Error(err))
	}
	defer registry.Close()

	backend, err := generator.New(generator.Config{
		Mode:    cfg.GeneratorMode,
		HTTPURL: cfg.GeneratorHTTPURL,
		Timeout: cfg.GeneratorTimeout,
	})
	if err != nil {
		logger.Fatal("generator init failed", zap.Error(err))
	}

	policy := window.DefaultPolicy()
	policy.Spans[window.DocTypeLecture] = window.Span{Behind: cfg.WindowLectureBehind, Ahead: cfg.WindowLectureAhead}
	policy.Spans[window.DocTypeSlides] = window.Span{Behind: cfg.WindowSlidesBehind, Ahead: cfg.WindowSlidesAhead}
	policy.Default = policy.Spans[window.DocTypeLecture]

	sessions := session.NewManager(registry, store, session.Config{
		Policy:          policy,
		CompletionGrace: cfg.SessionCompletionGrace,
		Retention:       cfg.SessionRetention,
		PersistTimeout:  session.DefaultConfig().PersistTimeout,
		LockRefresh:     cfg.RegistryLockTTL / 3,
	}, logger.Named("session"))

	runtimeCfg := taskruntime.DefaultConfig()
	runtimeCfg.Concurrency = cfg.WorkerConcurrency
	runtimeCfg.RatePerSec = cfg.GeneratorRatePerSec
	runtimeCfg.RateBurst = cfg.GeneratorRateBurst
	runtimeCfg.Retry.MaxAttempts = cfg.GenerationMaxAttempts
	runtimeCfg.Deadlines = execution.DeadlinePolicy{
		Base:     cfg.DeadlineBase,
		PerImage: cfg.DeadlinePerImage,
		PerChunk: cfg.DeadlinePerChunk,
		Max:      cfg.DeadlineMax,
	}
	scheduler := taskruntime.New(runtimeCfg, sessions, backend, metrics, logger.Named("scheduler"))

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	scheduler.Start(runCtx)

	api := httpapi.New(cfg, scheduler, metrics, logger.Named("http"))
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.BindAddr),
			zap.String("generator_mode", cfg.GeneratorMode),
			zap.Int("concurrency", runtimeCfg.Concurrency),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	runCancel()
	scheduler.Stop()

	logger.Info("shutdown complete")
}
