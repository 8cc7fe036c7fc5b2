package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"publish-pipeline/internal/analytics"
	"publish-pipeline/internal/config"
	"publish-pipeline/internal/content"
	"publish-pipeline/internal/dispatch"
	"publish-pipeline/internal/models"
	"publish-pipeline/internal/platform"
	"publish-pipeline/internal/ratelimit"
	"publish-pipeline/internal/scoring"
	"publish-pipeline/internal/store"
	"publish-pipeline/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.Error("load aws config", "error", err)
		os.Exit(1)
	}
	contentStore := content.NewS3Store(s3.NewFromConfig(awsCfg), cfg.ContentBucket)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	clock := clockwork.NewRealClock()
	registry := platform.NewRegistry()
	registry.Register(models.PlatformLinkedIn, platform.NewLinkedIn(cfg.LinkedInBaseURL, cfg.LinkedInToken, cfg.SubmitTimeout))
	registry.Register(models.PlatformMicroblog, platform.NewMicroblog(cfg.MicroblogBaseURL, cfg.MicroblogToken, cfg.SubmitTimeout))

	cal, err := st.LoadCalibration(ctx)
	if err != nil {
		logger.Error("load calibration", "error", err)
		os.Exit(1)
	}
	model := scoring.NewModel(cal)

	dispatcher := dispatch.New(st, registry, contentStore, limiter, cfg, clock, logger)
	collector := analytics.New(st, registry, cfg, clock, logger)
	reconciler := scoring.NewReconciler(st, model, cfg, clock, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	go func() {
		if err := collector.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("collector stopped", "error", err)
		}
	}()
	go func() {
		if err := reconciler.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("reconciler stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"workers", cfg.WorkerCount,
		"lease", cfg.LeaseDuration.String(),
		"poll_interval", cfg.PollInterval.String(),
		"max_attempts", cfg.MaxAttempts)
	if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("dispatcher stopped", "error", err)
	}
}
