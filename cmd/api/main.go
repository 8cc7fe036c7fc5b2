package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"publish-pipeline/internal/analytics"
	"publish-pipeline/internal/api"
	"publish-pipeline/internal/config"
	"publish-pipeline/internal/models"
	"publish-pipeline/internal/platform"
	"publish-pipeline/internal/scheduler"
	"publish-pipeline/internal/scoring"
	"publish-pipeline/internal/store"
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

	cal, err := st.LoadCalibration(ctx)
	if err != nil {
		logger.Error("load calibration", "error", err)
		os.Exit(1)
	}
	model := scoring.NewModel(cal)

	clock := clockwork.NewRealClock()
	registry := platform.NewRegistry()
	registry.Register(models.PlatformLinkedIn, platform.NewLinkedIn(cfg.LinkedInBaseURL, cfg.LinkedInToken, cfg.SubmitTimeout))
	registry.Register(models.PlatformMicroblog, platform.NewMicroblog(cfg.MicroblogBaseURL, cfg.MicroblogToken, cfg.SubmitTimeout))

	// Calibration is written by the worker's reconciler; poll the versioned
	// row so schedule-time scoring tracks it across the process boundary.
	go func() {
		if err := model.KeepFresh(ctx, st, cfg.CalibrationRefresh, clock, logger); err != nil && ctx.Err() == nil {
			logger.Error("calibration refresh stopped", "error", err)
		}
	}()

	sched := scheduler.New(st, cfg, clock)
	collector := analytics.New(st, registry, cfg, clock, logger)

	server := api.New(cfg, sched, collector, model, st)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
