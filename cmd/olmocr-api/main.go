package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zswll2/olmocr-api/internal/api"
	"github.com/zswll2/olmocr-api/internal/auth"
	"github.com/zswll2/olmocr-api/internal/config"
	"github.com/zswll2/olmocr-api/internal/engine"
	"github.com/zswll2/olmocr-api/internal/intake"
	"github.com/zswll2/olmocr-api/internal/registry"
	"github.com/zswll2/olmocr-api/internal/scheduler"
)

const version = "1.0.0"

func main() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting olmocr api service", "version", version)

	cfg := config.FromEnv()

	secret := cfg.SecretKey
	if secret == "" {
		generated, err := auth.GenerateSecret()
		if err != nil {
			slog.Error("failed to generate signing secret", "error", err)
			os.Exit(1)
		}
		secret = generated
		slog.Warn("SECRET_KEY not set, using an ephemeral secret; tokens will not survive restarts")
	}

	creds, err := auth.NewCredentialStore(cfg.Users)
	if err != nil {
		slog.Error("failed to load accounts", "error", err)
		os.Exit(1)
	}
	tokens := auth.NewTokenService([]byte(secret), cfg.TokenTTL)

	reg, cleanup, err := buildRegistry(cfg)
	if err != nil {
		slog.Error("failed to set up task registry", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	eng, err := buildEngine(cfg)
	if err != nil {
		slog.Error("failed to set up ocr engine", "error", err)
		os.Exit(1)
	}
	slog.Info("ocr engine ready", "engine", eng.Name())

	metrics := scheduler.NewMetrics(prometheus.DefaultRegisterer)

	sched := scheduler.New(reg, eng, scheduler.Options{
		Workers:       cfg.WorkerPoolSize,
		ClaimInterval: cfg.ClaimInterval,
		EngineTimeout: cfg.EngineTimeout,
		WorkDir:       cfg.WorkDir,
		Metrics:       metrics,
	})

	in, err := intake.New(cfg.WorkDir, cfg.MaxUploadBytes, cfg.AllowedExtensions, reg, metrics.ObserveUpload)
	if err != nil {
		slog.Error("failed to set up upload intake", "error", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := api.NewServer(addr, creds, tokens, reg, in, sched)

	// Start Prometheus metrics server on its own port
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		metricsAddr := fmt.Sprintf(":%d", cfg.MetricsPort)
		slog.Info("metrics server listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := sched.Start(ctx); err != nil && err != context.Canceled {
			slog.Error("scheduler error", "error", err)
			cancel()
		}
	}()

	go func() {
		if err := server.Start(); err != nil {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutdown signal received")

	// Stop taking requests first, then drain the scheduler
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		slog.Error("scheduler shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("shutdown complete")
}

// buildRegistry selects the task registry backend. Without DATABASE_URL
// tasks live in process memory and are lost on restart.
func buildRegistry(cfg *config.Config) (registry.Registry, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Info("using in-memory task registry")
		return registry.NewMemory(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	pg := registry.NewPostgres(db)
	if err := pg.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	if recovered, err := pg.RecoverStale(context.Background()); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("recover stale tasks: %w", err)
	} else if recovered > 0 {
		slog.Info("requeued tasks from previous run", "count", recovered)
	}

	slog.Info("using postgres task registry")
	return pg, func() { db.Close() }, nil
}

func buildEngine(cfg *config.Config) (engine.Engine, error) {
	switch cfg.Engine {
	case "olmocr":
		return engine.NewPipelineEngine(
			engine.WithPython(cfg.PythonBin),
			engine.WithPipelineFlags(cfg.PipelineMarkdown, cfg.PipelineTables, cfg.PipelineFigures),
		), nil
	case "tesseract":
		return engine.NewTesseractEngine(cfg.TesseractLangs...), nil
	default:
		return nil, fmt.Errorf("unknown OCR_ENGINE %q (supported: olmocr, tesseract)", cfg.Engine)
	}
}
