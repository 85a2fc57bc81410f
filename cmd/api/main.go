// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/pano-forge/internal/auth"
	"github.com/yourusername/pano-forge/internal/catalog"
	"github.com/yourusername/pano-forge/internal/config"
	"github.com/yourusername/pano-forge/internal/imagecheck"
	"github.com/yourusername/pano-forge/internal/krpano"
	"github.com/yourusername/pano-forge/internal/logging"
	"github.com/yourusername/pano-forge/internal/pano"
	"github.com/yourusername/pano-forge/internal/storage"
	"github.com/yourusername/pano-forge/internal/sweeper"
)

// shutdownTimeout は実行中の変換を待つ最大時間です。過ぎたジョブは abandoned になります。
const shutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, logCloser := logging.Setup(cfg)
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", slog.String("error", err.Error()))
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	local, err := storage.NewLocal(cfg.PanoRoot)
	if err != nil {
		return err
	}

	registry, closeRegistry, err := setupRegistry(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up job registry: %w", err)
	}
	defer closeRegistry()

	store := catalog.NewStore(local.CatalogPath(), local, logger)

	if cfg.KrpanoExe == "" {
		logger.Warn("KRPANO_EXE is not set; conversions will fail until it is configured")
	}
	converter := krpano.NewConverter(cfg.KrpanoExe, cfg.KrpanoConfig, logger)
	timeout := time.Duration(cfg.KrpanoTimeoutSeconds) * time.Second
	pipeline := pano.NewPipeline(registry, imagecheck.NewValidator(), converter, store, timeout, logger)

	dispatcher, err := setupDispatcher(cfg, pipeline, registry, logger)
	if err != nil {
		return fmt.Errorf("failed to set up job dispatcher: %w", err)
	}
	dispatcher.Start()

	svc := pano.NewService(registry, local, store, dispatcher, cfg.MaxFileSize, logger)

	sw := sweeper.New(local, store, registry, time.Duration(cfg.OrphanGraceMinutes)*time.Minute, logger)
	if err := sw.Start(cfg.OrphanSweepSchedule); err != nil {
		return err
	}

	router := newRouter(cfg, svc, local, auth.NewManager(cfg, logger), logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting API server",
			slog.String("addr", srv.Addr),
			slog.String("mode", cfg.GinMode),
			slog.String("pano_root", local.Root()),
			slog.String("job_store", cfg.JobStore),
			slog.String("job_dispatch", cfg.JobDispatch),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		runErr = fmt.Errorf("failed to start server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", slog.String("error", err.Error()))
	}
	sw.Stop()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("job dispatcher shutdown incomplete", slog.String("error", err.Error()))
	}
	logger.Info("server stopped")
	return runErr
}
