package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/cifar-sorter/internal/config"
	"github.com/Brownie44l1/cifar-sorter/internal/handlers"
	"github.com/Brownie44l1/cifar-sorter/internal/logging"
	"github.com/Brownie44l1/cifar-sorter/internal/session"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the classification HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Server.Mode)
			if err != nil {
				return err
			}
			defer logging.Sync(log)

			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := session.Open(cfg.Storage)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, log, store)
	if err != nil {
		store.Close()
		return err
	}
	defer a.Close()

	if cfg.Model.WarmOnStart {
		warmCtx, cancel := context.WithTimeout(ctx, cfg.Server.RequestTimeout)
		_, err := a.loader.Get(warmCtx)
		cancel()
		if err != nil {
			// The next classify request retries the load.
			log.Warn("model warm-up failed", zap.Error(err))
		}
	}

	h := handlers.NewHandler(handlers.Options{
		Engine:   a.engine,
		Archiver: a.archiver,
		Store:    a.store,
		Status:   a.classifier,
		Exports:  a.metrics,
		Log:      log.Named("http"),
		Timeout:  cfg.Server.RequestTimeout,
	})
	e := handlers.NewServer(h, handlers.ServerOptions{
		AllowOrigins:   cfg.Server.AllowOrigins,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Registry:       a.metrics.Registry(),
	})

	log.Info("server starting",
		zap.String("addr", cfg.Server.Port),
		zap.String("model", cfg.Model.ID),
		zap.String("model_path", cfg.Model.Path),
		zap.String("storage", store.Mode()),
		zap.Duration("request_timeout", cfg.Server.RequestTimeout))
	log.Info("endpoints",
		zap.Strings("routes", []string{
			"GET /health",
			"POST /classify",
			"GET /export/:sessionId",
			"GET /sessions",
			"DELETE /sessions/:sessionId",
			"GET /metrics",
		}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(cfg.Server.Port)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
