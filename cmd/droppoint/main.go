// Package main запускает HTTP-сервер сервиса DropPoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/droppoint/internal/config"
	"github.com/mmeshcher/droppoint/internal/handler"
	"github.com/mmeshcher/droppoint/internal/middleware"
	"github.com/mmeshcher/droppoint/internal/realtime"
	"github.com/mmeshcher/droppoint/internal/repository"
	"github.com/mmeshcher/droppoint/internal/service"
	"github.com/mmeshcher/droppoint/internal/session"
)

// backend — хранилище дерева данных вместе с учётными записями.
type backend interface {
	realtime.Store
	session.AccountStore
	Close() error
}

type memoryBackend struct {
	*realtime.Memory
	*session.MemoryAccounts
}

func openBackend(cfg *config.Config, logger *zap.Logger) (backend, error) {
	if cfg.DatabaseURI == "" {
		return memoryBackend{realtime.NewMemory(), session.NewMemoryAccounts()}, nil
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI, logger)
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	store, err := openBackend(cfg, logger)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer store.Close()
	if cfg.DatabaseURI == "" {
		sugar.Warn("DATABASE_URI is empty, using in-memory store")
	}

	sessions := session.NewProvider(store, store, logger)
	svc := service.NewService(store, sessions, logger, service.Options{
		LoadingTimeout: cfg.LoadingTimeout,
		LinkTimeout:    cfg.RfidLinkTimeout,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting droppoint server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
