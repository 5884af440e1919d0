// Package main запускает HTTP-сервер сервиса взаимопомощи кампуса.
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

	"github.com/mmeshcher/campushelp/internal/config"
	"github.com/mmeshcher/campushelp/internal/events"
	"github.com/mmeshcher/campushelp/internal/handler"
	"github.com/mmeshcher/campushelp/internal/middleware"
	"github.com/mmeshcher/campushelp/internal/obs"
	"github.com/mmeshcher/campushelp/internal/repository"
	"github.com/mmeshcher/campushelp/internal/service"
)

const serviceName = "campushelp"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		sugar.Fatalw("tracer initialization error", "error", err.Error())
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			sugar.Warnw("tracer shutdown error", "error", err.Error())
		}
	}()

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory storage")
		repo = repository.NewMemoryRepository()
	}

	var publisher service.Publisher
	if cfg.RabbitURL != "" {
		p, err := events.NewPublisher(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			sugar.Fatalw("broker initialization error", "error", err.Error())
		}
		defer p.Close()
		publisher = p
	}

	svc := service.NewService(repo, publisher, logger)
	defer svc.Close()

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is empty, using a random signing key: tokens will not survive a restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Публикация журнала баллов в брокер
	g.Go(func() error {
		svc.StartEventRelay(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting campushelp server", "addr", cfg.RunAddress)
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
		sugar.Errorw("application terminated with error", "error", err)
	}
}
