package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"anomaly-monitor/internal/cache"
	"anomaly-monitor/internal/config"
	"anomaly-monitor/internal/handlers"
	"anomaly-monitor/internal/logging"
	"anomaly-monitor/internal/monitor"
	"anomaly-monitor/internal/notify"
	"anomaly-monitor/internal/registry"
)

func main() {
	logger := logging.NewLoggerWithService("anomaly-monitor")
	config.LoadEnv(logger)
	logger.Logger.SetLevel(config.GetLogLevel())
	logger.Info("Starting anomaly monitor push service...")

	// Конфигурация из environment variables
	cfg := config.LoadServiceConfig()

	defaults := config.DefaultOptions()
	defaults.MaxItems = &cfg.MaxItems
	if _, err := config.Resolve("defaults", defaults); err != nil {
		logger.WithError(err).Fatal("Invalid default monitor configuration")
	}

	// Инициализация Redis
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	redisClient, err := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	cancel()
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	store := cache.NewRedisStore(redisClient)
	defer store.Close()
	logger.WithField("addr", cfg.RedisAddr).Info("Connected to Redis")

	// Уведомления
	dispatcher := notify.NewDispatcher(
		notify.NewWebhookSender(&http.Client{Timeout: cfg.NotifyTimeout}, notify.DefaultRetryConfig()),
		cfg.NotifyQueue,
		cfg.NotifyTimeout,
		logger,
	)
	dispatcher.Start(cfg.NotifyWorkers)
	defer dispatcher.Stop()

	// Реестр мониторов
	reg := registry.New(registry.Config{
		Defaults: defaults,
		Deps: monitor.Deps{
			Store:    store,
			Notifier: dispatcher,
			Logger:   logger,
		},
		SweepInterval: cfg.SweepInterval,
		IdleTimeout:   cfg.IdleTimeout,
		Logger:        logger,
	})
	reg.Start(context.Background())
	defer reg.Stop()
	logger.WithFields(logging.Fields{
		"sweep_interval": cfg.SweepInterval,
		"idle_timeout":   cfg.IdleTimeout,
	}).Info("Registry started")

	handler := handlers.NewHandler(reg, store, dispatcher, handlers.Options{
		AccessToken:    cfg.AccessToken,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})

	// HTTP сервер
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second + cfg.RequestTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.WithField("port", cfg.ServerPort).Info("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server error")
		}
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server stopped gracefully")
}
