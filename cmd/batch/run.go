package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"anomaly-monitor/internal/cache"
	"anomaly-monitor/internal/config"
	"anomaly-monitor/internal/logging"
	"anomaly-monitor/internal/monitor"
	"anomaly-monitor/internal/notify"
	"anomaly-monitor/internal/runner"
	"anomaly-monitor/internal/streams"
)

func newRunCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Train on history and monitor every configured stream until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBatch(ctx, *cfgFile)
		},
	}
}

func newStreamsCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "streams",
		Short: "List the streams available from the configured source",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger()
			batch, err := config.LoadBatch(*cfgFile)
			if err != nil {
				return err
			}
			provider, err := streams.NewProvider(batch.Stream, batch.Credentials, nil)
			if err != nil {
				return err
			}
			available, err := provider.AvailableStreams(cmd.Context())
			if err != nil {
				return err
			}
			logger.WithField("count", len(available)).Debug("Streams listed")
			for _, s := range available {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.ID, s.Name)
			}
			return nil
		},
	}
}

func setupLogger() *logrus.Entry {
	logger := logging.NewLoggerWithService("anomaly-monitor-batch")
	config.LoadEnv(logger)
	logger.Logger.SetLevel(config.GetLogLevel())
	return logger
}

func runBatch(ctx context.Context, cfgFile string) error {
	logger := setupLogger()

	batch, err := config.LoadBatch(cfgFile)
	if err != nil {
		return err
	}
	svc := config.LoadServiceConfig()

	provider, err := streams.NewProvider(batch.Stream, batch.Credentials, nil)
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	redisClient, err := cache.NewRedisClient(connectCtx, svc.RedisAddr, svc.RedisPassword, svc.RedisDB)
	cancel()
	if err != nil {
		return err
	}
	store := cache.NewRedisStore(redisClient)
	defer store.Close()

	dispatcher := notify.NewDispatcher(
		notify.NewWebhookSender(&http.Client{Timeout: svc.NotifyTimeout}, notify.DefaultRetryConfig()),
		svc.NotifyQueue,
		svc.NotifyTimeout,
		logger,
	)
	dispatcher.Start(svc.NotifyWorkers)
	defer dispatcher.Stop()

	logger.WithFields(logrus.Fields{
		"stream":   batch.Stream,
		"monitors": len(batch.Monitors),
		"config":   cfgFile,
	}).Info("Starting batch monitoring")

	r := runner.New(runner.Config{
		Provider:        provider,
		Options:         batch.Options,
		Monitors:        batch.Monitors,
		RestartBackoff:  batch.RestartBackoff,
		MaxRestarts:     batch.MaxRestarts,
		HistoryLookback: batch.HistoryLookback,
		Deps: monitor.Deps{
			Store:    store,
			Notifier: dispatcher,
			Logger:   logger,
		},
		Logger: logger,
	})
	if err := r.Run(ctx); err != nil {
		return err
	}
	logger.Info("Batch monitoring stopped")
	return nil
}
