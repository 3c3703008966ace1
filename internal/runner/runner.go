// Package runner исполняет пакетный режим: по одному монитору на поток
// источника, обучение на истории и периодический опрос новых данных.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"anomaly-monitor/internal/config"
	"anomaly-monitor/internal/metrics"
	"anomaly-monitor/internal/models"
	"anomaly-monitor/internal/monitor"
	"anomaly-monitor/internal/streams"
)

const (
	DefaultRestartBackoff = 30 * time.Second
	DefaultMaxRestarts    = 5
)

// Config параметры пакетного режима
type Config struct {
	Provider streams.Provider
	// Options параметры мониторов поверх значений по умолчанию
	Options config.Options
	// Monitors идентификаторы потоков; пустой список означает все доступные
	Monitors        []string
	RestartBackoff  time.Duration
	MaxRestarts     int
	HistoryLookback time.Duration
	Deps            monitor.Deps
	Logger          logrus.FieldLogger
	Now             func() time.Time
}

// Runner супервизор потоков
type Runner struct {
	provider        streams.Provider
	options         config.Options
	monitors        []string
	restartBackoff  time.Duration
	maxRestarts     int
	historyLookback time.Duration
	deps            monitor.Deps
	logger          logrus.FieldLogger
	now             func() time.Time

	// pollInterval если задан, заменяет seconds_per_request
	pollInterval time.Duration
}

// New создает супервизор
func New(cfg Config) *Runner {
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = DefaultRestartBackoff
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Deps.Logger == nil {
		cfg.Deps.Logger = cfg.Logger
	}
	return &Runner{
		provider:        cfg.Provider,
		options:         config.Merge(config.DefaultOptions(), cfg.Options),
		monitors:        cfg.Monitors,
		restartBackoff:  cfg.RestartBackoff,
		maxRestarts:     cfg.MaxRestarts,
		historyLookback: cfg.HistoryLookback,
		deps:            cfg.Deps,
		logger:          cfg.Logger,
		now:             cfg.Now,
	}
}

// Run запускает по задаче на поток и ждет их завершения. Отмена ctx
// останавливает все задачи после текущего обновления; это не ошибка.
func (r *Runner) Run(ctx context.Context) error {
	// параметры проверяются до обращения к источнику
	if _, err := config.Resolve("probe", r.options); err != nil {
		return err
	}

	infos, err := r.streams(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return fmt.Errorf("%w: no streams to monitor", config.ErrConfigInvalid)
	}

	sources := make([]streams.Source, 0, len(infos))
	for _, info := range infos {
		src, err := r.provider.NewSource(info)
		if err != nil {
			return fmt.Errorf("create source %s: %w", info.ID, err)
		}
		sources = append(sources, src)
	}

	r.logger.WithField("streams", len(sources)).Info("Starting stream monitors")

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			return r.supervise(gctx, src)
		})
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// streams выбирает потоки: явно заданные или все доступные.
// Имена явно заданных потоков берутся из списка источника, если он доступен.
func (r *Runner) streams(ctx context.Context) ([]models.StreamInfo, error) {
	available, err := r.provider.AvailableStreams(ctx)
	if len(r.monitors) == 0 {
		if err != nil {
			return nil, fmt.Errorf("list streams: %w", err)
		}
		return available, nil
	}
	if err != nil {
		r.logger.WithError(err).Warn("Could not list streams, using configured ids as names")
	}

	names := make(map[string]string, len(available))
	for _, info := range available {
		names[info.ID] = info.Name
	}
	out := make([]models.StreamInfo, 0, len(r.monitors))
	for _, id := range r.monitors {
		out = append(out, models.StreamInfo{ID: id, Name: names[id]})
	}
	return out, nil
}

// supervise перезапускает задачу потока со свежим монитором после ошибки модели
func (r *Runner) supervise(ctx context.Context, src streams.Source) error {
	log := r.logger.WithField("stream", src.ID())

	for restarts := 0; ; restarts++ {
		err := r.runStream(ctx, src, log)
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, monitor.ErrModelFailure) {
			return err
		}
		if restarts >= r.maxRestarts {
			log.WithError(err).WithField("restarts", restarts).Error("Stream abandoned after repeated model failures")
			return nil
		}

		log.WithError(err).WithField("backoff", r.restartBackoff).Warn("Restarting stream with a fresh monitor")
		if !sleep(ctx, r.restartBackoff) {
			return nil
		}
	}
}

// runStream один жизненный цикл монитора потока
func (r *Runner) runStream(ctx context.Context, src streams.Source, log logrus.FieldLogger) error {
	history := r.history(ctx, src, log)

	m, err := r.newMonitor(ctx, src)
	if err != nil {
		return err
	}

	if err := m.Train(ctx, history); err != nil {
		r.release(ctx, m, err, log)
		return err
	}
	log.WithField("history", len(history)).Info("Monitor trained")

	err = r.poll(ctx, m, src, log)
	r.release(ctx, m, err, log)
	return err
}

func (r *Runner) newMonitor(ctx context.Context, src streams.Source) (*monitor.Monitor, error) {
	meta := config.Options{
		Name:       nonEmpty(src.Name()),
		ValueLabel: nonEmpty(src.ValueLabel()),
		ValueUnit:  nonEmpty(src.ValueUnit()),
	}
	settings, err := config.Resolve(src.ID(), config.Merge(meta, r.options))
	if err != nil {
		return nil, err
	}
	return monitor.New(ctx, settings, r.deps)
}

// history загружает историю; при ошибке источника монитор стартует без нее
func (r *Runner) history(ctx context.Context, src streams.Source, log logrus.FieldLogger) []models.Sample {
	samples, err := src.HistoricData(ctx)
	if err != nil {
		metrics.SourceErrors.WithLabelValues(src.ID()).Inc()
		log.WithError(err).Warn("Could not load history, starting untrained")
		return nil
	}
	if r.historyLookback <= 0 {
		return samples
	}

	cutoff := r.now().Add(-r.historyLookback).Unix()
	for i, s := range samples {
		if s.Timestamp >= cutoff {
			return samples[i:]
		}
	}
	return nil
}

// poll опрашивает источник каждые seconds_per_request до отмены ctx или ошибки модели
func (r *Runner) poll(ctx context.Context, m *monitor.Monitor, src streams.Source, log logrus.FieldLogger) error {
	interval := r.pollInterval
	if interval <= 0 {
		interval = time.Duration(m.Settings().SecondsPerRequest) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		samples, err := src.NewData(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.SourceErrors.WithLabelValues(src.ID()).Inc()
			log.WithError(err).Warn("Could not fetch new data")
			continue
		}

		for _, s := range samples {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			verdict, err := m.Update(ctx, s, true)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"timestamp":     s.Timestamp,
				"value":         s.RawValue,
				"anomaly_score": verdict.AnomalyScore,
				"likelihood":    verdict.Likelihood,
			}).Debug("Sample processed")
		}
	}
}

// release после ошибки модели удаляет данные сущности, при остановке только закрывает модель
func (r *Runner) release(ctx context.Context, m *monitor.Monitor, cause error, log logrus.FieldLogger) {
	if !errors.Is(cause, monitor.ErrModelFailure) {
		m.Close()
		return
	}
	metrics.Evictions.WithLabelValues("model_failure").Inc()
	if err := m.Teardown(context.WithoutCancel(ctx)); err != nil {
		log.WithError(err).Warn("Monitor teardown failed")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
