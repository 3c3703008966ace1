// Package registry хранит по одному монитору на сущность: создает мониторы
// при первом обращении, переиспользует их и удаляет простаивающие.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"anomaly-monitor/internal/config"
	"anomaly-monitor/internal/metrics"
	"anomaly-monitor/internal/models"
	"anomaly-monitor/internal/monitor"
)

const (
	DefaultSweepInterval = 60 * time.Second
	DefaultIdleTimeout   = 3600 * time.Second
)

// Причины удаления монитора
const (
	ReasonIdle         = "idle"
	ReasonRemoved      = "removed"
	ReasonModelFailure = "model_failure"
)

type entry struct {
	monitor  *monitor.Monitor
	lastSeen time.Time
}

// Config параметры реестра
type Config struct {
	Defaults      config.Options
	Deps          monitor.Deps
	SweepInterval time.Duration
	IdleTimeout   time.Duration
	Logger        logrus.FieldLogger
	Now           func() time.Time
}

// Registry потокобезопасная карта ключ сущности -> монитор
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	create  singleflight.Group
	// pending ключи, чей удаленный монитор еще освобождается; новый монитор
	// для такого ключа создается только после удаления его данных
	pending map[string]chan struct{}

	defaults      config.Options
	deps          monitor.Deps
	sweepInterval time.Duration
	idleTimeout   time.Duration
	logger        logrus.FieldLogger
	now           func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New создает реестр. Фоновая очистка запускается отдельно через Start.
func New(cfg Config) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		entries:       make(map[string]*entry),
		pending:       make(map[string]chan struct{}),
		defaults:      cfg.Defaults,
		deps:          cfg.Deps,
		sweepInterval: cfg.SweepInterval,
		idleTimeout:   cfg.IdleTimeout,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
}

// GetOrCreate возвращает монитор сущности. При попадании обновляет время
// последнего обращения и игнорирует override; при промахе объединяет
// конфигурацию по умолчанию с override, создает монитор и обучает его на history.
// Одновременные промахи по одному ключу создают ровно один монитор.
func (r *Registry) GetOrCreate(ctx context.Context, key string, override config.Options, history []models.Sample) (*monitor.Monitor, error) {
	if m := r.touch(key); m != nil {
		return m, nil
	}

	v, err, _ := r.create.Do(key, func() (any, error) {
		if m := r.touch(key); m != nil {
			return m, nil
		}
		if err := r.awaitTeardown(ctx, key); err != nil {
			return nil, err
		}
		return r.build(ctx, key, override, history)
	})
	if err != nil {
		return nil, err
	}
	return v.(*monitor.Monitor), nil
}

// Submit передает наблюдение монитору сущности, создавая его при необходимости.
// Если монитор был удален между поиском и обновлением, попытка повторяется с новым.
// При ошибке модели сущность удаляется, чтобы следующий запрос начал с чистой модели.
func (r *Registry) Submit(ctx context.Context, key string, override config.Options, sample models.Sample, notify bool) (models.Verdict, error) {
	for attempt := 0; ; attempt++ {
		m, err := r.GetOrCreate(ctx, key, override, nil)
		if err != nil {
			return models.Verdict{}, err
		}

		verdict, err := m.Update(ctx, sample, notify)
		switch {
		case err == nil:
			return verdict, nil
		case errors.Is(err, monitor.ErrMonitorClosed) && attempt == 0:
			r.forget(key, m)
			continue
		case errors.Is(err, monitor.ErrModelFailure):
			if _, rmErr := r.removeMonitor(ctx, key, m, ReasonModelFailure); rmErr != nil {
				r.logger.WithError(rmErr).WithField("entity_key", key).Warn("Teardown after model failure failed")
			}
			return models.Verdict{}, err
		default:
			return models.Verdict{}, err
		}
	}
}

// Get возвращает монитор без создания, обновляя время обращения
func (r *Registry) Get(key string) (*monitor.Monitor, bool) {
	m := r.touch(key)
	return m, m != nil
}

// Remove удаляет монитор по запросу администратора
func (r *Registry) Remove(ctx context.Context, key string) (bool, error) {
	return r.removeMonitor(ctx, key, nil, ReasonRemoved)
}

// EvictIdle удаляет мониторы, к которым не обращались дольше idleTimeout.
// Под блокировкой реестра выполняется только выбор и удаление из карты;
// освобождение ресурсов мониторов идет уже без нее.
func (r *Registry) EvictIdle(ctx context.Context, now time.Time, idleTimeout time.Duration) []string {
	r.mu.Lock()
	var (
		keys    []string
		victims []*monitor.Monitor
		done    []chan struct{}
	)
	for key, e := range r.entries {
		if now.Sub(e.lastSeen) > idleTimeout {
			keys = append(keys, key)
			victims = append(victims, e.monitor)
			done = append(done, r.detachLocked(key))
		}
	}
	metrics.ActiveMonitors.Set(float64(len(r.entries)))
	r.mu.Unlock()

	for i, m := range victims {
		r.teardown(ctx, keys[i], m, ReasonIdle)
		r.release(keys[i], done[i])
	}

	sort.Strings(keys)
	return keys
}

// Start запускает фоновую очистку простаивающих мониторов
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted := r.EvictIdle(ctx, r.now(), r.idleTimeout); len(evicted) > 0 {
					r.logger.WithField("count", len(evicted)).Info("Evicted idle monitors")
				}
			}
		}
	}()
}

// Stop останавливает фоновую очистку и дожидается текущего прохода
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Len количество мониторов
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys ключи сущностей в порядке сортировки
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// LastSeen время последнего обращения к сущности
func (r *Registry) LastSeen(key string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.lastSeen, true
}

func (r *Registry) touch(key string) *monitor.Monitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	e.lastSeen = r.now()
	return e.monitor
}

func (r *Registry) build(ctx context.Context, key string, override config.Options, history []models.Sample) (*monitor.Monitor, error) {
	settings, err := config.Resolve(key, config.Merge(r.defaults, override))
	if err != nil {
		return nil, err
	}

	m, err := monitor.New(ctx, settings, r.deps)
	if err != nil {
		return nil, fmt.Errorf("create monitor %s: %w", key, err)
	}
	if err := m.Train(ctx, history); err != nil {
		if tdErr := m.Teardown(ctx); tdErr != nil {
			r.logger.WithError(tdErr).WithField("entity_key", key).Warn("Teardown after failed training failed")
		}
		return nil, fmt.Errorf("train monitor %s: %w", key, err)
	}

	r.mu.Lock()
	r.entries[key] = &entry{monitor: m, lastSeen: r.now()}
	metrics.ActiveMonitors.Set(float64(len(r.entries)))
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"entity_key": key,
		"name":       settings.Name,
		"transform":  settings.Transform,
		"history":    len(history),
	}).Info("Monitor created")
	return m, nil
}

// forget убирает закрытый монитор из карты, если ключ все еще указывает на него
func (r *Registry) forget(key string, m *monitor.Monitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok && e.monitor == m {
		delete(r.entries, key)
		metrics.ActiveMonitors.Set(float64(len(r.entries)))
	}
}

// removeMonitor удаляет ключ; если expected задан, удаляется только этот экземпляр
func (r *Registry) removeMonitor(ctx context.Context, key string, expected *monitor.Monitor, reason string) (bool, error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || (expected != nil && e.monitor != expected) {
		// экземпляр уже убран из карты тем, кто его и освобождает;
		// данные по ключу могут принадлежать новому монитору
		r.mu.Unlock()
		return false, nil
	}
	done := r.detachLocked(key)
	metrics.ActiveMonitors.Set(float64(len(r.entries)))
	r.mu.Unlock()

	err := r.teardown(ctx, key, e.monitor, reason)
	r.release(key, done)
	return true, err
}

// detachLocked убирает ключ из карты и отмечает его освобождение. Вызывается под r.mu.
func (r *Registry) detachLocked(key string) chan struct{} {
	delete(r.entries, key)
	done := make(chan struct{})
	r.pending[key] = done
	return done
}

// release снимает отметку освобождения ключа
func (r *Registry) release(key string, done chan struct{}) {
	r.mu.Lock()
	if r.pending[key] == done {
		delete(r.pending, key)
	}
	r.mu.Unlock()
	close(done)
}

// awaitTeardown ждет, пока данные прежнего монитора ключа будут удалены
func (r *Registry) awaitTeardown(ctx context.Context, key string) error {
	for {
		r.mu.Lock()
		done, ok := r.pending[key]
		r.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Registry) teardown(ctx context.Context, key string, m *monitor.Monitor, reason string) error {
	metrics.Evictions.WithLabelValues(reason).Inc()
	log := r.logger.WithFields(logrus.Fields{"entity_key": key, "reason": reason})
	if err := m.Teardown(ctx); err != nil {
		log.WithError(err).Warn("Monitor teardown failed")
		return err
	}
	log.Info("Monitor removed")
	return nil
}
