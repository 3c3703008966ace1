// Package monitor реализует конвейер обработки наблюдений одной сущности:
// преобразование, модель, правдоподобие, пороги, гистерезис тревоги,
// ограниченный журнал результатов и уведомление о смене состояния.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"anomaly-monitor/internal/analytics"
	"anomaly-monitor/internal/config"
	"anomaly-monitor/internal/metrics"
	"anomaly-monitor/internal/models"
)

var (
	// ErrModelFailure модель упала; состояние монитора нельзя продолжать
	ErrModelFailure = errors.New("model failure")
	// ErrMonitorClosed монитор уже удален
	ErrMonitorClosed = errors.New("monitor is closed")
)

// Поля метаданных в хранилище
const (
	MetaName       = "name"
	MetaValueLabel = "value_label"
	MetaValueUnit  = "value_unit"
)

// ResultStore журнал результатов и метаданные сущности
type ResultStore interface {
	Append(ctx context.Context, key string, record models.ResultRecord) error
	Trim(ctx context.Context, key string, maxLen int) error
	SetMeta(ctx context.Context, key, field, value string) error
	DeleteAll(ctx context.Context, key string) error
}

// Notifier доставка отчетов о смене состояния
type Notifier interface {
	Notify(ctx context.Context, url string, report models.Report) error
}

// EstimatorFactory создает оценщик правдоподобия
type EstimatorFactory func(params analytics.LikelihoodParams) analytics.Estimator

// Deps внешние зависимости монитора
type Deps struct {
	Models     analytics.ModelFactory
	Estimators EstimatorFactory
	Store      ResultStore
	Notifier   Notifier
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

// Snapshot состояние монитора для наблюдения снаружи
type Snapshot struct {
	Watermark    int64
	HasWatermark bool
	Window       []float64
	State        analytics.AlertState
	Last         models.Verdict
	Failed       bool
	Closed       bool
}

// Monitor исполняет конвейер для одной сущности. Модель и оценщик
// принадлежат монитору единолично; все методы сериализуются мьютексом,
// поэтому модель никогда не вызывается конкурентно.
type Monitor struct {
	mu sync.Mutex

	settings  config.Settings
	window    *analytics.Window
	model     analytics.Model
	estimator analytics.Estimator
	alert     *analytics.Hysteresis

	// forecasts прогнозы, сделанные на последних шагах, по одному на тик;
	// первый элемент относится к текущему тику
	forecasts []*float64

	store    ResultStore
	notifier Notifier
	logger   logrus.FieldLogger
	now      func() time.Time

	watermark    int64
	hasWatermark bool
	last         models.Verdict
	failed       error
	closed       bool
}

// New создает монитор и записывает его метаданные
func New(ctx context.Context, settings config.Settings, deps Deps) (*Monitor, error) {
	if deps.Models == nil {
		deps.Models = analytics.NewSequenceModelFactory()
	}
	if deps.Estimators == nil {
		deps.Estimators = func(p analytics.LikelihoodParams) analytics.Estimator {
			return analytics.NewLikelihoodEstimator(p)
		}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	model, err := deps.Models(settings.Model)
	if err != nil {
		return nil, fmt.Errorf("create model for %s: %w", settings.ID, err)
	}
	if err := model.EnableInference(analytics.InferenceConfig{
		PredictedField: "value",
		Steps:          []int{settings.PredictionSteps},
	}); err != nil {
		model.Close()
		return nil, fmt.Errorf("enable inference for %s: %w", settings.ID, err)
	}

	m := &Monitor{
		settings:  settings,
		window:    analytics.NewWindow(settings.MovingAverageWindow, settings.ZeroFill),
		model:     model,
		estimator: deps.Estimators(settings.Likelihood),
		alert:     analytics.NewHysteresis(settings.Thresholds),
		forecasts: make([]*float64, settings.PredictionSteps),
		store:     deps.Store,
		notifier:  deps.Notifier,
		logger:    deps.Logger.WithField("entity_key", settings.ID),
		now:       deps.Now,
	}

	m.writeMeta(ctx)
	return m, nil
}

// ID ключ сущности
func (m *Monitor) ID() string {
	return m.settings.ID
}

// Settings конфигурация монитора
func (m *Monitor) Settings() config.Settings {
	return m.settings
}

// Info метаданные для API
func (m *Monitor) Info() models.MonitorInfo {
	return models.MonitorInfo{
		ID:         m.settings.ID,
		Name:       m.settings.Name,
		ValueLabel: m.settings.ValueLabel,
		ValueUnit:  m.settings.ValueUnit,
	}
}

// Snapshot копия текущего состояния
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Watermark:    m.watermark,
		HasWatermark: m.hasWatermark,
		Window:       m.window.Values(),
		State:        m.alert.State(),
		Last:         m.last,
		Failed:       m.failed != nil,
		Closed:       m.closed,
	}
}

// Train прогоняет историю без уведомлений
func (m *Monitor) Train(ctx context.Context, samples []models.Sample) error {
	for _, s := range samples {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := m.Update(ctx, s, false); err != nil {
			return err
		}
	}
	return nil
}

// Update обрабатывает одно наблюдение. Наблюдения не новее водяного знака
// не меняют состояние и возвращают последний вердикт.
func (m *Monitor) Update(ctx context.Context, sample models.Sample, notify bool) (models.Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.Verdict{}, fmt.Errorf("%s: %w", m.settings.ID, ErrMonitorClosed)
	}
	if m.failed != nil {
		return models.Verdict{}, fmt.Errorf("%s: %w: %v", m.settings.ID, ErrModelFailure, m.failed)
	}
	if m.hasWatermark && sample.Timestamp <= m.watermark {
		metrics.SamplesSkipped.Inc()
		return m.last, nil
	}

	start := time.Now()
	metrics.SamplesReceived.Inc()

	m.window.Push(sample.RawValue)
	transformed := analytics.Transform(m.window, m.settings.ScalingFactor, m.settings.Transform)

	inference, err := m.model.Run(analytics.ModelInput{Timestamp: sample.Timestamp, Value: transformed})
	if err != nil {
		m.failed = err
		metrics.ModelFailures.Inc()
		m.logger.WithError(err).WithField("timestamp", sample.Timestamp).Error("Model failed, monitor must be recreated")
		return models.Verdict{}, fmt.Errorf("%s: %w: %v", m.settings.ID, ErrModelFailure, err)
	}

	likelihood := m.estimator.Probability(transformed, inference.AnomalyScore, sample.Timestamp)

	anomalous, transition := m.alert.Evaluate(inference.AnomalyScore, likelihood)
	if transition.Changed() {
		m.onTransition(ctx, transition, notify, sample, transformed, inference.AnomalyScore, likelihood)
	}

	predicted := m.shiftForecast(inference.PredictedByHorizon)
	if predicted != nil {
		m.persist(ctx, models.ResultRecord{
			Timestamp:        sample.Timestamp,
			RawValue:         sample.RawValue,
			TransformedValue: transformed,
			PredictedValue:   *predicted,
			AnomalyScore:     inference.AnomalyScore,
			Likelihood:       likelihood,
		})
	} else {
		m.logger.WithField("timestamp", sample.Timestamp).Debug("No prediction for this tick yet, result not stored")
	}

	m.watermark = sample.Timestamp
	m.hasWatermark = true
	m.last = models.Verdict{
		Likelihood:   likelihood,
		Anomalous:    anomalous,
		AnomalyScore: inference.AnomalyScore,
		Predicted:    predicted,
		Value:        transformed,
	}

	metrics.AnomalyScore.WithLabelValues(m.settings.ID).Set(inference.AnomalyScore)
	metrics.Likelihood.WithLabelValues(m.settings.ID).Set(likelihood)
	metrics.TransformedValue.WithLabelValues(m.settings.ID).Set(transformed)
	metrics.UpdateLatency.Observe(time.Since(start).Seconds())

	return m.last, nil
}

// Close освобождает модель, сохраненный журнал остается в хранилище.
// Возвращает false, если монитор уже был закрыт.
func (m *Monitor) Close() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *Monitor) closeLocked() bool {
	if m.closed {
		return false
	}
	m.closed = true
	m.model.Close()
	metrics.DeleteEntity(m.settings.ID)
	return true
}

// Teardown освобождает модель и удаляет журнал и метаданные сущности
func (m *Monitor) Teardown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closeLocked() || m.store == nil {
		return nil
	}
	err := m.store.DeleteAll(ctx, m.settings.ID)
	metrics.ObserveStore("delete_all", err)
	if err != nil {
		return fmt.Errorf("delete stored data for %s: %w", m.settings.ID, err)
	}
	return nil
}

// shiftForecast сдвигает очередь прогнозов: возвращает прогноз, сделанный
// PredictionSteps тиков назад для текущего тика, и ставит в очередь новый
func (m *Monitor) shiftForecast(byHorizon map[int]float64) *float64 {
	current := m.forecasts[0]
	copy(m.forecasts, m.forecasts[1:])

	var next *float64
	if v, ok := byHorizon[m.settings.PredictionSteps]; ok {
		next = &v
	}
	m.forecasts[len(m.forecasts)-1] = next
	return current
}

func (m *Monitor) onTransition(ctx context.Context, tr analytics.Transition, notify bool, sample models.Sample, transformed, score, likelihood float64) {
	event := models.EventAnomalyEnded
	if tr.To == analytics.StateAnomalous {
		event = models.EventAnomalyStarted
	}
	metrics.AlertTransitions.WithLabelValues(string(event)).Inc()

	log := m.logger.WithFields(logrus.Fields{
		"event":         event,
		"anomaly_score": score,
		"likelihood":    likelihood,
		"timestamp":     sample.Timestamp,
	})
	log.Info("Alert state changed")

	if !notify || m.settings.Webhook == "" || m.notifier == nil {
		return
	}

	report := models.Report{
		ID:           uuid.NewString(),
		EntityKey:    m.settings.ID,
		Name:         m.settings.Name,
		Event:        event,
		AnomalyScore: score,
		Likelihood:   likelihood,
		Sample: models.ReportSample{
			Timestamp: sample.Timestamp,
			RawValue:  sample.RawValue,
			Value:     transformed,
		},
		SentAt: m.now().UTC(),
	}
	if err := m.notifier.Notify(ctx, m.settings.Webhook, report); err != nil {
		log.WithError(err).Warn("Could not send notification")
	}
}

func (m *Monitor) persist(ctx context.Context, record models.ResultRecord) {
	if m.store == nil {
		return
	}
	err := m.store.Append(ctx, m.settings.ID, record)
	metrics.ObserveStore("append", err)
	if err != nil {
		m.logger.WithError(err).Warn("Could not write result")
		return
	}
	err = m.store.Trim(ctx, m.settings.ID, m.settings.MaxItems)
	metrics.ObserveStore("trim", err)
	if err != nil {
		m.logger.WithError(err).Warn("Could not trim results")
	}
}

func (m *Monitor) writeMeta(ctx context.Context) {
	if m.store == nil {
		return
	}
	fields := []struct{ field, value string }{
		{MetaName, m.settings.Name},
		{MetaValueLabel, m.settings.ValueLabel},
		{MetaValueUnit, m.settings.ValueUnit},
	}
	for _, f := range fields {
		err := m.store.SetMeta(ctx, m.settings.ID, f.field, f.value)
		metrics.ObserveStore("set_meta", err)
		if err != nil {
			m.logger.WithError(err).WithField("field", f.field).Warn("Could not write monitor metadata")
		}
	}
}
