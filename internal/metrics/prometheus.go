package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal общее количество запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// RequestDuration продолжительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// SamplesReceived наблюдения, поступившие в мониторы
	SamplesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "monitor_samples_received_total",
			Help: "Total number of samples passed to monitors",
		},
	)

	// SamplesSkipped наблюдения, отброшенные по водяному знаку
	SamplesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "monitor_samples_skipped_total",
			Help: "Samples ignored because their timestamp is not ahead of the watermark",
		},
	)

	// AnomalyScore последняя оценка аномалии сущности
	AnomalyScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "monitor_anomaly_score",
			Help: "Latest anomaly score per entity",
		},
		[]string{"entity"},
	)

	// Likelihood последнее правдоподобие аномалии сущности
	Likelihood = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "monitor_anomaly_likelihood",
			Help: "Latest anomaly likelihood per entity",
		},
		[]string{"entity"},
	)

	// TransformedValue последнее сглаженное значение
	TransformedValue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "monitor_transformed_value",
			Help: "Latest transformed value fed to the model per entity",
		},
		[]string{"entity"},
	)

	// AlertTransitions переходы NORMAL <-> ANOMALOUS
	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_alert_transitions_total",
			Help: "Total number of alert state transitions",
		},
		[]string{"event"},
	)

	// UpdateLatency время обработки одного наблюдения
	UpdateLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "monitor_update_latency_seconds",
			Help:    "Monitor update latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// ActiveMonitors мониторы в реестре
	ActiveMonitors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_active_instances",
			Help: "Number of live monitor instances",
		},
	)

	// Evictions удаленные мониторы
	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_evictions_total",
			Help: "Total number of removed monitor instances",
		},
		[]string{"reason"},
	)

	// ModelFailures ошибки модели, после которых сущность пересоздается
	ModelFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "monitor_model_failures_total",
			Help: "Total number of fatal model failures",
		},
	)

	// NotificationQueueSize размер очереди уведомлений
	NotificationQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_queue_size",
			Help: "Current size of the notification queue",
		},
	)

	// Notifications отправленные уведомления
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Total number of webhook notifications",
		},
		[]string{"status"},
	)

	// RedisOperations операции с Redis
	RedisOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total number of Redis operations",
		},
		[]string{"operation", "status"},
	)

	// SourceErrors ошибки источников метрик
	SourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_errors_total",
			Help: "Total number of failed metric source calls",
		},
		[]string{"stream"},
	)
)

// ObserveStore учитывает результат операции хранилища
func ObserveStore(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	RedisOperations.WithLabelValues(operation, status).Inc()
}

// DeleteEntity убирает серии удаленной сущности
func DeleteEntity(entity string) {
	AnomalyScore.DeleteLabelValues(entity)
	Likelihood.DeleteLabelValues(entity)
	TransformedValue.DeleteLabelValues(entity)
}
