package models

import "time"

// Sample одно наблюдение метрики сущности
type Sample struct {
	Timestamp int64   `json:"timestamp"`
	RawValue  float64 `json:"raw_value"`
}

// Time возвращает время наблюдения в UTC
func (s Sample) Time() time.Time {
	return time.Unix(s.Timestamp, 0).UTC()
}

// ResultRecord запись в журнале результатов сущности
type ResultRecord struct {
	Timestamp        int64   `json:"time"`
	RawValue         float64 `json:"raw_value"`
	TransformedValue float64 `json:"average_value"`
	PredictedValue   float64 `json:"predicted"`
	AnomalyScore     float64 `json:"anomaly"`
	Likelihood       float64 `json:"likelihood"`
}

// Verdict результат обработки одного наблюдения
type Verdict struct {
	Likelihood   float64  `json:"likelihood"`
	Anomalous    bool     `json:"anomalous"`
	AnomalyScore float64  `json:"anomaly_score"`
	Predicted    *float64 `json:"predicted"`
	// Value значение после преобразования, поданное в модель
	Value float64 `json:"current_value"`
}

// AlertEvent тип перехода состояния тревоги
type AlertEvent string

const (
	EventAnomalyStarted AlertEvent = "anomaly_started"
	EventAnomalyEnded   AlertEvent = "anomaly_ended"
)

// ReportSample наблюдение в составе уведомления
type ReportSample struct {
	Timestamp int64   `json:"timestamp"`
	RawValue  float64 `json:"raw_value"`
	Value     float64 `json:"value"`
}

// Report уведомление, отправляемое на webhook при смене состояния
type Report struct {
	ID           string       `json:"id"`
	EntityKey    string       `json:"entity_key"`
	Name         string       `json:"name"`
	Event        AlertEvent   `json:"event"`
	AnomalyScore float64      `json:"anomaly_score"`
	Likelihood   float64      `json:"likelihood"`
	Sample       ReportSample `json:"sample"`
	SentAt       time.Time    `json:"sent_at"`
}

// StreamInfo поток, доступный у источника метрик
type StreamInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MonitorInfo метаданные монитора
type MonitorInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ValueLabel string `json:"value_label"`
	ValueUnit  string `json:"value_unit"`
}
