// Package streams содержит адаптеры источников метрик. Источник отдает
// историю для обучения и свежие наблюдения для онлайн-режима.
package streams

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"anomaly-monitor/internal/models"
)

var (
	// ErrSourceUnavailable источник не ответил или ответил ошибкой
	ErrSourceUnavailable = errors.New("metric source unavailable")
	// ErrUnknownStream неизвестный тип источника
	ErrUnknownStream = errors.New("unknown stream type")
)

// Credentials учетные данные источника из конфигурации
type Credentials map[string]string

// Require возвращает значение или ошибку, если ключ не задан
func (c Credentials) Require(key string) (string, error) {
	v := c[key]
	if v == "" {
		return "", fmt.Errorf("credential %q is required", key)
	}
	return v, nil
}

// Source поток наблюдений одной сущности
type Source interface {
	ID() string
	Name() string
	ValueLabel() string
	ValueUnit() string
	// HistoricData история по возрастанию времени
	HistoricData(ctx context.Context) ([]models.Sample, error)
	// NewData последние наблюдения по возрастанию времени; может повторять
	// уже отданные точки, монитор отбрасывает их по водяному знаку
	NewData(ctx context.Context) ([]models.Sample, error)
}

// Provider тип источника: перечисляет потоки и создает для них Source
type Provider interface {
	AvailableStreams(ctx context.Context) ([]models.StreamInfo, error)
	NewSource(info models.StreamInfo) (Source, error)
}

// Constructor создает провайдера по учетным данным
type Constructor func(creds Credentials, client *Client) (Provider, error)

var constructors = map[string]Constructor{
	"pingdom": func(creds Credentials, client *Client) (Provider, error) {
		return NewPingdomProvider(creds, client)
	},
	"librato": func(creds Credentials, client *Client) (Provider, error) {
		return NewLibratoProvider(creds, client)
	},
}

// Kinds зарегистрированные типы источников
func Kinds() []string {
	kinds := make([]string, 0, len(constructors))
	for k := range constructors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// NewProvider создает провайдера по имени типа
func NewProvider(kind string, creds Credentials, client *Client) (Provider, error) {
	ctor, ok := constructors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownStream, kind, Kinds())
	}
	if client == nil {
		client = NewClient(nil, DefaultRetryConfig())
	}
	return ctor(creds, client)
}

// reverse переворачивает выборку, пришедшую от новых к старым
func reverse(samples []models.Sample) {
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
}
