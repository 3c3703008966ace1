package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Sender отправляет JSON на URL и возвращает HTTP статус
type Sender interface {
	Send(ctx context.Context, url string, payload []byte) (int, error)
}

// RetryConfig параметры повторов отправки
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig значения по умолчанию
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

// shouldRetry повторяем сетевые ошибки, 5xx и 429
func shouldRetry(resp *http.Response, err error) bool {
	if err != nil || resp == nil {
		return true
	}
	return resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests
}

// WebhookSender отправляет уведомления POST запросом с повторами
type WebhookSender struct {
	client   *http.Client
	executor failsafe.Executor[*http.Response]
}

// NewWebhookSender создает отправителя; client может быть nil
func NewWebhookSender(client *http.Client, retry RetryConfig) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = 100 * time.Millisecond
	}
	if retry.MaxDelay < retry.BaseDelay {
		retry.MaxDelay = retry.BaseDelay
	}

	policy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(shouldRetry).
		WithBackoff(retry.BaseDelay, retry.MaxDelay).
		WithMaxRetries(retry.MaxRetries).
		WithJitterFactor(0.1).
		Build()

	return &WebhookSender{
		client:   client,
		executor: failsafe.With[*http.Response](policy),
	}
}

// Send отправляет payload; тело ответа вычитывается и закрывается внутри попытки
func (s *WebhookSender) Send(ctx context.Context, url string, payload []byte) (int, error) {
	resp, err := s.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp, nil
	})

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err != nil {
		return status, fmt.Errorf("webhook %s: %w", url, err)
	}
	if status >= http.StatusMultipleChoices {
		return status, fmt.Errorf("webhook %s: unexpected status %d", url, status)
	}
	return status, nil
}
