package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryConfig политика повторов запросов к источнику
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig значения по умолчанию
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// Client HTTP клиент источников с таймаутом и повторами
type Client struct {
	http     *http.Client
	executor failsafe.Executor[*http.Response]
}

// NewClient создает клиент; httpClient может быть nil
func NewClient(httpClient *http.Client, retry RetryConfig) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
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
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil || resp == nil {
				return true
			}
			return resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests
		}).
		WithBackoff(retry.BaseDelay, retry.MaxDelay).
		WithMaxRetries(retry.MaxRetries).
		WithJitterFactor(0.1).
		Build()

	return &Client{
		http:     httpClient,
		executor: failsafe.With[*http.Response](policy),
	}
}

// request описание GET запроса
type request struct {
	baseURL  string
	path     string
	query    url.Values
	username string
	password string
	headers  map[string]string
}

// getJSON выполняет GET и декодирует JSON ответ в out.
// Любая ошибка оборачивается в ErrSourceUnavailable.
func (c *Client) getJSON(ctx context.Context, r request, out any) error {
	u, err := url.Parse(r.baseURL)
	if err != nil {
		return fmt.Errorf("%w: bad base url: %v", ErrSourceUnavailable, err)
	}
	u = u.JoinPath(r.path)
	u.RawQuery = r.query.Encode()

	var body []byte
	resp, err := c.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		if r.username != "" {
			req.SetBasicAuth(r.username, r.password)
		}
		for k, v := range r.headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", ErrSourceUnavailable, u.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %s: status %d", ErrSourceUnavailable, u.Path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: GET %s: decode: %v", ErrSourceUnavailable, u.Path, err)
	}
	return nil
}
