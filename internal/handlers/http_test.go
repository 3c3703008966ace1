package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anomaly-monitor/internal/analytics"
	"anomaly-monitor/internal/cache"
	"anomaly-monitor/internal/config"
	"anomaly-monitor/internal/logging"
	"anomaly-monitor/internal/monitor"
	"anomaly-monitor/internal/registry"
)

type fixture struct {
	router http.Handler
	reg    *registry.Registry
	mr     *miniredis.Miniredis
}

type fixedQueue int

func (q fixedQueue) QueueLen() int { return int(q) }

func newFixture(t *testing.T, token string, models analytics.ModelFactory) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := cache.NewRedisStore(client)

	now := func() time.Time { return time.Unix(1_700_000_000, 0) }
	reg := registry.New(registry.Config{
		Defaults: config.DefaultOptions(),
		Deps: monitor.Deps{
			Models: models,
			Store:  store,
			Logger: logging.NewNopLogger(),
		},
		Logger: logging.NewNopLogger(),
		Now:    now,
	})

	h := NewHandler(reg, store, fixedQueue(2), Options{
		AccessToken: token,
		Logger:      logging.NewNopLogger(),
		Now:         now,
	})
	return &fixture{router: h.Router(), reg: reg, mr: mr}
}

func (f *fixture) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSubmitSample_Verdict(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodPost, "/", map[string]interface{}{"entity_key": "api", "time": 100, "value": 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, 10.0, body["current_value"])
	assert.Contains(t, body, "predicted")
	assert.Nil(t, body["predicted"], "no forecast exists for the first tick")
	assert.Contains(t, body, "likelihood")
	assert.Contains(t, body, "anomaly_score")
	assert.Equal(t, false, body["anomalous"])

	rec = f.do(t, http.MethodPost, "/", map[string]interface{}{"entity_key": "api", "time": 160, "value": 20})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 15.0, decode(t, rec)["current_value"], "moving average over the samples seen so far")
	assert.Equal(t, 1, f.reg.Len())
}

func TestSubmitSample_CheckIDAlias(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodPost, "/", map[string]interface{}{"check_id": "101", "value": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"101"}, f.reg.Keys())
}

func TestSubmitSample_BadRequests(t *testing.T) {
	f := newFixture(t, "", nil)

	tests := []struct {
		name string
		body interface{}
	}{
		{"invalid json", "{not json"},
		{"missing key", map[string]interface{}{"value": 1}},
		{"missing value", map[string]interface{}{"entity_key": "api"}},
		{"unknown config key", map[string]interface{}{"entity_key": "api", "value": 1, "config": map[string]interface{}{"nope": 1}}},
		{"invalid config value", map[string]interface{}{"entity_key": "api", "value": 1, "config": map[string]interface{}{"resolution": -1}}},
		{"unknown transform", map[string]interface{}{"entity_key": "api", "value": 1, "config": map[string]interface{}{"transform": "median"}}},
		{"oversized window", map[string]interface{}{"entity_key": "api", "value": 1, "config": map[string]interface{}{"moving_average_window": 1125899906842624}}},
		{"too many prediction steps", map[string]interface{}{"entity_key": "api", "value": 1, "config": map[string]interface{}{"model": map[string]interface{}{"prediction_steps": 1000000}}}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
	assert.Zero(t, f.reg.Len())
}

type brokenModel struct{}

func (brokenModel) EnableInference(analytics.InferenceConfig) error { return nil }
func (brokenModel) Run(analytics.ModelInput) (analytics.Inference, error) {
	return analytics.Inference{}, errors.New("boom")
}
func (brokenModel) Close() {}

func TestSubmitSample_ModelFailureResetsEntity(t *testing.T) {
	f := newFixture(t, "", func(analytics.ModelParams) (analytics.Model, error) { return brokenModel{}, nil })

	rec := f.do(t, http.MethodPost, "/", map[string]interface{}{"entity_key": "api", "value": 1})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Zero(t, f.reg.Len())
	assert.False(t, f.mr.Exists("monitor:api"))
}

func TestRemoveEntity(t *testing.T) {
	f := newFixture(t, "", nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/", map[string]interface{}{"entity_key": "api", "value": 1}).Code)
	require.True(t, f.mr.Exists("monitor:api"))

	rec := f.do(t, http.MethodDelete, "/", map[string]interface{}{"entity_key": "api"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", decode(t, rec)["result"])
	assert.Zero(t, f.reg.Len())
	assert.False(t, f.mr.Exists("monitor:api"))

	rec = f.do(t, http.MethodDelete, "/", map[string]interface{}{"entity_key": "never-seen"})
	assert.Equal(t, http.StatusOK, rec.Code, "removing an unknown entity is not an error")
}

func TestGetResultsAndMonitors(t *testing.T) {
	f := newFixture(t, "", nil)
	for i := 0; i < 20; i++ {
		body := map[string]interface{}{
			"entity_key": "api",
			"time":       1000 + i*60,
			"value":      float64(i % 4 * 10),
			"config":     map[string]interface{}{"name": "API latency", "value_unit": "ms", "transform": "scale"},
		}
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/", body).Code)
	}

	rec := f.do(t, http.MethodGet, "/results/api?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var results struct {
		Results []struct {
			Time int64 `json:"time"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results.Results, 5)
	assert.Equal(t, int64(1000+19*60), results.Results[4].Time)

	rec = f.do(t, http.MethodGet, "/results/api?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/monitors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"monitors":[{"id":"api","name":"API latency","value_label":"unknown_label","value_unit":"ms"}]}`, rec.Body.String())
}

func TestReadEndpointsRequireToken(t *testing.T) {
	f := newFixture(t, "s3cret", nil)

	for _, path := range []string{"/results/api", "/monitors"} {
		rec := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.Equal(t, "Not authorized", decode(t, rec)["error"])

		rec = f.do(t, http.MethodGet, path+"?access_token=wrong", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		rec = f.do(t, http.MethodGet, path+"?access_token=s3cret", nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	// прием данных токеном не ограничен
	rec := f.do(t, http.MethodPost, "/", map[string]interface{}{"entity_key": "api", "value": 1})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	f.mr.Close()
	rec = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestGetStats(t *testing.T) {
	f := newFixture(t, "", nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/", map[string]interface{}{"entity_key": "b", "value": 1}).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/", map[string]interface{}{"entity_key": "a", "value": 1}).Code)

	rec := f.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	monitors := decode(t, rec)["monitors"].(map[string]interface{})
	assert.Equal(t, 2.0, monitors["active"])
	assert.Equal(t, []interface{}{"a", "b"}, monitors["entities"])
	assert.Equal(t, 2.0, monitors["notification_queue"])
}

func TestUsageAndRouting(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `"time": 1700000000`)

	rec = f.do(t, http.MethodPut, "/", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = f.do(t, http.MethodGet, "/prometheus", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
