package streams

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anomaly-monitor/internal/models"
)

func testClient() *Client {
	return NewClient(nil, RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
}

func pingdomServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/checks", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"checks":[{"id":101,"name":"Homepage"},{"id":202,"name":"API"}]}`)
	})
	mux.HandleFunc("/results/101", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ops" || pass != "secret" || r.Header.Get("App-Key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		if offset > 0 {
			fmt.Fprint(w, `{"results":[]}`)
			return
		}
		// от новых к старым; у последней проверки нет времени ответа
		all := `{"time":1300,"status":"down"},{"time":1200,"status":"up","responsetime":250},{"time":1100,"status":"up","responsetime":180}`
		if limit == 5 {
			fmt.Fprintf(w, `{"results":[%s]}`, all)
			return
		}
		fmt.Fprintf(w, `{"results":[%s,{"time":1000,"status":"up","responsetime":200}]}`, all)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newPingdom(t *testing.T, baseURL string) Provider {
	t.Helper()
	p, err := NewProvider("pingdom", Credentials{
		"username": "ops",
		"password": "secret",
		"appkey":   "key",
		"base_url": baseURL,
	}, testClient())
	require.NoError(t, err)
	return p
}

func TestPingdom_AvailableStreams(t *testing.T) {
	srv := pingdomServer(t)
	p := newPingdom(t, srv.URL)

	streams, err := p.AvailableStreams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.StreamInfo{{ID: "101", Name: "Homepage"}, {ID: "202", Name: "API"}}, streams)
}

func TestPingdom_HistoricAndNewData(t *testing.T) {
	srv := pingdomServer(t)
	p := newPingdom(t, srv.URL)

	src, err := p.NewSource(models.StreamInfo{ID: "101", Name: "Homepage"})
	require.NoError(t, err)
	assert.Equal(t, "Homepage", src.Name())
	assert.Equal(t, "Response time", src.ValueLabel())
	assert.Equal(t, "ms", src.ValueUnit())

	history, err := src.HistoricData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.Sample{
		{Timestamp: 1000, RawValue: 200},
		{Timestamp: 1100, RawValue: 180},
		{Timestamp: 1200, RawValue: 250},
		{Timestamp: 1300, RawValue: 30000},
	}, history)

	fresh, err := src.NewData(context.Background())
	require.NoError(t, err)
	require.Len(t, fresh, 3)
	assert.Equal(t, int64(1100), fresh[0].Timestamp)
	assert.Equal(t, 30000.0, fresh[2].RawValue)
}

func TestPingdom_HistoryDepth(t *testing.T) {
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		// от новых к старым
		fmt.Fprint(w, `{"results":[`)
		for i := 0; i < limit; i++ {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"time":%d,"status":"up","responsetime":100}`, 1_000_000-(offset+i)*60)
		}
		fmt.Fprint(w, `]}`)
	}))
	defer srv.Close()

	src, err := newPingdom(t, srv.URL).NewSource(models.StreamInfo{ID: "101"})
	require.NoError(t, err)

	history, err := src.HistoricData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(6), pages.Load())
	require.Len(t, history, 6000)
	for i := 1; i < len(history); i++ {
		require.Less(t, history[i-1].Timestamp, history[i].Timestamp)
	}

	p, err := NewPingdomProvider(Credentials{"username": "ops", "password": "secret", "appkey": "key", "base_url": srv.URL, "history_pages": "2"}, testClient())
	require.NoError(t, err)
	src, err = p.NewSource(models.StreamInfo{ID: "101"})
	require.NoError(t, err)
	pages.Store(0)
	history, err = src.HistoricData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), pages.Load())
	assert.Len(t, history, 2000)
}

func TestPingdom_Unauthorized(t *testing.T) {
	srv := pingdomServer(t)
	p, err := NewPingdomProvider(Credentials{"username": "ops", "password": "wrong", "appkey": "key", "base_url": srv.URL}, testClient())
	require.NoError(t, err)

	src, err := p.NewSource(models.StreamInfo{ID: "101"})
	require.NoError(t, err)
	assert.Equal(t, "101", src.Name())

	_, err = src.NewData(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestPingdom_RequiresCredentials(t *testing.T) {
	_, err := NewPingdomProvider(Credentials{"username": "ops"}, testClient())
	assert.Error(t, err)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"checks":[]}`)
	}))
	defer srv.Close()

	p := newPingdom(t, srv.URL)
	streams, err := p.AvailableStreams(context.Background())
	require.NoError(t, err)
	assert.Empty(t, streams)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	}))
	defer srv.Close()

	_, err := newPingdom(t, srv.URL).AvailableStreams(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestNewProvider_UnknownKind(t *testing.T) {
	_, err := NewProvider("nagios", Credentials{}, nil)
	assert.ErrorIs(t, err, ErrUnknownStream)
	assert.Equal(t, []string{"librato", "pingdom"}, Kinds())
}
