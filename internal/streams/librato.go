package streams

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"anomaly-monitor/internal/models"
)

const (
	defaultLibratoURL   = "https://metrics-api.librato.com/v1"
	libratoResolution   = 60
	libratoPageSize     = 100
	libratoPollSize     = 5
	libratoHistorySpan  = 3 * 24 * time.Hour
	libratoDefaultUnits = "u"
)

// LibratoProvider метрика Librato, потоки соответствуют ее источникам (source)
type LibratoProvider struct {
	client   *Client
	baseURL  string
	username string
	token    string
	metric   string
	now      func() time.Time
}

// NewLibratoProvider ожидает username, token и metric; base_url необязателен
func NewLibratoProvider(creds Credentials, client *Client) (*LibratoProvider, error) {
	p := &LibratoProvider{
		client:  client,
		baseURL: defaultLibratoURL,
		now:     time.Now,
	}
	var err error
	if p.username, err = creds.Require("username"); err != nil {
		return nil, err
	}
	if p.token, err = creds.Require("token"); err != nil {
		return nil, err
	}
	if p.metric, err = creds.Require("metric"); err != nil {
		return nil, err
	}
	if v := creds["base_url"]; v != "" {
		p.baseURL = v
	}
	return p, nil
}

type libratoMeasurement struct {
	MeasureTime int64   `json:"measure_time"`
	Value       float64 `json:"value"`
}

type libratoMetric struct {
	Measurements map[string][]libratoMeasurement `json:"measurements"`
	Attributes   struct {
		DisplayUnitsShort string `json:"display_units_short"`
	} `json:"attributes"`
}

func (p *LibratoProvider) get(ctx context.Context, query url.Values) (libratoMetric, error) {
	var resp libratoMetric
	err := p.client.getJSON(ctx, request{
		baseURL:  p.baseURL,
		path:     "metrics/" + p.metric,
		query:    query,
		username: p.username,
		password: p.token,
	}, &resp)
	return resp, err
}

// AvailableStreams источники, по которым есть измерения метрики
func (p *LibratoProvider) AvailableStreams(ctx context.Context) ([]models.StreamInfo, error) {
	query := url.Values{}
	query.Set("count", strconv.Itoa(libratoPageSize))
	query.Set("resolution", "1")

	resp, err := p.get(ctx, query)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Measurements))
	for id := range resp.Measurements {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]models.StreamInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.StreamInfo{ID: id, Name: id})
	}
	return out, nil
}

// NewSource поток одного источника метрики
func (p *LibratoProvider) NewSource(info models.StreamInfo) (Source, error) {
	name := info.Name
	if name == "" {
		name = info.ID
	}
	return &LibratoSource{provider: p, id: info.ID, name: name, unit: libratoDefaultUnits}, nil
}

// LibratoSource измерения метрики от одного источника
type LibratoSource struct {
	provider *LibratoProvider
	id       string
	name     string

	mu   sync.Mutex
	unit string
}

func (s *LibratoSource) ID() string         { return s.id }
func (s *LibratoSource) Name() string       { return s.name }
func (s *LibratoSource) ValueLabel() string { return s.provider.metric }

// ValueUnit единицы из атрибутов метрики, известны после первого запроса
func (s *LibratoSource) ValueUnit() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unit
}

// HistoricData последние трое суток с шагом в минуту, страницами по 100 точек
func (s *LibratoSource) HistoricData(ctx context.Context) ([]models.Sample, error) {
	now := s.provider.now().Unix()
	start := now - int64(libratoHistorySpan/time.Second)

	var (
		out  []models.Sample
		last int64
	)
	for start < now {
		query := s.query(libratoPageSize)
		query.Set("start_time", strconv.FormatInt(start, 10))

		batch, err := s.fetch(ctx, query)
		if err != nil {
			return nil, err
		}
		for _, sample := range batch {
			if sample.Timestamp > last {
				out = append(out, sample)
				last = sample.Timestamp
			}
		}
		start += libratoPageSize * libratoResolution
	}
	return out, nil
}

// NewData последние пять измерений
func (s *LibratoSource) NewData(ctx context.Context) ([]models.Sample, error) {
	return s.fetch(ctx, s.query(libratoPollSize))
}

func (s *LibratoSource) query(count int) url.Values {
	query := url.Values{}
	query.Set("count", strconv.Itoa(count))
	query.Set("resolution", strconv.Itoa(libratoResolution))
	query.Set("source", s.id)
	return query
}

func (s *LibratoSource) fetch(ctx context.Context, query url.Values) ([]models.Sample, error) {
	resp, err := s.provider.get(ctx, query)
	if err != nil {
		return nil, err
	}
	if unit := resp.Attributes.DisplayUnitsShort; unit != "" {
		s.mu.Lock()
		s.unit = unit
		s.mu.Unlock()
	}

	measurements := resp.Measurements[s.id]
	samples := make([]models.Sample, 0, len(measurements))
	for _, m := range measurements {
		samples = append(samples, models.Sample{Timestamp: m.MeasureTime, RawValue: m.Value})
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Timestamp < samples[j].Timestamp })
	return samples, nil
}
