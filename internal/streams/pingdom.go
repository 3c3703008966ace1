package streams

import (
	"context"
	"net/url"
	"strconv"

	"anomaly-monitor/internal/models"
)

const (
	defaultPingdomURL = "https://api.pingdom.com/api/2.0"
	// pingdomTimeoutValue время ответа для проверок без responsetime (сайт не ответил), мс
	pingdomTimeoutValue = 30000
	pingdomPageSize     = 1000
	pingdomPollSize     = 5
	// pingdomHistoryPages глубина обучения по умолчанию: 6 страниц по 1000 результатов
	pingdomHistoryPages = 6
)

// PingdomProvider проверки Pingdom; значение потока это время ответа
type PingdomProvider struct {
	client       *Client
	baseURL      string
	username     string
	password     string
	appKey       string
	historyPages int
}

// NewPingdomProvider ожидает username, password и appkey; base_url и
// history_pages необязательны
func NewPingdomProvider(creds Credentials, client *Client) (*PingdomProvider, error) {
	p := &PingdomProvider{
		client:       client,
		baseURL:      defaultPingdomURL,
		historyPages: pingdomHistoryPages,
	}
	var err error
	if p.username, err = creds.Require("username"); err != nil {
		return nil, err
	}
	if p.password, err = creds.Require("password"); err != nil {
		return nil, err
	}
	if p.appKey, err = creds.Require("appkey"); err != nil {
		return nil, err
	}
	if v := creds["base_url"]; v != "" {
		p.baseURL = v
	}
	if v, err := strconv.Atoi(creds["history_pages"]); err == nil && v > 0 {
		p.historyPages = v
	}
	return p, nil
}

func (p *PingdomProvider) request(path string, query url.Values) request {
	return request{
		baseURL:  p.baseURL,
		path:     path,
		query:    query,
		username: p.username,
		password: p.password,
		headers:  map[string]string{"App-Key": p.appKey},
	}
}

type pingdomChecks struct {
	Checks []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"checks"`
}

type pingdomResults struct {
	Results []struct {
		Time         int64    `json:"time"`
		Status       string   `json:"status"`
		ResponseTime *float64 `json:"responsetime"`
	} `json:"results"`
}

// AvailableStreams список проверок аккаунта
func (p *PingdomProvider) AvailableStreams(ctx context.Context) ([]models.StreamInfo, error) {
	var resp pingdomChecks
	if err := p.client.getJSON(ctx, p.request("checks", nil), &resp); err != nil {
		return nil, err
	}
	out := make([]models.StreamInfo, 0, len(resp.Checks))
	for _, c := range resp.Checks {
		out = append(out, models.StreamInfo{ID: strconv.FormatInt(c.ID, 10), Name: c.Name})
	}
	return out, nil
}

// NewSource поток результатов одной проверки
func (p *PingdomProvider) NewSource(info models.StreamInfo) (Source, error) {
	name := info.Name
	if name == "" {
		name = info.ID
	}
	return &PingdomSource{provider: p, id: info.ID, name: name}, nil
}

// PingdomSource результаты одной проверки Pingdom
type PingdomSource struct {
	provider *PingdomProvider
	id       string
	name     string
}

func (s *PingdomSource) ID() string         { return s.id }
func (s *PingdomSource) Name() string       { return s.name }
func (s *PingdomSource) ValueLabel() string { return "Response time" }
func (s *PingdomSource) ValueUnit() string  { return "ms" }

// HistoricData последние страницы результатов, от старых к новым
func (s *PingdomSource) HistoricData(ctx context.Context) ([]models.Sample, error) {
	var all []models.Sample
	for page := 0; page < s.provider.historyPages; page++ {
		batch, err := s.fetch(ctx, pingdomPageSize, page*pingdomPageSize)
		if err != nil {
			return nil, err
		}
		// страницы идут от новых к старым, поэтому более старая страница встает в начало
		all = append(batch, all...)
		if len(batch) < pingdomPageSize {
			break
		}
	}
	return all, nil
}

// NewData последние пять результатов, чтобы не терять точки при кратких сбоях
func (s *PingdomSource) NewData(ctx context.Context) ([]models.Sample, error) {
	return s.fetch(ctx, pingdomPollSize, 0)
}

func (s *PingdomSource) fetch(ctx context.Context, limit, offset int) ([]models.Sample, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}

	var resp pingdomResults
	if err := s.provider.client.getJSON(ctx, s.provider.request("results/"+s.id, query), &resp); err != nil {
		return nil, err
	}

	samples := make([]models.Sample, 0, len(resp.Results))
	for _, r := range resp.Results {
		value := float64(pingdomTimeoutValue)
		if r.ResponseTime != nil {
			value = *r.ResponseTime
		}
		samples = append(samples, models.Sample{Timestamp: r.Time, RawValue: value})
	}
	reverse(samples)
	return samples, nil
}
