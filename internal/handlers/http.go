package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"anomaly-monitor/internal/config"
	"anomaly-monitor/internal/metrics"
	"anomaly-monitor/internal/models"
	"anomaly-monitor/internal/monitor"
	"anomaly-monitor/internal/registry"
)

const maxBodySize = 1 << 20

// ResultReader чтение журнала и метаданных для API
type ResultReader interface {
	Results(ctx context.Context, id string, limit int64) ([]models.ResultRecord, error)
	Monitors(ctx context.Context) ([]models.MonitorInfo, error)
	Ping(ctx context.Context) error
	GetStats() map[string]interface{}
}

// QueueStats длина очереди уведомлений
type QueueStats interface {
	QueueLen() int
}

// Options параметры обработчика
type Options struct {
	// AccessToken если задан, требуется в параметре access_token для чтения результатов
	AccessToken    string
	RequestTimeout time.Duration
	Logger         logrus.FieldLogger
	Now            func() time.Time
}

// Handler обработчик HTTP запросов
type Handler struct {
	registry *registry.Registry
	store    ResultReader
	queue    QueueStats

	accessToken string
	timeout     time.Duration
	logger      logrus.FieldLogger
	now         func() time.Time
	startedAt   time.Time
}

// NewHandler создает новый обработчик; queue может быть nil
func NewHandler(reg *registry.Registry, store ResultReader, queue QueueStats, opts Options) *Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		registry:    reg,
		store:       store,
		queue:       queue,
		accessToken: opts.AccessToken,
		timeout:     opts.RequestTimeout,
		logger:      opts.Logger,
		now:         opts.Now,
		startedAt:   opts.Now(),
	}
}

// Router маршруты сервиса
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/", h.Usage).Methods(http.MethodGet)
	router.HandleFunc("/", h.SubmitSample).Methods(http.MethodPost)
	router.HandleFunc("/", h.RemoveEntity).Methods(http.MethodDelete)
	router.HandleFunc("/results/{id}", h.GetResults).Methods(http.MethodGet)
	router.HandleFunc("/monitors", h.GetMonitors).Methods(http.MethodGet)
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)

	// Prometheus метрики
	router.Handle("/prometheus", promhttp.Handler())

	router.Use(h.loggingMiddleware)
	router.Use(metricsMiddleware)
	return router
}

// submitRequest тело POST /. check_id принимается как синоним entity_key.
type submitRequest struct {
	EntityKey string          `json:"entity_key"`
	CheckID   string          `json:"check_id"`
	Time      *int64          `json:"time"`
	Value     *float64        `json:"value"`
	Config    json.RawMessage `json:"config"`
}

func (r submitRequest) key() string {
	if r.EntityKey != "" {
		return r.EntityKey
	}
	return r.CheckID
}

// SubmitSample обрабатывает POST /
func (h *Handler) SubmitSample(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	key := req.key()
	if key == "" {
		writeError(w, http.StatusBadRequest, "entity_key is required")
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	override, err := config.DecodeOptions(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Устанавливаем время, если не указано
	ts := h.now().Unix()
	if req.Time != nil {
		ts = *req.Time
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	verdict, err := h.registry.Submit(ctx, key, override, models.Sample{Timestamp: ts, RawValue: *req.Value}, true)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, verdict)
	case errors.Is(err, config.ErrConfigInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, monitor.ErrModelFailure):
		h.logger.WithError(err).WithField("entity_key", key).Error("Model failure, entity removed")
		writeError(w, http.StatusInternalServerError, "model failure, entity has been reset")
	default:
		h.logger.WithError(err).WithField("entity_key", key).Error("Could not process sample")
		writeError(w, http.StatusInternalServerError, "could not process sample")
	}
}

// RemoveEntity обрабатывает DELETE /
func (h *Handler) RemoveEntity(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	key := req.key()
	if key == "" {
		writeError(w, http.StatusBadRequest, "entity_key is required")
		return
	}

	removed, err := h.registry.Remove(r.Context(), key)
	if err != nil {
		// монитор уже удален из реестра, ошибка касается только очистки хранилища
		h.logger.WithError(err).WithField("entity_key", key).Warn("Stored data was not fully removed")
	}
	h.logger.WithFields(logrus.Fields{"entity_key": key, "removed": removed}).Info("Remove requested")

	writeJSON(w, http.StatusOK, map[string]string{"result": "OK"})
}

// GetResults обрабатывает GET /results/{id}?limit=N
func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	id := mux.Vars(r)["id"]
	var limit int64
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = v
	}

	results, err := h.store.Results(r.Context(), id, limit)
	metrics.ObserveStore("get_results", err)
	if err != nil {
		h.logger.WithError(err).WithField("entity_key", id).Error("Could not read results")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve results")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// GetMonitors обрабатывает GET /monitors
func (h *Handler) GetMonitors(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	monitors, err := h.store.Monitors(r.Context())
	metrics.ObserveStore("get_monitors", err)
	if err != nil {
		h.logger.WithError(err).Error("Could not list monitors")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve monitors")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"monitors": monitors})
}

// Usage обрабатывает GET / и показывает пример запроса
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<html><head><title>Anomaly monitor</title></head><body>
<p>Post samples here, for example:</p>
<pre>curl --data '{"entity_key": "api-latency", "time": %d, "value": 42}' http://%s/</pre>
<p>Remove an entity with <code>DELETE /</code> and <code>{"entity_key": "api-latency"}</code>.</p>
<p>Stored results: <code>GET /results/{id}?limit=N</code>, known monitors: <code>GET /monitors</code>.</p>
</body></html>
`, h.now().Unix(), r.Host)
}

// HealthCheck обрабатывает GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	// Проверяем Redis
	redisOK := h.store.Ping(r.Context()) == nil

	status := "healthy"
	httpStatus := http.StatusOK

	if !redisOK {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]interface{}{
		"status":    status,
		"redis":     redisOK,
		"timestamp": h.now(),
	})
}

// GetStats обрабатывает GET /stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	monitorStats := map[string]interface{}{
		"active":   h.registry.Len(),
		"entities": h.registry.Keys(),
	}
	if h.queue != nil {
		monitorStats["notification_queue"] = h.queue.QueueLen()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"monitors":  monitorStats,
		"redis":     h.store.GetStats(),
		"uptime":    h.now().Sub(h.startedAt).Round(time.Second).String(),
		"timestamp": h.now(),
	})
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.accessToken == "" {
		return true
	}
	token := r.URL.Query().Get("access_token")
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.accessToken)) == 1
}

func decodeBody(r *http.Request, out interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
