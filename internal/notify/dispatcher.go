package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"anomaly-monitor/internal/metrics"
	"anomaly-monitor/internal/models"
)

var (
	// ErrQueueFull очередь уведомлений переполнена, уведомление отброшено
	ErrQueueFull = errors.New("notification queue is full")
	// ErrDispatcherStopped диспетчер уже остановлен
	ErrDispatcherStopped = errors.New("notification dispatcher is stopped")
)

type job struct {
	url    string
	report models.Report
}

// Dispatcher асинхронно доставляет отчеты пулом воркеров.
// Notify не блокируется: при полной очереди отчет отбрасывается.
type Dispatcher struct {
	sender  Sender
	queue   chan job
	timeout time.Duration
	logger  logrus.FieldLogger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher создает диспетчер с очередью заданного размера
func NewDispatcher(sender Sender, queueSize int, timeout time.Duration, logger logrus.FieldLogger) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		sender:  sender,
		queue:   make(chan job, queueSize),
		timeout: timeout,
		logger:  logger,
	}
}

// Start запускает воркеры
func (d *Dispatcher) Start(workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop перестает принимать отчеты и дожидается отправки уже поставленных в очередь
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

// Notify ставит отчет в очередь
func (d *Dispatcher) Notify(_ context.Context, url string, report models.Report) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrDispatcherStopped
	}
	select {
	case d.queue <- job{url: url, report: report}:
		metrics.NotificationQueueSize.Set(float64(len(d.queue)))
		return nil
	default:
		metrics.Notifications.WithLabelValues("dropped").Inc()
		return fmt.Errorf("%w: report %s for %s", ErrQueueFull, report.ID, report.EntityKey)
	}
}

// QueueLen текущая длина очереди
func (d *Dispatcher) QueueLen() int {
	return len(d.queue)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		metrics.NotificationQueueSize.Set(float64(len(d.queue)))
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	log := d.logger.WithFields(logrus.Fields{
		"entity_key": j.report.EntityKey,
		"event":      j.report.Event,
		"report_id":  j.report.ID,
	})

	payload, err := json.Marshal(j.report)
	if err != nil {
		metrics.Notifications.WithLabelValues("error").Inc()
		log.WithError(err).Error("Could not encode notification")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	status, err := d.sender.Send(ctx, j.url, payload)
	if err != nil {
		metrics.Notifications.WithLabelValues("error").Inc()
		log.WithError(err).WithField("status", status).Warn("Notification failed")
		return
	}
	metrics.Notifications.WithLabelValues("sent").Inc()
	log.WithField("status", status).Info("Notification sent")
}
