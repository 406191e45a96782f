package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"whatsapp-gateway/queue"
	"whatsapp-gateway/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_webhook_deliveries_total",
		Help: "Outbound webhook calls by event type and outcome",
	}, []string{"type", "outcome"})
	filtered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_webhook_filtered_total",
		Help: "Events dropped by the allow-list",
	}, []string{"type"})
	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_webhook_in_flight",
		Help: "Webhook calls currently in progress",
	})
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultWorkers = 64
)

// Payload is the JSON body posted to webhook endpoints
type Payload struct {
	Type        EventType `json:"type"`
	Body        any       `json:"body"`
	InstanceKey string    `json:"instanceKey"`
}

type Options struct {
	Allow   AllowList
	Timeout time.Duration
	Workers int
	Client  *http.Client
}

// Dispatcher posts filtered events to webhook endpoints. Delivery is
// at-most-once: failures are logged and dropped.
type Dispatcher struct {
	client *http.Client
	allow  AllowList
	pool   *queue.WorkerPool
	logger zerolog.Logger
}

func NewDispatcher(opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Allow == nil {
		opts.Allow = AllowList{FilterAll: {}}
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Dispatcher{
		client: client,
		allow:  opts.Allow,
		pool:   queue.NewWorkerPool(opts.Workers, inFlight),
		logger: logger.With().Str("component", "webhook").Logger(),
	}
}

// Allows reports whether the configured allow-list admits the signal.
func (d *Dispatcher) Allows(s Signal) bool {
	return d.allow.Allows(s)
}

// Dispatch queues one event for delivery and reports whether it was queued.
func (d *Dispatcher) Dispatch(target types.Webhook, s Signal, body any, instanceKey string) bool {
	if !target.Active() {
		return false
	}
	event := s.Event()
	if !d.allow.Allows(s) {
		filtered.WithLabelValues(string(event)).Inc()
		return false
	}

	data, err := json.Marshal(Payload{Type: event, Body: body, InstanceKey: instanceKey})
	if err != nil {
		deliveries.WithLabelValues(string(event), "encode_error").Inc()
		d.logger.Error().Err(err).Str("instance", instanceKey).Str("type", string(event)).Msg("Failed to encode webhook payload")
		return false
	}

	endpoint := target.Endpoint
	d.pool.Submit(func() {
		if err := d.post(endpoint, data); err != nil {
			deliveries.WithLabelValues(string(event), "failed").Inc()
			d.logger.Warn().Err(err).Str("instance", instanceKey).Str("type", string(event)).Msg("Webhook delivery failed")
			return
		}
		deliveries.WithLabelValues(string(event), "delivered").Inc()
	})
	return true
}

func (d *Dispatcher) post(endpoint string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout+time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook non-2xx: %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until every queued delivery has finished.
func (d *Dispatcher) Wait() {
	d.pool.Wait()
}
