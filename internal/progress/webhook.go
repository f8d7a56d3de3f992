package progress

import (
	"context"
	"errors"
	"fastsdk/internal/async"
	"fastsdk/internal/config"
	"fastsdk/pkg/backoff"
	"fastsdk/pkg/circuitbreaker"
	"fastsdk/pkg/cloudevent"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"
)

// Delivery defaults.
const (
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	deliveryTimeout         = 30 * time.Second
)

// WebhookConfig holds configuration for the webhook sink.
type WebhookConfig struct {
	URL         string
	SigningKey  string
	Events      []string      // event types to send; empty sends all
	Source      string        // CloudEvent source (default: fastsdk/orchestrator)
	Workers     int           // concurrent deliveries (default: 4)
	BufferSize  int           // pending deliveries (default: 10000)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
}

// LoadWebhookConfigFromEnv loads webhook configuration from environment variables.
// An empty URL disables the sink.
func LoadWebhookConfigFromEnv() WebhookConfig {
	cfg := WebhookConfig{
		URL:         config.GetEnv("PROGRESS_WEBHOOK_URL", ""),
		SigningKey:  config.GetSecretFile(config.GetEnv("PROGRESS_WEBHOOK_KEY_FILE", "")),
		Workers:     config.GetIntEnv("PROGRESS_WEBHOOK_WORKERS", 4),
		BufferSize:  config.GetIntEnv("PROGRESS_WEBHOOK_BUFFER_SIZE", 10000),
		HTTPTimeout: config.GetDurationEnv("PROGRESS_WEBHOOK_TIMEOUT", 10*time.Second),
		Events:      config.GetListEnv("PROGRESS_WEBHOOK_EVENTS"),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.Source == "" {
		c.Source = "fastsdk/orchestrator"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}

// WebhookMetrics is an optional interface for recording delivery metrics.
type WebhookMetrics interface {
	RecordWebhookDelivered(ctx context.Context, durationSeconds float64)
	RecordWebhookFailed(ctx context.Context)
	RecordWebhookDropped(ctx context.Context)
}

// WebhookStats holds delivery counters.
type WebhookStats struct {
	Delivered   int64  `json:"delivered"`
	Failed      int64  `json:"failed"`
	Dropped     int64  `json:"dropped"`
	BreakerOpen bool   `json:"breakerOpen"`
	Destination string `json:"destination"`
}

// WebhookSink posts updates as signed CloudEvents to a single endpoint.
// Deliveries run on a dedicated async manager so Report never blocks.
type WebhookSink struct {
	config   WebhookConfig
	host     string
	builder  *EventBuilder
	sender   *cloudevent.Sender
	breaker  *circuitbreaker.Breaker
	delivery *async.Manager
	logger   *slog.Logger
	metrics  WebhookMetrics

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewWebhookSink creates a webhook sink. cfg.URL is required.
func NewWebhookSink(cfg WebhookConfig, metrics WebhookMetrics) (*WebhookSink, error) {
	cfg = cfg.withDefaults()
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid webhook URL %q", cfg.URL)
	}

	s := &WebhookSink{
		config:   cfg,
		host:     parsed.Host,
		builder:  NewEventBuilder(cfg.Source),
		sender:   cloudevent.NewSender(cfg.URL, cfg.SigningKey, cfg.HTTPTimeout),
		delivery: async.NewManager(async.Config{Workers: cfg.Workers, QueueSize: cfg.BufferSize}, nil),
		logger:   slog.With("component", "webhook", "destination", parsed.Host),
		metrics:  metrics,
	}
	s.breaker = circuitbreaker.NewNamed(parsed.Host, circuitbreaker.Config{
		Threshold: defaultBreakerThreshold,
		Cooldown:  defaultBreakerCooldown,
		OnStateChange: func(_ string, _, to circuitbreaker.State) {
			s.logger.Warn("Webhook destination breaker changed state", "state", to.String())
		},
	})
	return s, nil
}

// Report implements Sink.
func (s *WebhookSink) Report(ctx context.Context, u Update) {
	eventType := EventType(u)
	if !FilteredEvents(eventType, s.config.Events) {
		return
	}

	event := s.builder.Build(u)
	_, err := s.delivery.Submit(func(ctx context.Context) (any, error) {
		s.deliver(event)
		return nil, nil
	})
	if err != nil {
		s.dropped.Add(1)
		if s.metrics != nil {
			s.metrics.RecordWebhookDropped(ctx)
		}
		s.logger.Warn("Event dropped", "type", eventType, "jobId", u.JobID, "error", err)
	}
}

// Stats returns delivery statistics.
func (s *WebhookSink) Stats() WebhookStats {
	return WebhookStats{
		Delivered:   s.delivered.Load(),
		Failed:      s.failed.Load(),
		Dropped:     s.dropped.Load(),
		BreakerOpen: s.breaker.State() == circuitbreaker.Open,
		Destination: s.host,
	}
}

// Close flushes pending deliveries.
func (s *WebhookSink) Close(ctx context.Context) error {
	return s.delivery.Close(ctx)
}

// deliver runs detached from the submitting job: a delivery in flight is
// finished even while the sink shuts down.
func (s *WebhookSink) deliver(event *cloudevent.CloudEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	start := time.Now()
	err := s.breaker.Do(func() error {
		return s.sendWithRetry(ctx, event)
	}, func(err error) bool {
		return !cloudevent.Permanent(err)
	})
	if err != nil {
		s.failed.Add(1)
		if s.metrics != nil {
			s.metrics.RecordWebhookFailed(ctx)
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			s.logger.Debug("Delivery skipped, circuit open", "type", event.Type)
			return
		}
		s.logger.Warn("Delivery failed", "type", event.Type, "error", err)
		return
	}

	s.delivered.Add(1)
	if s.metrics != nil {
		s.metrics.RecordWebhookDelivered(ctx, time.Since(start).Seconds())
	}
}

func (s *WebhookSink) sendWithRetry(ctx context.Context, event *cloudevent.CloudEvent) error {
	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			if err := backoff.Wait(ctx, backoff.Exponential(attempt, nil)); err != nil {
				return err
			}
		}

		lastErr = s.sender.Send(ctx, event)
		if lastErr == nil {
			return nil
		}
		if cloudevent.Permanent(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

var _ Sink = (*WebhookSink)(nil)
