// Package alert provides operator alerting for the sync service
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Njuhobby/0xElite/pkg/logger"
)

// Severity represents alert severity levels
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert represents an alert message
type Alert struct {
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Severity    Severity          `json:"severity"`
	Source      string            `json:"source"`      // Service name
	Environment string            `json:"environment"` // dev/staging/prod
	Tags        map[string]string `json:"tags,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Alerter is the interface for sending alerts
type Alerter interface {
	// Send sends an alert
	Send(ctx context.Context, alert *Alert) error

	// SendAsync sends an alert asynchronously
	SendAsync(ctx context.Context, alert *Alert)

	// Close flushes pending async alerts
	Close()
}

// Config holds alerter configuration
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Environment string `yaml:"environment"`
	ServiceName string `yaml:"service_name"`

	// Webhook configuration
	WebhookURL     string `yaml:"webhook_url"`
	WebhookType    string `yaml:"webhook_type"` // slack, generic
	WebhookTimeout int    `yaml:"webhook_timeout"`

	// Rate limiting
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// webhookAlerter implements Alerter using webhooks
type webhookAlerter struct {
	cfg     *Config
	client  *http.Client
	limiter *rate.Limiter

	asyncAlertCh chan *Alert
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewAlerter creates a new alerter based on configuration
func NewAlerter(cfg *Config) Alerter {
	if cfg == nil || !cfg.Enabled || cfg.WebhookURL == "" {
		return NewLogAlerter()
	}

	timeout := 10 * time.Second
	if cfg.WebhookTimeout > 0 {
		timeout = time.Duration(cfg.WebhookTimeout) * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimitPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimitPerMinute)), cfg.RateLimitPerMinute)
	}

	a := &webhookAlerter{
		cfg:          cfg,
		client:       &http.Client{Timeout: timeout},
		limiter:      limiter,
		asyncAlertCh: make(chan *Alert, 100),
		stopCh:       make(chan struct{}),
	}

	a.wg.Add(1)
	go a.asyncWorker()

	return a
}

// Send sends an alert synchronously
func (a *webhookAlerter) Send(ctx context.Context, alert *Alert) error {
	a.stamp(alert)
	if !a.limiter.Allow() {
		logger.Warn("alert rate limited",
			zap.String("title", alert.Title),
			zap.String("severity", string(alert.Severity)))
		return nil
	}
	return a.sendWebhook(ctx, alert)
}

// SendAsync sends an alert asynchronously
func (a *webhookAlerter) SendAsync(ctx context.Context, alert *Alert) {
	a.stamp(alert)
	select {
	case a.asyncAlertCh <- alert:
	default:
		logger.Warn("alert channel full, dropping alert",
			zap.String("title", alert.Title))
	}
}

func (a *webhookAlerter) stamp(alert *Alert) {
	alert.Source = a.cfg.ServiceName
	alert.Environment = a.cfg.Environment
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
}

func (a *webhookAlerter) asyncWorker() {
	defer a.wg.Done()

	for {
		select {
		case <-a.stopCh:
			return
		case alert := <-a.asyncAlertCh:
			if !a.limiter.Allow() {
				logger.Warn("alert rate limited", zap.String("title", alert.Title))
				continue
			}
			if err := a.sendWebhook(context.Background(), alert); err != nil {
				logger.Error("async alert send failed",
					zap.String("title", alert.Title),
					zap.Error(err))
			}
		}
	}
}

func (a *webhookAlerter) sendWebhook(ctx context.Context, alert *Alert) error {
	var payload []byte
	var err error

	switch a.cfg.WebhookType {
	case "slack":
		payload, err = formatSlack(alert)
	default:
		payload, err = json.Marshal(alert)
	}
	if err != nil {
		return fmt.Errorf("format alert failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func formatSlack(alert *Alert) ([]byte, error) {
	color := "#36a64f"
	switch alert.Severity {
	case SeverityWarning:
		color = "#ffc107"
	case SeverityCritical:
		color = "#dc3545"
	}

	fields := []map[string]interface{}{
		{"title": "Environment", "value": alert.Environment, "short": true},
		{"title": "Service", "value": alert.Source, "short": true},
	}
	for k, v := range alert.Tags {
		fields = append(fields, map[string]interface{}{"title": k, "value": v, "short": true})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":  color,
				"title":  alert.Title,
				"text":   alert.Message,
				"fields": fields,
				"footer": "0xElite Alert System",
				"ts":     alert.Timestamp.Unix(),
			},
		},
	}
	return json.Marshal(payload)
}

// Close stops the alerter gracefully
func (a *webhookAlerter) Close() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	a.wg.Wait()
}

// logAlerter writes alerts to the log when no webhook is configured
type logAlerter struct{}

// NewLogAlerter returns an Alerter that only logs
func NewLogAlerter() Alerter {
	return logAlerter{}
}

func (logAlerter) Send(_ context.Context, alert *Alert) error {
	logger.Error("operator alert",
		zap.String("title", alert.Title),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message),
		zap.Any("tags", alert.Tags))
	return nil
}

func (l logAlerter) SendAsync(ctx context.Context, alert *Alert) {
	_ = l.Send(ctx, alert)
}

func (logAlerter) Close() {}
