// Package webhook delivers lifecycle events to an HTTP callback with
// bounded retries. Delivery is at-least-once; receivers dedupe on
// (event, data.task_id).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/csdwd/claude-code-server/internal/common/config"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/events"
)

const userAgent = "claude-code-server-webhook/1.0"

// Backoff bounds between attempts.
const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 10 * time.Second
)

// Envelope is the JSON body POSTed to the callback URL.
type Envelope struct {
	Event     string                 `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Delivery is the outcome of one delivery (all attempts included).
type Delivery struct {
	Success bool   `json:"success"`
	Status  int    `json:"status,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Skipped string `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Dispatcher sends events to webhook URLs. Each Send runs in its own
// goroutine; failures are logged and never propagate to the caller.
type Dispatcher struct {
	client     *http.Client
	defaultURL string
	maxRetries int
	enabled    bool
	logger     *logger.Logger
	wg         sync.WaitGroup

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(d time.Duration)
}

// NewDispatcher creates a dispatcher from configuration.
func NewDispatcher(cfg config.WebhookConfig, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		client:     &http.Client{Timeout: cfg.TimeoutDuration()},
		defaultURL: cfg.DefaultURL,
		maxRetries: cfg.Retries,
		enabled:    cfg.Enabled,
		logger:     log.WithFields(zap.String("component", "webhook")),
		sleep:      time.Sleep,
	}
}

// Send dispatches an event asynchronously. urlOverride (usually from task
// metadata) takes precedence over the configured default URL; with neither
// present the delivery is skipped.
func (d *Dispatcher) Send(event string, data map[string]interface{}, urlOverride string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Deliver(context.Background(), event, data, urlOverride)
	}()
}

// Deliver performs a delivery synchronously and reports the outcome. Used
// directly by the test-delivery API; Send wraps it for fire-and-forget.
func (d *Dispatcher) Deliver(ctx context.Context, event string, data map[string]interface{}, urlOverride string) *Delivery {
	if !d.enabled {
		return &Delivery{Skipped: "disabled"}
	}

	url := urlOverride
	if url == "" {
		url = d.defaultURL
	}
	if url == "" {
		d.logger.Debug("webhook delivery skipped", zap.String("event", event))
		return &Delivery{Skipped: "no_url"}
	}

	body, err := json.Marshal(Envelope{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return &Delivery{Error: fmt.Sprintf("failed to marshal event: %v", err)}
	}

	var lastErr string
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		if attempt > 1 {
			d.sleep(backoff(attempt))
		}

		status, err := d.post(ctx, url, body)
		if err == nil && status >= 200 && status < 300 {
			d.logger.Debug("webhook delivered",
				zap.String("event", event),
				zap.Int("status", status),
				zap.Int("attempt", attempt))
			return &Delivery{Success: true, Status: status, Attempt: attempt}
		}

		if err != nil {
			lastErr = err.Error()
		} else {
			lastErr = fmt.Sprintf("unexpected status %d", status)
		}
		d.logger.Warn("webhook attempt failed",
			zap.String("event", event),
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.String("error", lastErr))
	}

	d.logger.Error("webhook delivery failed",
		zap.String("event", event),
		zap.String("url", url),
		zap.Int("attempts", d.maxRetries),
		zap.String("last_error", lastErr))
	return &Delivery{Success: false, Attempt: d.maxRetries, Error: lastErr}
}

// recognizedSubjects are the lifecycle events forwarded to webhooks.
// Submitted/started events stay on the bus for in-process observers only.
var recognizedSubjects = []string{
	events.SubjectTaskCompleted,
	events.SubjectTaskFailed,
	events.SubjectTaskTimeout,
	events.SubjectTaskError,
	events.SubjectTaskCancelled,
	events.SubjectSessionCreated,
	events.SubjectSessionDeleted,
}

// SubscribeBus attaches the dispatcher to the recognized lifecycle events on
// the bus. The per-task URL override travels in the event data as webhook_url.
func (d *Dispatcher) SubscribeBus(bus events.EventBus) error {
	handler := func(ctx context.Context, event *events.Event) error {
		override := ""
		if v, ok := event.Data["webhook_url"].(string); ok {
			override = v
		}
		d.Send(event.Type, event.Data, override)
		return nil
	}
	for _, subject := range recognizedSubjects {
		if _, err := bus.Subscribe(subject, handler); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until in-flight deliveries finish. Used during shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// backoff returns the sleep before the given attempt:
// min(1s * 2^(attempt-2), 10s) counting from the second attempt.
func backoff(attempt int) time.Duration {
	d := baseBackoff << (attempt - 2)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
