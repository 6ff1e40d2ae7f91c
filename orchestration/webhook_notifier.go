package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/atlasops/atlas/core"
	"github.com/atlasops/atlas/resilience"
)

// WebhookNotifier delivers notifications by POSTing JSON to a configured
// endpoint. It is the reference core.Notifier; applications integrate
// their chat bot or pager by standing a receiver behind the URL.
//
// An optional retry policy rides out transient endpoint failures, and an
// optional circuit breaker stops hammering a dead endpoint. Callers
// already swallow notifier errors, so an open circuit only silences
// notifications, never task processing.
type WebhookNotifier struct {
	url            string
	httpClient     *http.Client
	retry          *resilience.RetryConfig
	circuitBreaker core.CircuitBreaker
	logger         core.Logger
}

// webhookMessage is the wire format for both Notify and Ask.
type webhookMessage struct {
	Text    string        `json:"text"`
	Buttons []core.Button `json:"buttons,omitempty"`
}

// WebhookNotifierOption configures optional dependencies.
type WebhookNotifierOption func(*WebhookNotifier)

// WithNotifierTimeout sets the HTTP client timeout.
func WithNotifierTimeout(timeout time.Duration) WebhookNotifierOption {
	return func(n *WebhookNotifier) {
		if timeout > 0 {
			n.httpClient.Timeout = timeout
		}
	}
}

// WithNotifierRetry enables retry with backoff for webhook calls.
func WithNotifierRetry(config *resilience.RetryConfig) WebhookNotifierOption {
	return func(n *WebhookNotifier) {
		n.retry = config
	}
}

// WithNotifierCircuitBreaker sets the circuit breaker for webhook calls.
func WithNotifierCircuitBreaker(cb core.CircuitBreaker) WebhookNotifierOption {
	return func(n *WebhookNotifier) {
		n.circuitBreaker = cb
	}
}

// WithNotifierLogger sets the logger.
func WithNotifierLogger(logger core.Logger) WebhookNotifierOption {
	return func(n *WebhookNotifier) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			n.logger = cal.WithComponent("orchestration/notifier")
		} else {
			n.logger = logger
		}
	}
}

// NewWebhookNotifier creates a notifier pointed at url.
func NewWebhookNotifier(url string, opts ...WebhookNotifierOption) *WebhookNotifier {
	n := &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify sends a one-way message.
func (n *WebhookNotifier) Notify(ctx context.Context, text string) error {
	return n.post(ctx, webhookMessage{Text: text})
}

// Ask sends a message with interactive buttons. Replies arrive through
// the approval callback endpoints, not through this call.
func (n *WebhookNotifier) Ask(ctx context.Context, text string, buttons []core.Button) error {
	return n.post(ctx, webhookMessage{Text: text, Buttons: buttons})
}

func (n *WebhookNotifier) post(ctx context.Context, msg webhookMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	send := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("webhook send: %w", core.ErrNotifierUnavailable)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned %d: %w", resp.StatusCode, core.ErrNotifierUnavailable)
		}
		return nil
	}

	// Retry inside the breaker so one exhausted batch counts as a single
	// failure toward the threshold.
	attempt := send
	if n.retry != nil {
		attempt = func() error {
			return resilience.Retry(ctx, n.retry, send)
		}
	}

	if n.circuitBreaker != nil {
		err = n.circuitBreaker.Execute(ctx, attempt)
	} else {
		err = attempt()
	}
	if err != nil {
		n.logger.Warn("Notification delivery failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return err
}
