package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ErrCircuitOpen is returned while the webhook endpoint is considered down.
var ErrCircuitOpen = errors.New("settlement: circuit breaker open")

// StatusError is a non-2xx webhook response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("settlement webhook returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// WebhookNotifier POSTs settlements as JSON to a billing endpoint.
// The settlement ID is sent as the Idempotency-Key header so receivers can
// drop replays from the outbox.
type WebhookNotifier struct {
	url     string
	token   string
	client  *http.Client
	policy  BackoffPolicy
	breaker *circuitBreaker
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookNotifier) { w.client = c }
}

// WithBearerToken sets the Authorization header.
func WithBearerToken(token string) WebhookOption {
	return func(w *WebhookNotifier) { w.token = token }
}

// WithBackoff overrides the retry policy.
func WithBackoff(p BackoffPolicy) WebhookOption {
	return func(w *WebhookNotifier) { w.policy = p }
}

// WithWebhookLogger sets the logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *WebhookNotifier) { w.logger = l }
}

// NewWebhookNotifier creates a notifier for url.
func NewWebhookNotifier(url string, opts ...WebhookOption) *WebhookNotifier {
	w := &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: 30 * time.Second},
		policy:  DefaultBackoffPolicy(),
		breaker: newCircuitBreaker(5, 30*time.Second),
		logger:  slog.Default(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "settlement")
	return w
}

// Settle delivers s, retrying network errors and retryable statuses with
// exponential backoff.
func (w *WebhookNotifier) Settle(ctx context.Context, s Settlement) error {
	if err := s.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("settlement: marshal: %w", err)
	}
	if !w.breaker.allow() {
		return ErrCircuitOpen
	}

	attempts := max(1, w.policy.MaxAttempts)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := w.sleep(ctx, w.policy.Delay(s.ID, attempt-1)); err != nil {
				return err
			}
		}

		lastErr = w.post(ctx, s.ID, body)
		if lastErr == nil {
			w.breaker.success()
			return nil
		}

		var se *StatusError
		if errors.As(lastErr, &se) && !se.Retryable() {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.WarnContext(ctx, "settlement delivery failed",
			"settlement_id", s.ID,
			"attempt", attempt+1,
			"error", lastErr,
		)
	}

	w.breaker.failure()
	return fmt.Errorf("settlement %s: %w", s.ID, lastErr)
}

func (w *WebhookNotifier) post(ctx context.Context, id string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", id)
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// circuitBreaker opens after threshold consecutive failed deliveries and
// lets one probe through after resetTimeout.
type circuitBreaker struct {
	mu           sync.Mutex
	failures     int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	open         bool
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetTimeout: resetTimeout}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.open && time.Since(cb.lastFailure) <= cb.resetTimeout {
		return false
	}
	return true
}

func (cb *circuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.open = false
}

func (cb *circuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= cb.threshold {
		cb.open = true
	}
}
