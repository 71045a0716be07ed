package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"archflow/backend/internal/errs"
	"archflow/backend/internal/health"
	"archflow/backend/internal/logging"
	"archflow/backend/internal/observability"
	"archflow/backend/pkg/models"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 64 << 20

// errLimiterAborted marks a call that never left the process because the
// rate limiter wait was cut short.
var errLimiterAborted = errors.New("rate limiter wait aborted")

// TransportOptions configure timeouts, retry and rate limiting for one
// dependency. Retries use exponential backoff and resend the identical body.
type TransportOptions struct {
	Timeout         time.Duration
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RPS             float64
	Burst           int
}

func (o *TransportOptions) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 200 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 2 * time.Second
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
}

// Deps bundles the shared collaborators every client needs.
type Deps struct {
	Registry *health.Registry
	Logger   *logging.Logger
	Metrics  *observability.Instruments
	HTTP     *http.Client
}

type response struct {
	Body        []byte
	ContentType string
	StatusCode  int
}

// transport performs JSON calls against one dependency and normalizes every
// failure into the errs taxonomy tagged with the dependency name.
type transport struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	opts    TransportOptions
	deps    Deps
}

func newTransport(name, baseURL string, opts TransportOptions, deps Deps) *transport {
	opts.setDefaults()
	client := deps.HTTP
	if client == nil {
		client = &http.Client{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewInstruments()
	}
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	return &transport{
		name:    name,
		baseURL: baseURL,
		client:  client,
		limiter: rate.NewLimiter(limit, opts.Burst),
		opts:    opts,
		deps:    deps,
	}
}

func (t *transport) shouldUseLive() bool {
	if t.deps.Registry == nil {
		return true
	}
	return t.deps.Registry.ShouldUseLive(t.name)
}

func (t *transport) checkHealth(ctx context.Context) models.ServiceStatus {
	if t.deps.Registry == nil {
		return models.StatusUnknown
	}
	return t.deps.Registry.CheckHealth(ctx, t.name)
}

// idempotencyKey is stable for identical payloads.
func idempotencyKey(method, path string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(method + " " + path + "\n"))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// call describes one logical request. out, when set, receives the decoded
// JSON body; validate then checks the decoded value against the schema the
// caller expects.
type call struct {
	method        string
	path          string
	correlationID string
	body          any
	out           any
	validate      func() error
}

// do sends the request, retrying transient failures. Decode and validation
// failures are permanent and classified as DataIntegrity.
func (t *transport) do(ctx context.Context, c call) (*response, error) {
	var payload []byte
	if c.body != nil {
		b, err := json.Marshal(c.body)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, t.name, fmt.Errorf("failed to marshal request body: %w", err))
		}
		payload = b
	}
	key := idempotencyKey(c.method, c.path, payload)

	start := time.Now()
	attempts := 0
	var resp *response

	operation := func() error {
		attempts++
		r, err := t.attempt(ctx, c.method, c.path, c.correlationID, key, payload)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errLimiterAborted) || !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = t.opts.InitialInterval
	exp.MaxInterval = t.opts.MaxInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(t.opts.MaxAttempts-1)), ctx)

	err := backoff.Retry(operation, policy)
	var tagged *errs.Error
	if err != nil && !errors.As(err, &tagged) {
		// context cancellation surfaced by backoff itself
		err = errs.Wrap(errs.DependencyUnavailable, t.name, err)
	}
	if err == nil && c.out != nil {
		if decodeErr := json.Unmarshal(resp.Body, c.out); decodeErr != nil {
			err = errs.Wrap(errs.DataIntegrity, t.name, fmt.Errorf("failed to decode response body: %w", decodeErr))
		} else if c.validate != nil {
			if vErr := c.validate(); vErr != nil {
				err = &errs.Error{Kind: errs.DataIntegrity, Dependency: t.name, Detail: vErr.Error()}
			}
		}
	}
	// A caller that gave up or a local limiter abort says nothing about
	// the dependency, so the registry is left alone.
	cancelled := err != nil && (ctx.Err() != nil || errors.Is(err, errLimiterAborted))
	t.report(ctx, err, cancelled, c.correlationID, attempts, time.Since(start))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *transport) attempt(ctx context.Context, method, path, correlationID, key string, payload []byte) (*response, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	if err := t.limiter.Wait(callCtx); err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, t.name, fmt.Errorf("%w: %v", errLimiterAborted, err))
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(callCtx, method, t.baseURL+path, reader)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, t.name, fmt.Errorf("failed to create request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}

	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, t.name, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, t.name, fmt.Errorf("failed to read response body: %w", err))
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &errs.Error{
			Kind:       errs.DependencyRejected,
			Dependency: t.name,
			Detail:     fmt.Sprintf("status code %d: %s", httpResp.StatusCode, truncate(string(data), 200)),
			Err:        statusError(httpResp.StatusCode),
		}
	}
	return &response{Body: data, ContentType: httpResp.Header.Get("Content-Type"), StatusCode: httpResp.StatusCode}, nil
}

// statusError carries the HTTP status so retry decisions can inspect it.
type statusError int

func (s statusError) Error() string { return fmt.Sprintf("http %d", int(s)) }

// retryable reports whether another attempt could succeed: connection
// failures, timeouts, 5xx and 429.
func retryable(err error) bool {
	switch errs.KindOf(err) {
	case errs.DependencyUnavailable:
		return true
	case errs.DependencyRejected:
		var code statusError
		if errors.As(err, &code) {
			return int(code) >= 500 || int(code) == http.StatusTooManyRequests
		}
	}
	return false
}

func (t *transport) report(ctx context.Context, err error, cancelled bool, correlationID string, attempts int, elapsed time.Duration) {
	if t.deps.Registry != nil && !cancelled {
		t.deps.Registry.ReportOutcome(t.name, err)
	}
	outcome := "ok"
	switch {
	case cancelled:
		outcome = "cancelled"
	case err != nil:
		outcome = string(errs.KindOf(err))
	}
	// The caller's context may already be done; metrics use a detached one.
	t.deps.Metrics.RecordCall(context.WithoutCancel(ctx), t.name, outcome)
	if cancelled {
		t.deps.Logger.Warn("dependency call abandoned by caller",
			"dependency", t.name,
			"elapsed_ms", elapsed.Milliseconds(),
			"attempts", attempts,
			"correlation_id", correlationID,
			"error", err,
		)
		return
	}
	if err != nil {
		t.deps.Logger.Error("dependency call failed",
			"dependency", t.name,
			"kind", errs.KindOf(err),
			"elapsed_ms", elapsed.Milliseconds(),
			"attempts", attempts,
			"correlation_id", correlationID,
			"error", err,
		)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
