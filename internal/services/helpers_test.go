package services

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"archflow/backend/internal/health"
	"archflow/backend/internal/logging"
	"archflow/backend/internal/observability"
	"archflow/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func testMetrics() *observability.Instruments {
	return observability.NewInstrumentsFrom(noop.NewMeterProvider())
}

func testDeps() Deps {
	return Deps{Logger: logging.Nop(), Metrics: testMetrics()}
}

func fastTransport() TransportOptions {
	return TransportOptions{
		Timeout:         300 * time.Millisecond,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

// testRegistry registers every named dependency with an always-healthy probe.
func testRegistry(names ...string) *health.Registry {
	r := health.NewRegistry(okProber{}, health.Options{FailureCooldown: time.Minute}, logging.Nop(), testMetrics())
	for _, n := range names {
		r.Register(models.ServiceEndpoint{Name: n, BaseURL: "http://" + n})
	}
	return r
}

type okProber struct{}

func (okProber) Probe(context.Context, models.ServiceEndpoint) error { return nil }

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// hang blocks until the client gives up.
func hang(w http.ResponseWriter, r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-time.After(5 * time.Second):
	}
}

// recorder captures request bodies and headers seen by a fake dependency.
type recorder struct {
	mu      sync.Mutex
	bodies  []map[string]any
	headers []http.Header
}

func (rec *recorder) capture(t *testing.T, r *http.Request) {
	t.Helper()
	var body map[string]any
	if r.Body != nil && r.ContentLength != 0 {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}
	rec.mu.Lock()
	rec.bodies = append(rec.bodies, body)
	rec.headers = append(rec.headers, r.Header.Clone())
	rec.mu.Unlock()
}

func (rec *recorder) count() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.bodies)
}

func (rec *recorder) body(i int) map[string]any {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.bodies[i]
}

func (rec *recorder) header(i int) http.Header {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.headers[i]
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
