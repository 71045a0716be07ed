package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"archflow/backend/internal/errs"
	"archflow/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimizationClientLive(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.capture(t, r)
		writeJSON(w, http.StatusOK, map[string]any{
			"suggested_changes": []map[string]any{
				{"field": "height_m", "from": 18, "to": 15, "rationale": "stay under the high-rise threshold"},
			},
			"metrics": map[string]any{"cost_delta": -0.08},
		})
	}))
	defer srv.Close()

	c := NewOptimizationClient(srv.URL, fastTransport(), testDeps())
	doc := map[string]any{"height_m": 18.0, "use": "residential"}
	out := c.Call(context.Background(), OptimizationRequest{ArtifactID: "a", Jurisdiction: "Mumbai", Document: doc})

	require.Equal(t, OutcomeOK, out.Kind)
	r := out.Value
	assert.Equal(t, models.SourceLive, r.Source)
	assert.Empty(t, r.FallbackReason)
	require.Len(t, r.SuggestedChanges, 1)
	assert.InDelta(t, -0.08, r.Metrics["cost_delta"], 1e-9)
	assert.Equal(t, 15.0, r.OptimizedDocument["height_m"])
	assert.Equal(t, 18.0, doc["height_m"], "input document must not be mutated")
	assert.Equal(t, map[string]any{}, rec.body(0)["constraints"])
}

func TestOptimizationClientTimeoutFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(hang))
	defer srv.Close()

	opts := fastTransport()
	opts.Timeout = 20 * time.Millisecond
	c := NewOptimizationClient(srv.URL, opts, testDeps())
	doc := map[string]any{"height_m": 18.0, "setbacks": map[string]any{"front": 3.0}}
	out := c.Call(context.Background(), OptimizationRequest{ArtifactID: "a", Document: doc})

	require.Equal(t, OutcomeFallback, out.Kind)
	r := out.Value
	assert.Equal(t, models.SourceFallback, r.Source)
	assert.Equal(t, doc, r.OptimizedDocument)
	assert.Empty(t, r.SuggestedChanges)
	assert.Empty(t, r.Metrics)
	assert.NotEmpty(t, r.FallbackReason)
	assert.Equal(t, out.Reason, r.FallbackReason)
	assert.Equal(t, errs.DependencyUnavailable, errs.KindOf(out.Err))
}

func TestOptimizationClientMalformedResponseFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"unexpected": true})
	}))
	defer srv.Close()

	out := NewOptimizationClient(srv.URL, fastTransport(), testDeps()).
		Call(context.Background(), OptimizationRequest{ArtifactID: "a", Document: map[string]any{"x": 1.0}})
	require.Equal(t, OutcomeFallback, out.Kind)
	assert.Equal(t, errs.DataIntegrity, errs.KindOf(out.Err))
	assert.Equal(t, map[string]any{"x": 1.0}, out.Value.OptimizedDocument)
}

func TestOptimizationClientNeverReturnsError(t *testing.T) {
	reg := testRegistry() // optimization not registered, never live
	deps := testDeps()
	deps.Registry = reg
	out := NewOptimizationClient("http://127.0.0.1:0", fastTransport(), deps).
		Call(context.Background(), OptimizationRequest{ArtifactID: "a"})
	assert.Equal(t, OutcomeFallback, out.Kind)
	assert.NotNil(t, out.Value)
}

func TestSubmitTrainingIsStrict(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.capture(t, r)
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": "job-7", "accepted": 10})
	}))
	defer srv.Close()

	c := NewOptimizationClient(srv.URL, fastTransport(), testDeps())
	sub, err := c.SubmitTraining(context.Background(), "run-1", &models.TrainingCorpus{PairCount: 10})
	require.NoError(t, err)
	assert.Equal(t, "job-7", sub.JobID)
	assert.Equal(t, "run-1", rec.header(0).Get("X-Correlation-ID"))

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer failing.Close()
	_, err = NewOptimizationClient(failing.URL, fastTransport(), testDeps()).
		SubmitTraining(context.Background(), "run-2", &models.TrainingCorpus{})
	require.Error(t, err)
	assert.Equal(t, errs.DependencyRejected, errs.KindOf(err))
}
