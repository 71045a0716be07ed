package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"archflow/backend/internal/errs"
	"archflow/backend/internal/repository"
	"archflow/backend/internal/storage"
	"archflow/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSpecGenerator satisfies SpecGenerator
type MockSpecGenerator struct {
	mock.Mock
}

func (m *MockSpecGenerator) Generate(ctx context.Context, requestID, prompt string, params map[string]any) (map[string]any, error) {
	args := m.Called(ctx, requestID, prompt, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}

// MockRenderer satisfies GeometryRenderer
type MockRenderer struct {
	mock.Mock
}

func (m *MockRenderer) Render(ctx context.Context, artifactID string, document map[string]any) ([]byte, string, error) {
	args := m.Called(ctx, artifactID, document)
	if args.Get(0) == nil {
		return nil, "", args.Error(2)
	}
	return args.Get(0).([]byte), args.String(1), args.Error(2)
}

type pipeline struct {
	svc       *DesignService
	store     *repository.MemoryStore
	blobs     *storage.MemoryStore
	generator *MockSpecGenerator
	renderer  *MockRenderer
}

func specDocument() map[string]any {
	return map[string]any{"height_m": 18.0, "use": "residential", "floors": 6.0}
}

func newPipeline(t *testing.T, complianceURL, optimizationURL string, topts TransportOptions) *pipeline {
	t.Helper()
	store := repository.NewMemoryStore()
	blobs := storage.NewMemoryStore()
	gen := &MockSpecGenerator{}
	rend := &MockRenderer{}
	deps := testDeps()

	svc := NewDesignService(DesignDeps{
		Generator:  gen,
		Compliance: NewComplianceClient(complianceURL, topts, ComplianceOptions{}, deps),
		Optimizer:  NewOptimizationClient(optimizationURL, topts, deps),
		Geometry:   NewGeometryService(rend, blobs, store),
		Artifacts:  store,
		Results:    store,
		Metrics:    testMetrics(),
	})
	return &pipeline{svc: svc, store: store, blobs: blobs, generator: gen, renderer: rend}
}

func optimizationOK(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"suggested_changes": []map[string]any{{"field": "height_m", "from": 18, "to": 15, "rationale": "r"}},
		"metrics":           map[string]any{"cost_delta": -0.05},
	})
}

func complianceOK(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, mumbaiEvaluation("case"))
}

func mumbaiRequest() models.DesignRequest {
	return models.DesignRequest{Prompt: "18m residential building", Jurisdiction: "Mumbai"}
}

func TestProcessAllStagesLive(t *testing.T) {
	comp := httptest.NewServer(http.HandlerFunc(complianceOK))
	defer comp.Close()
	opt := httptest.NewServer(http.HandlerFunc(optimizationOK))
	defer opt.Close()

	p := newPipeline(t, comp.URL, opt.URL, fastTransport())
	p.generator.On("Generate", mock.Anything, mock.MatchedBy(func(id string) bool { return id != "" }), "18m residential building", mock.Anything).Return(specDocument(), nil)
	p.renderer.On("Render", mock.Anything, mock.Anything, mock.MatchedBy(func(doc map[string]any) bool {
		return doc["height_m"] == 15.0
	})).Return([]byte("glb"), "model/gltf-binary", nil)

	resp, err := p.svc.Process(context.Background(), mumbaiRequest())
	require.NoError(t, err)

	assert.Equal(t, models.StateAssembled, resp.State)
	assert.NotEmpty(t, resp.RequestID)
	require.NotNil(t, resp.Artifact)
	assert.Equal(t, "anonymous", resp.Artifact.Owner)
	assert.Equal(t, 1, resp.Artifact.Version)
	assert.Equal(t, models.StageOK, resp.Spec.Status)

	// Scenario A
	assert.Equal(t, models.StageOK, resp.Compliance.Status)
	require.NotNil(t, resp.Compliance.Compliant)
	assert.False(t, *resp.Compliance.Compliant)
	assert.Equal(t, models.ConfidenceHigh, resp.Compliance.ConfidenceLevel)
	assert.Len(t, resp.Compliance.Violations, 2)
	assert.GreaterOrEqual(t, len(resp.Compliance.Recommendations), 2)

	assert.Equal(t, models.StageOK, resp.Optimization.Status)
	assert.Equal(t, models.SourceLive, resp.Optimization.Source)

	assert.Equal(t, models.StageOK, resp.Geometry.Status)
	require.NotNil(t, resp.Geometry.Render)
	assert.True(t, resp.Geometry.Render.Optimized)
	assert.Contains(t, resp.Geometry.Render.URL, "mem://renders/"+resp.Artifact.ID+"/")

	assert.Len(t, p.store.ComplianceResults(resp.Artifact.ID), 1)
	assert.Len(t, p.store.OptimizationResults(resp.Artifact.ID), 1)
	p.generator.AssertExpectations(t)
	p.renderer.AssertExpectations(t)
}

func TestProcessComplianceTimeout(t *testing.T) {
	comp := httptest.NewServer(http.HandlerFunc(hang))
	defer comp.Close()
	opt := httptest.NewServer(http.HandlerFunc(optimizationOK))
	defer opt.Close()

	topts := fastTransport()
	topts.Timeout = 50 * time.Millisecond
	p := newPipeline(t, comp.URL, opt.URL, topts)
	p.generator.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(specDocument(), nil)
	p.renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).Return([]byte("glb"), "model/gltf-binary", nil)

	resp, err := p.svc.Process(context.Background(), mumbaiRequest())
	require.NoError(t, err)

	// Scenario B: no verdict at all, other stages populated
	assert.Equal(t, models.StageUnavailable, resp.Compliance.Status)
	assert.Nil(t, resp.Compliance.Compliant)
	assert.NotEmpty(t, resp.Compliance.Message)
	require.NotNil(t, resp.Compliance.Error)
	assert.Equal(t, string(errs.DependencyUnavailable), resp.Compliance.Error.Kind)
	assert.Equal(t, models.StageOK, resp.Optimization.Status)
	assert.Equal(t, models.StageOK, resp.Geometry.Status)
	assert.Empty(t, p.store.ComplianceResults(resp.Artifact.ID))

	encoded, err := toMap(resp)
	require.NoError(t, err)
	_, present := encoded["compliance"].(map[string]any)["compliant"]
	assert.False(t, present)
}

func TestProcessOptimizationTimeout(t *testing.T) {
	comp := httptest.NewServer(http.HandlerFunc(complianceOK))
	defer comp.Close()
	opt := httptest.NewServer(http.HandlerFunc(hang))
	defer opt.Close()

	topts := fastTransport()
	topts.Timeout = 50 * time.Millisecond
	p := newPipeline(t, comp.URL, opt.URL, topts)
	p.generator.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(specDocument(), nil)
	p.renderer.On("Render", mock.Anything, mock.Anything, specDocument()).Return([]byte("glb"), "model/gltf-binary", nil)

	resp, err := p.svc.Process(context.Background(), mumbaiRequest())
	require.NoError(t, err)

	// Scenario C: fallback tagged, render uses the unoptimized document
	assert.Equal(t, models.StageFallback, resp.Optimization.Status)
	assert.Equal(t, models.SourceFallback, resp.Optimization.Source)
	require.NotNil(t, resp.Optimization.Result)
	assert.Equal(t, specDocument(), resp.Optimization.Result.OptimizedDocument)
	assert.Equal(t, models.StageOK, resp.Compliance.Status)
	assert.Equal(t, models.StageOK, resp.Geometry.Status)
	assert.False(t, resp.Geometry.Render.Optimized)
	assert.Len(t, p.store.OptimizationResults(resp.Artifact.ID), 1)
	p.renderer.AssertExpectations(t)
}

func TestProcessValidationMakesNoRemoteCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	p := newPipeline(t, srv.URL, srv.URL, fastTransport())
	for _, req := range []models.DesignRequest{
		{Prompt: "", Jurisdiction: "Mumbai"},
		{Prompt: "tower", Jurisdiction: "  "},
	} {
		resp, err := p.svc.Process(context.Background(), req)
		require.Error(t, err)
		assert.Nil(t, resp)
		assert.Equal(t, errs.Validation, errs.KindOf(err))
	}
	assert.Equal(t, int32(0), calls.Load())
	p.generator.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessSpecFailureSkipsDownstream(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	p := newPipeline(t, srv.URL, srv.URL, fastTransport())
	p.generator.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errs.Wrap(errs.DependencyUnavailable, DependencySpecGenerator, errors.New("connection refused")))

	resp, err := p.svc.Process(context.Background(), mumbaiRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StateAssembled, resp.State)
	assert.Nil(t, resp.Artifact)
	assert.Equal(t, models.StageFailed, resp.Spec.Status)
	assert.Equal(t, DependencySpecGenerator, resp.Spec.Error.Dependency)
	assert.Equal(t, models.StageSkipped, resp.Compliance.Status)
	assert.Equal(t, models.StageSkipped, resp.Optimization.Status)
	assert.Equal(t, models.StageSkipped, resp.Geometry.Status)
	assert.Equal(t, int32(0), calls.Load())
}

func TestProcessRenderFailureStillAssembles(t *testing.T) {
	comp := httptest.NewServer(http.HandlerFunc(complianceOK))
	defer comp.Close()
	opt := httptest.NewServer(http.HandlerFunc(optimizationOK))
	defer opt.Close()

	p := newPipeline(t, comp.URL, opt.URL, fastTransport())
	p.generator.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(specDocument(), nil)
	p.renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).Panic("renderer exploded")

	resp, err := p.svc.Process(context.Background(), mumbaiRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StateAssembled, resp.State)
	assert.Equal(t, models.StageFailed, resp.Geometry.Status)
	assert.Equal(t, string(errs.Internal), resp.Geometry.Error.Kind)
	assert.Equal(t, models.StageOK, resp.Compliance.Status)
}

func TestReviseAppendsVersions(t *testing.T) {
	p := newPipeline(t, "http://unused", "http://unused", fastTransport())
	ctx := context.Background()
	base := &models.DesignArtifact{
		ID: "v1", LineageID: "lin-1", Owner: "asha", Prompt: "p", Jurisdiction: "Mumbai",
		Document: specDocument(), Version: 1, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, p.store.CreateArtifact(ctx, base))

	v2, err := p.svc.Revise(ctx, "v1", map[string]any{"height_m": 15.0}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, "asha", v2.Owner)
	assert.Equal(t, "lin-1", v2.LineageID)

	// revising an older version still appends after the latest
	v3, err := p.svc.Revise(ctx, "v1", map[string]any{"height_m": 12.0}, "ravi")
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Version)

	history, err := p.svc.History(ctx, "lin-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, specDocument(), history[0].Document, "earlier versions stay untouched")
	assert.Equal(t, []int{1, 2, 3}, []int{history[0].Version, history[1].Version, history[2].Version})

	_, err = p.svc.Revise(ctx, "missing", map[string]any{"a": 1}, "")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
	_, err = p.svc.Revise(ctx, "v1", nil, "")
	assert.Equal(t, errs.Validation, errs.KindOf(err))
	_, err = p.svc.History(ctx, "lin-unknown")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestReviseConcurrentVersionsAreDistinct(t *testing.T) {
	p := newPipeline(t, "http://unused", "http://unused", fastTransport())
	ctx := context.Background()
	require.NoError(t, p.store.CreateArtifact(ctx, &models.DesignArtifact{
		ID: "v1", LineageID: "lin-1", Prompt: "p", Jurisdiction: "Mumbai", Document: specDocument(), Version: 1,
	}))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.svc.Revise(ctx, "v1", map[string]any{"n": 1.0}, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history, err := p.svc.History(ctx, "lin-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	seen := map[int]bool{}
	for _, a := range history {
		assert.False(t, seen[a.Version])
		seen[a.Version] = true
	}
}

func TestProcessAsyncRecordsRun(t *testing.T) {
	comp := httptest.NewServer(http.HandlerFunc(complianceOK))
	defer comp.Close()
	opt := httptest.NewServer(http.HandlerFunc(optimizationOK))
	defer opt.Close()

	store := repository.NewMemoryStore()
	tracker := NewWorkflowTracker(store, nil, nil, TrackerOptions{}, nil, testMetrics())
	gen := &MockSpecGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(specDocument(), nil)
	deps := testDeps()
	svc := NewDesignService(DesignDeps{
		Generator:  gen,
		Compliance: NewComplianceClient(comp.URL, fastTransport(), ComplianceOptions{}, deps),
		Optimizer:  NewOptimizationClient(opt.URL, fastTransport(), deps),
		Artifacts:  store,
		Results:    store,
		Tracker:    tracker,
	})

	_, runID, err := svc.ProcessAsync(context.Background(), mumbaiRequest())
	require.NoError(t, err)

	eventually(t, func() bool {
		run, err := tracker.GetStatus(context.Background(), runID)
		return err == nil && run.Status == models.RunCompleted
	})
	run, err := tracker.GetStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, KindDesignRequest, run.Kind)
	assert.Equal(t, string(models.StateAssembled), run.Result["state"])
	assert.Equal(t, string(models.StageSkipped), run.Result["geometry"].(map[string]any)["status"])

	_, _, err = svc.ProcessAsync(context.Background(), models.DesignRequest{Jurisdiction: "Mumbai"})
	assert.Equal(t, errs.Validation, errs.KindOf(err))
	require.NoError(t, tracker.Shutdown(context.Background()))
}
