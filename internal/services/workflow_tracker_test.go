package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"archflow/backend/internal/errs"
	"archflow/backend/internal/repository"
	"archflow/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu        sync.Mutex
	createErr error
	getErr    error
	status    string
	result    map[string]any
	created   []string
	cancelled []string
}

func (e *fakeEngine) CreateRun(_ context.Context, kind string, _ map[string]any, externalID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return "", e.createErr
	}
	e.created = append(e.created, externalID)
	return "engine-" + externalID, nil
}

func (e *fakeEngine) GetRun(_ context.Context, engineRunID string) (*EngineRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.getErr != nil {
		return nil, e.getErr
	}
	return &EngineRun{RunID: engineRunID, Status: e.status, Result: e.result}, nil
}

func (e *fakeEngine) CancelRun(_ context.Context, engineRunID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, engineRunID)
	return nil
}

func (e *fakeEngine) set(status string, result map[string]any) {
	e.mu.Lock()
	e.status, e.result = status, result
	e.mu.Unlock()
}

func newDirectTracker(t *testing.T) (*WorkflowTracker, *repository.MemoryStore) {
	t.Helper()
	return newDirectTrackerOn(t, repository.NewMemoryStore())
}

func waitTerminal(t *testing.T, tr *WorkflowTracker, runID string) *models.WorkflowRun {
	t.Helper()
	var run *models.WorkflowRun
	eventually(t, func() bool {
		r, err := tr.GetStatus(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status.Terminal()
	})
	return run
}

func TestStartConcurrentRunsAreDistinct(t *testing.T) {
	tr, _ := newDirectTracker(t)
	tr.RegisterHandler(KindPDFIngestion, func(ctx context.Context, run *models.WorkflowRun) (map[string]any, error) {
		return map[string]any{"pages": 12.0}, nil
	})

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, runID, err := tr.Start(context.Background(), KindPDFIngestion, map[string]any{"source_url": "http://docs/dcpr.pdf"})
			assert.NoError(t, err)
			ids[i] = runID
		}(i)
	}
	wg.Wait()

	require.NotEqual(t, ids[0], ids[1])
	for _, id := range ids {
		run := waitTerminal(t, tr, id)
		assert.Equal(t, models.RunCompleted, run.Status)
		assert.Equal(t, models.BackendDirect, run.Backend)
		require.NotNil(t, run.CompletedAt)
		require.NotNil(t, run.DurationMs)
		assert.GreaterOrEqual(t, *run.DurationMs, int64(0))
		assert.Equal(t, 12.0, run.Result["pages"])
	}
}

func TestStartPersistsBeforeExecution(t *testing.T) {
	tr, store := newDirectTracker(t)
	seen := make(chan *models.WorkflowRun, 1)
	tr.RegisterHandler("probe", func(ctx context.Context, run *models.WorkflowRun) (map[string]any, error) {
		stored, err := store.GetRun(ctx, run.RunID)
		if err == nil {
			seen <- stored
		}
		close(seen)
		return nil, nil
	})

	wfID, runID, err := tr.Start(context.Background(), "probe", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(wfID, "probe-"))

	stored, ok := <-seen
	require.True(t, ok, "run must be persisted before the handler starts")
	assert.Equal(t, runID, stored.RunID)
	assert.Equal(t, models.RunRunning, stored.Status)
}

func TestFailedHandlerRecordsError(t *testing.T) {
	tr, _ := newDirectTracker(t)
	tr.RegisterHandler("boom", func(ctx context.Context, run *models.WorkflowRun) (map[string]any, error) {
		return nil, errors.New("parser crashed")
	})
	tr.RegisterHandler("panic", func(ctx context.Context, run *models.WorkflowRun) (map[string]any, error) {
		panic("nil document")
	})

	_, a, err := tr.Start(context.Background(), "boom", nil)
	require.NoError(t, err)
	_, b, err := tr.Start(context.Background(), "panic", nil)
	require.NoError(t, err)

	for _, id := range []string{a, b} {
		run := waitTerminal(t, tr, id)
		assert.Equal(t, models.RunFailed, run.Status)
		require.NotNil(t, run.Error)
	}
}

func TestUnknownKindFailsButStaysResolvable(t *testing.T) {
	tr, _ := newDirectTracker(t)
	_, runID, err := tr.Start(context.Background(), "unknown_kind", nil)
	require.NoError(t, err)

	run, err := tr.GetStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Contains(t, *run.Error, "no in-process handler")

	_, _, err = tr.Start(context.Background(), "", nil)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestTerminalRunsAreNotRetransitioned(t *testing.T) {
	tr, _ := newDirectTracker(t)
	tr.RegisterHandler("quick", func(ctx context.Context, run *models.WorkflowRun) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	_, runID, err := tr.Start(context.Background(), "quick", nil)
	require.NoError(t, err)
	waitTerminal(t, tr, runID)

	err = tr.Fail(context.Background(), runID, errors.New("late"))
	assert.Equal(t, errs.Validation, errs.KindOf(err))
	run, err := tr.GetStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)

	_, err = tr.GetStatus(context.Background(), "missing")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestCancelStopsDirectRun(t *testing.T) {
	tr, _ := newDirectTracker(t)
	started := make(chan struct{})
	tr.RegisterHandler("slow", func(ctx context.Context, run *models.WorkflowRun) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, runID, err := tr.Start(context.Background(), "slow", nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, tr.Cancel(context.Background(), runID))
	run, err := tr.GetStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, run.Status)

	require.NoError(t, tr.Shutdown(context.Background()))
	run, err = tr.GetStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, run.Status, "handler exit does not overwrite cancellation")
}

func TestDelegatedRunMergesEngineStatus(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := &fakeEngine{status: "running"}
	reg := testRegistry(DependencyWorkflowEngine)
	tr := NewWorkflowTracker(store, reg, engine, TrackerOptions{}, nil, testMetrics())
	ctx := context.Background()

	_, runID, err := tr.Start(ctx, KindPDFIngestion, map[string]any{"source_url": "s3://x"})
	require.NoError(t, err)

	run, err := tr.GetStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.BackendEngine, run.Backend)
	assert.Equal(t, "engine-"+runID, run.EngineRunID)
	assert.Equal(t, models.RunRunning, run.Status)

	engine.set("succeeded", map[string]any{"pages": 3.0})
	run, err = tr.GetStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, 3.0, run.Result["pages"])

	stored, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, stored.Status, "terminal transition is persisted")
}

func TestDelegatedRunEngineUnreachable(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := &fakeEngine{status: "running"}
	reg := testRegistry(DependencyWorkflowEngine)
	tr := NewWorkflowTracker(store, reg, engine, TrackerOptions{}, nil, testMetrics())
	ctx := context.Background()

	_, runID, err := tr.Start(ctx, "remote_only", nil)
	require.NoError(t, err)

	engine.mu.Lock()
	engine.getErr = errs.Wrap(errs.DependencyUnavailable, DependencyWorkflowEngine, errors.New("connection refused"))
	engine.mu.Unlock()

	run, err := tr.GetStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunScheduled, run.Status)
	assert.Equal(t, runID, run.RunID)
}

func TestDelegationFailureFallsBackToDirect(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := &fakeEngine{createErr: errors.New("engine down")}
	reg := testRegistry(DependencyWorkflowEngine)
	tr := NewWorkflowTracker(store, reg, engine, TrackerOptions{}, nil, testMetrics())
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })
	tr.RegisterHandler(KindPDFIngestion, func(ctx context.Context, run *models.WorkflowRun) (map[string]any, error) {
		return map[string]any{"done": true}, nil
	})

	_, runID, err := tr.Start(context.Background(), KindPDFIngestion, nil)
	require.NoError(t, err)
	run := waitTerminal(t, tr, runID)
	assert.Equal(t, models.BackendDirect, run.Backend)
	assert.Equal(t, models.RunCompleted, run.Status)
}

func TestUnhealthyEngineRunsDirect(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := &fakeEngine{status: "running"}
	reg := testRegistry(DependencyWorkflowEngine)
	reg.ReportOutcome(DependencyWorkflowEngine, errs.Wrap(errs.DependencyUnavailable, DependencyWorkflowEngine, errors.New("down")))
	tr := NewWorkflowTracker(store, reg, engine, TrackerOptions{}, nil, testMetrics())
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })
	tr.RegisterHandler("job", func(ctx context.Context, run *models.WorkflowRun) (map[string]any, error) { return nil, nil })

	_, runID, err := tr.Start(context.Background(), "job", nil)
	require.NoError(t, err)
	run := waitTerminal(t, tr, runID)
	assert.Equal(t, models.BackendDirect, run.Backend)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Empty(t, engine.created)
}

func TestListRecent(t *testing.T) {
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Minute)
		return clock
	}
	store := repository.NewMemoryStore()
	tr := NewWorkflowTracker(store, nil, nil, TrackerOptions{Now: now}, nil, testMetrics())
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })
	tr.RegisterHandler("a", func(ctx context.Context, run *models.WorkflowRun) (map[string]any, error) { return nil, nil })

	var last string
	for i := 0; i < 3; i++ {
		_, id, err := tr.Start(context.Background(), "a", nil)
		require.NoError(t, err)
		waitTerminal(t, tr, id)
		last = id
	}
	_, _, err := tr.Start(context.Background(), "b", nil)
	require.NoError(t, err)

	runs, err := tr.ListRecent(context.Background(), models.RunFilter{Kind: "a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, last, runs[0].RunID)

	failed, err := tr.ListRecent(context.Background(), models.RunFilter{Status: models.RunFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].Kind)
}

func TestHTTPWorkflowEngine(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.capture(t, r)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/runs":
			writeJSON(w, http.StatusCreated, map[string]any{"run_id": "eng-1", "status": "queued"})
		case r.Method == http.MethodGet && r.URL.Path == "/runs/eng-1":
			writeJSON(w, http.StatusOK, map[string]any{"run_id": "eng-1", "status": "succeeded", "result": map[string]any{"n": 1}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	e := NewHTTPWorkflowEngine(srv.URL, fastTransport(), testDeps())
	id, err := e.CreateRun(context.Background(), KindPDFIngestion, map[string]any{"a": 1}, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "eng-1", id)
	assert.Equal(t, "run-1", rec.body(0)["external_id"])

	run, err := e.GetRun(context.Background(), "eng-1")
	require.NoError(t, err)
	status, ok := mapEngineStatus(run.Status)
	require.True(t, ok)
	assert.Equal(t, models.RunCompleted, status)

	_, err = e.GetRun(context.Background(), "missing")
	assert.Equal(t, errs.DependencyRejected, errs.KindOf(err))
}

func TestReconcileUpdatesDelegatedRunsWithoutPolling(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := &fakeEngine{status: "running"}
	reg := testRegistry(DependencyWorkflowEngine)
	tr := NewWorkflowTracker(store, reg, engine, TrackerOptions{}, nil, testMetrics())
	ctx := context.Background()

	_, runID, err := tr.Start(ctx, KindPDFIngestion, nil)
	require.NoError(t, err)

	engine.set("succeeded", map[string]any{"pages": 7.0})
	tr.Reconcile(ctx)

	runs, err := tr.ListRecent(ctx, models.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunCompleted, runs[0].Status)
	assert.Equal(t, 7.0, runs[0].Result["pages"])

	stored, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, stored.CompletedAt)
}

func TestRunLoopReconcilesOnInterval(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := &fakeEngine{status: "running"}
	reg := testRegistry(DependencyWorkflowEngine)
	tr := NewWorkflowTracker(store, reg, engine, TrackerOptions{ReconcileInterval: 10 * time.Millisecond}, nil, testMetrics())

	_, runID, err := tr.Start(context.Background(), "remote_only", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	engine.set("failed", nil)
	eventually(t, func() bool {
		stored, err := store.GetRun(context.Background(), runID)
		return err == nil && stored.Status == models.RunFailed
	})
	cancel()
	<-done
}

func TestReconcileFailsDelegatedRunsWithoutEngineID(t *testing.T) {
	store := repository.NewMemoryStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tr := NewWorkflowTracker(store, testRegistry(DependencyWorkflowEngine), &fakeEngine{status: "running"},
		TrackerOptions{OrphanGrace: 5 * time.Minute, Now: func() time.Time { return now }}, nil, testMetrics())
	ctx := context.Background()

	stale := &models.WorkflowRun{WorkflowID: "job-stale", RunID: "stale", Kind: "job",
		Status: models.RunScheduled, Backend: models.BackendEngine, StartedAt: now.Add(-10 * time.Minute)}
	fresh := &models.WorkflowRun{WorkflowID: "job-fresh", RunID: "fresh", Kind: "job",
		Status: models.RunScheduled, Backend: models.BackendEngine, StartedAt: now.Add(-time.Minute)}
	require.NoError(t, store.CreateRun(ctx, stale))
	require.NoError(t, store.CreateRun(ctx, fresh))

	tr.Reconcile(ctx)

	got, err := store.GetRun(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "engine run id")

	got, err = store.GetRun(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.RunScheduled, got.Status)
}

func TestRecoverInterruptedFailsLeftoverDirectRuns(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	started := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.CreateRun(ctx, &models.WorkflowRun{WorkflowID: "job-a", RunID: "a", Kind: "job",
		Status: models.RunRunning, Backend: models.BackendDirect, StartedAt: started}))
	require.NoError(t, store.CreateRun(ctx, &models.WorkflowRun{WorkflowID: "job-b", RunID: "b", Kind: "job",
		Status: models.RunRunning, Backend: models.BackendEngine, EngineRunID: "engine-b", StartedAt: started}))

	tr, _ := newDirectTrackerOn(t, store)
	n, err := tr.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := store.GetRun(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, a.Status)
	b, err := store.GetRun(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, b.Status)
}

func TestRecoverInterruptedSkipsActiveRuns(t *testing.T) {
	tr, _ := newDirectTracker(t)
	release := make(chan struct{})
	tr.RegisterHandler("slow", func(ctx context.Context, run *models.WorkflowRun) (map[string]any, error) {
		<-release
		return nil, nil
	})
	_, runID, err := tr.Start(context.Background(), "slow", nil)
	require.NoError(t, err)

	n, err := tr.RecoverInterrupted(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	close(release)

	run := waitTerminal(t, tr, runID)
	assert.Equal(t, models.RunCompleted, run.Status)
}

func TestRunLocksAreReleasedOnceTerminal(t *testing.T) {
	tr, _ := newDirectTracker(t)
	tr.RegisterHandler("job", func(ctx context.Context, run *models.WorkflowRun) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		_, runID, err := tr.Start(ctx, "job", nil)
		require.NoError(t, err)
		ids = append(ids, runID)
	}
	for _, id := range ids {
		waitTerminal(t, tr, id)
	}
	// late transitions on finished runs must not leave entries behind
	assert.True(t, errs.Is(tr.Cancel(ctx, ids[0]), errs.Validation))
	_, _, err := tr.Start(ctx, "unknown_kind", nil)
	require.NoError(t, err)

	eventually(t, func() bool { return lockCount(tr) == 0 })
}

func newDirectTrackerOn(t *testing.T, store *repository.MemoryStore) (*WorkflowTracker, *repository.MemoryStore) {
	t.Helper()
	tr := NewWorkflowTracker(store, nil, nil, TrackerOptions{}, nil, testMetrics())
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })
	return tr, store
}

func lockCount(tr *WorkflowTracker) int {
	n := 0
	tr.locks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
