package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"archflow/backend/internal/errs"
	"archflow/backend/internal/health"
	"archflow/backend/internal/logging"
	"archflow/backend/internal/observability"
	"archflow/backend/internal/repository"
	"archflow/backend/pkg/models"

	"github.com/google/uuid"
)

// Workflow kinds with in-process handlers.
const (
	KindDesignRequest       = "design_request"
	KindOptimizerRetraining = "optimizer_retraining"
	KindPDFIngestion        = "pdf_ingestion"
)

const (
	defaultListLimit = 50
	reconcileBatch   = 500
)

// TrackerOptions configure the WorkflowTracker.
type TrackerOptions struct {
	// RunTimeout bounds each in-process run. Zero means unbounded.
	RunTimeout time.Duration
	// ReconcileInterval is how often Run polls unfinished delegated runs.
	ReconcileInterval time.Duration
	// OrphanGrace is how long a delegated run may lack an engine run id
	// before reconciliation fails it.
	OrphanGrace time.Duration
	Now         func() time.Time
}

func (o *TrackerOptions) setDefaults() {
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 30 * time.Second
	}
	if o.OrphanGrace <= 0 {
		o.OrphanGrace = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// WorkflowTracker starts asynchronous operations and keeps one durable
// record per run. Runs go to the external engine when the registry considers
// it usable and execute in-process otherwise.
type WorkflowTracker struct {
	runs      repository.RunStore
	registry  *health.Registry
	delegated *DelegatedExecutor
	direct    *DirectExecutor
	engine    WorkflowEngine
	logger    *logging.Logger
	metrics   *observability.Instruments
	now       func() time.Time
	opts      TrackerOptions

	// run_id -> *sync.Mutex, dropped once the run is terminal
	locks sync.Map
}

// NewWorkflowTracker creates a WorkflowTracker. engine may be nil, in which
// case every run executes in-process.
func NewWorkflowTracker(runs repository.RunStore, registry *health.Registry, engine WorkflowEngine, opts TrackerOptions, logger *logging.Logger, metrics *observability.Instruments) *WorkflowTracker {
	if logger == nil {
		logger = logging.Nop()
	}
	if metrics == nil {
		metrics = observability.NewInstruments()
	}
	opts.setDefaults()
	t := &WorkflowTracker{
		runs:     runs,
		registry: registry,
		engine:   engine,
		logger:   logger.With("component", "workflow_tracker"),
		metrics:  metrics,
		now:      opts.Now,
		opts:     opts,
	}
	if engine != nil {
		t.delegated = NewDelegatedExecutor(engine)
	}
	t.direct = NewDirectExecutor(t.finish, opts.RunTimeout, t.logger)
	return t
}

// RegisterHandler installs the in-process handler for a workflow kind.
func (t *WorkflowTracker) RegisterHandler(kind string, h RunHandler) {
	t.direct.Register(kind, h)
}

// lock serializes transitions of one run. Terminal status is absorbing, so
// once a holder has seen it the entry can be dropped: a later caller that
// gets a fresh mutex still loads the terminal record and stops.
func (t *WorkflowTracker) lock(runID string) func() {
	v, _ := t.locks.LoadOrStore(runID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// release drops the lock entry of a terminal run. Callers hold the lock.
func (t *WorkflowTracker) release(runID string) {
	t.locks.Delete(runID)
}

func (t *WorkflowTracker) engineUsable() bool {
	if t.delegated == nil {
		return false
	}
	if t.registry == nil {
		return true
	}
	return t.registry.ShouldUseLive(DependencyWorkflowEngine)
}

// executorFor picks the backend for a new run.
func (t *WorkflowTracker) executorFor() Executor {
	if t.engineUsable() {
		return t.delegated
	}
	return t.direct
}

// Start records a new run and begins executing it. The record is durable
// before Start returns and before any in-process execution begins.
func (t *WorkflowTracker) Start(ctx context.Context, kind string, params map[string]any) (string, string, error) {
	if kind == "" {
		return "", "", errs.New(errs.Validation, "workflow kind is required")
	}
	if params == nil {
		params = map[string]any{}
	}

	exec := t.executorFor()
	runID := uuid.New().String()
	run := &models.WorkflowRun{
		WorkflowID: kind + "-" + runID,
		RunID:      runID,
		Kind:       kind,
		Status:     models.RunRunning,
		Backend:    exec.Backend(),
		Parameters: params,
		StartedAt:  t.now().UTC(),
	}
	if run.Backend == models.BackendEngine {
		run.Status = models.RunScheduled
	}

	unlock := t.lock(runID)
	defer unlock()

	if err := t.runs.CreateRun(ctx, run); err != nil {
		t.release(runID)
		return "", "", errs.Wrap(errs.Internal, "", fmt.Errorf("failed to persist run: %w", err))
	}
	t.metrics.RecordRun(ctx, kind, string(run.Status), string(run.Backend))
	log := t.logger.With("run_id", runID, "kind", kind)

	err := exec.Execute(ctx, run)
	if err != nil && exec.Backend() == models.BackendEngine {
		log.Warn("delegation failed, executing in-process", "error", err)
		exec = t.direct
		run.Status = models.RunRunning
		run.Backend = exec.Backend()
		if uErr := t.runs.UpdateRun(ctx, run); uErr != nil {
			return "", "", errs.Wrap(errs.Internal, "", fmt.Errorf("failed to persist run: %w", uErr))
		}
		t.metrics.RecordRun(ctx, kind, string(run.Status), string(run.Backend))
		err = exec.Execute(ctx, run)
	}
	if err != nil {
		log.Error("workflow could not start", "error", err)
		if tErr := t.terminate(ctx, run, models.RunFailed, nil, err); tErr != nil {
			return "", "", tErr
		}
		return run.WorkflowID, runID, nil
	}

	if run.Backend == models.BackendEngine {
		// A lost engine id leaves the run unpollable; Reconcile fails it
		// after OrphanGrace.
		if uErr := t.runs.UpdateRun(ctx, run); uErr != nil {
			log.Error("failed to record engine run id", "engine_run_id", run.EngineRunID, "error", uErr)
		}
		log.Info("workflow delegated", "engine_run_id", run.EngineRunID)
		return run.WorkflowID, runID, nil
	}
	log.Info("workflow started in-process")
	return run.WorkflowID, runID, nil
}

// finish is the DirectExecutor completion callback.
func (t *WorkflowTracker) finish(runID string, result map[string]any, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if runErr != nil {
		err = t.Fail(ctx, runID, runErr)
	} else {
		err = t.Complete(ctx, runID, result)
	}
	if err != nil && !errs.Is(err, errs.Validation) {
		t.logger.Error("failed to record run outcome", "run_id", runID, "error", err)
	}
}

// Complete marks a run completed with its result.
func (t *WorkflowTracker) Complete(ctx context.Context, runID string, result map[string]any) error {
	return t.transition(ctx, runID, models.RunCompleted, result, nil)
}

// Fail marks a run failed with an error message.
func (t *WorkflowTracker) Fail(ctx context.Context, runID string, runErr error) error {
	if runErr == nil {
		runErr = errors.New("run failed")
	}
	return t.transition(ctx, runID, models.RunFailed, nil, runErr)
}

// Cancel stops a non-terminal run and marks it cancelled.
func (t *WorkflowTracker) Cancel(ctx context.Context, runID string) error {
	run, err := t.load(ctx, runID)
	if err != nil {
		return err
	}
	if t.engine != nil && run.Backend == models.BackendEngine && run.EngineRunID != "" && !run.Status.Terminal() {
		if cErr := t.engine.CancelRun(ctx, run.EngineRunID); cErr != nil {
			t.logger.Warn("engine cancel failed", "run_id", runID, "error", cErr)
		}
	}
	if err := t.transition(ctx, runID, models.RunCancelled, nil, nil); err != nil {
		return err
	}
	t.direct.Cancel(runID)
	return nil
}

func (t *WorkflowTracker) transition(ctx context.Context, runID string, status models.RunStatus, result map[string]any, runErr error) error {
	unlock := t.lock(runID)
	defer unlock()

	run, err := t.load(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		t.release(runID)
		return errs.New(errs.Validation, "run %s is already %s", runID, run.Status)
	}
	return t.terminate(ctx, run, status, result, runErr)
}

// terminate stamps the terminal fields and persists them. Callers hold the
// run lock.
func (t *WorkflowTracker) terminate(ctx context.Context, run *models.WorkflowRun, status models.RunStatus, result map[string]any, runErr error) error {
	completed := t.now().UTC()
	duration := completed.Sub(run.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	run.Status = status
	run.CompletedAt = &completed
	run.DurationMs = &duration
	if result != nil {
		run.Result = result
	}
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
	}
	if err := t.runs.UpdateRun(ctx, run); err != nil {
		return errs.Wrap(errs.Internal, "", fmt.Errorf("failed to persist run: %w", err))
	}
	t.release(run.RunID)
	t.metrics.RecordRun(ctx, run.Kind, string(status), string(run.Backend))
	t.logger.Info("workflow finished",
		"run_id", run.RunID,
		"kind", run.Kind,
		"status", status,
		"duration_ms", duration,
	)
	return nil
}

func (t *WorkflowTracker) load(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	run, err := t.runs.GetRun(ctx, runID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errs.New(errs.NotFound, "workflow run %s not found", runID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "", fmt.Errorf("failed to load run: %w", err))
	}
	return run, nil
}

// GetStatus returns the run record. For delegated runs that are still in
// flight the engine's view is merged in and persisted when it changed; if
// the engine is unreachable the persisted record is returned as is.
func (t *WorkflowTracker) GetStatus(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	run, err := t.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Backend != models.BackendEngine || run.EngineRunID == "" || run.Status.Terminal() || !t.engineUsable() {
		return run, nil
	}

	remote, err := t.engine.GetRun(ctx, run.EngineRunID)
	if err != nil {
		t.logger.Warn("engine status unavailable, returning persisted run", "run_id", runID, "error", err)
		return run, nil
	}
	status, ok := mapEngineStatus(remote.Status)
	if !ok || status == run.Status {
		return run, nil
	}

	unlock := t.lock(runID)
	defer unlock()
	current, err := t.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		t.release(runID)
		return current, nil
	}
	if status.Terminal() {
		var runErr error
		if remote.Error != "" {
			runErr = errors.New(remote.Error)
		} else if status == models.RunFailed {
			runErr = errors.New("engine reported failure")
		}
		if err := t.terminate(ctx, current, status, remote.Result, runErr); err != nil {
			return nil, err
		}
		return current, nil
	}
	current.Status = status
	if err := t.runs.UpdateRun(ctx, current); err != nil {
		return nil, errs.Wrap(errs.Internal, "", fmt.Errorf("failed to persist run: %w", err))
	}
	return current, nil
}

// ListRecent returns runs matching filter, most recently started first.
func (t *WorkflowTracker) ListRecent(ctx context.Context, filter models.RunFilter) ([]*models.WorkflowRun, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Since != nil && filter.Until != nil && filter.Until.Before(*filter.Since) {
		return nil, errs.New(errs.Validation, "until must not be before since")
	}
	runs, err := t.runs.ListRuns(ctx, filter)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "", fmt.Errorf("failed to list runs: %w", err))
	}
	return runs, nil
}

// Reconcile brings unfinished delegated runs up to date with the engine so
// stored status does not depend on someone polling GetStatus. Delegated runs
// whose engine run id was never recorded are failed once OrphanGrace has
// passed since they started.
func (t *WorkflowTracker) Reconcile(ctx context.Context) {
	for _, status := range []models.RunStatus{models.RunScheduled, models.RunRunning} {
		runs, err := t.runs.ListRuns(ctx, models.RunFilter{Status: status, Limit: reconcileBatch})
		if err != nil {
			t.logger.Warn("reconcile could not list runs", "status", status, "error", err)
			return
		}
		for _, run := range runs {
			if ctx.Err() != nil {
				return
			}
			if run.Backend != models.BackendEngine {
				continue
			}
			if run.EngineRunID == "" {
				if t.now().Sub(run.StartedAt) < t.opts.OrphanGrace {
					continue
				}
				err = t.Fail(ctx, run.RunID, errors.New("engine run id was never recorded"))
			} else {
				_, err = t.GetStatus(ctx, run.RunID)
			}
			if err != nil && !errs.Is(err, errs.Validation) {
				t.logger.Warn("reconcile failed", "run_id", run.RunID, "error", err)
			}
		}
	}
}

// RecoverInterrupted fails in-process runs that a previous process left
// running. It returns how many runs were failed.
func (t *WorkflowTracker) RecoverInterrupted(ctx context.Context) (int, error) {
	runs, err := t.runs.ListRuns(ctx, models.RunFilter{Status: models.RunRunning})
	if err != nil {
		return 0, errs.Wrap(errs.Internal, "", fmt.Errorf("failed to list runs: %w", err))
	}
	recovered := 0
	for _, run := range runs {
		if run.Backend != models.BackendDirect || t.direct.Active(run.RunID) {
			continue
		}
		err := t.Fail(ctx, run.RunID, errors.New("interrupted by process restart"))
		switch {
		case err == nil:
			recovered++
		case errs.Is(err, errs.Validation):
		default:
			return recovered, err
		}
	}
	return recovered, nil
}

// Run reconciles on every reconcile interval until ctx is cancelled.
func (t *WorkflowTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.opts.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Debug("run reconciliation stopped")
			return
		case <-ticker.C:
			t.Reconcile(ctx)
		}
	}
}

// Shutdown waits for in-process runs to finish or ctx to expire.
func (t *WorkflowTracker) Shutdown(ctx context.Context) error {
	return t.direct.Shutdown(ctx)
}
