package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"archflow/backend/internal/logging"
	"archflow/backend/pkg/models"
)

// RunHandler executes one workflow kind in-process.
type RunHandler func(ctx context.Context, run *models.WorkflowRun) (map[string]any, error)

// Executor begins execution of a run that is already persisted.
type Executor interface {
	Backend() models.ExecutionBackend
	Execute(ctx context.Context, run *models.WorkflowRun) error
}

// EngineRun is the external engine's view of a run.
type EngineRun struct {
	RunID  string         `json:"run_id"`
	Status string         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// WorkflowEngine is the optional external workflow engine.
type WorkflowEngine interface {
	CreateRun(ctx context.Context, kind string, params map[string]any, externalID string) (string, error)
	GetRun(ctx context.Context, engineRunID string) (*EngineRun, error)
	CancelRun(ctx context.Context, engineRunID string) error
}

// HTTPWorkflowEngine talks to an external engine over HTTP.
type HTTPWorkflowEngine struct {
	t *transport
}

// NewHTTPWorkflowEngine creates a new HTTPWorkflowEngine.
func NewHTTPWorkflowEngine(baseURL string, topts TransportOptions, deps Deps) *HTTPWorkflowEngine {
	return &HTTPWorkflowEngine{t: newTransport(DependencyWorkflowEngine, baseURL, topts, deps)}
}

// CreateRun submits a run and returns the engine's run id.
func (e *HTTPWorkflowEngine) CreateRun(ctx context.Context, kind string, params map[string]any, externalID string) (string, error) {
	var out EngineRun
	_, err := e.t.do(ctx, call{
		method:        http.MethodPost,
		path:          "/runs",
		correlationID: externalID,
		body: map[string]any{
			"kind":        kind,
			"parameters":  params,
			"external_id": externalID,
		},
		out: &out,
		validate: func() error {
			if out.RunID == "" {
				return errors.New("engine response has no run_id")
			}
			return nil
		},
	})
	if err != nil {
		return "", err
	}
	return out.RunID, nil
}

// GetRun fetches the engine's current view of a run.
func (e *HTTPWorkflowEngine) GetRun(ctx context.Context, engineRunID string) (*EngineRun, error) {
	var out EngineRun
	_, err := e.t.do(ctx, call{
		method:        http.MethodGet,
		path:          "/runs/" + url.PathEscape(engineRunID),
		correlationID: engineRunID,
		out:           &out,
		validate: func() error {
			if out.Status == "" {
				return errors.New("engine response has no status")
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRun asks the engine to stop a run.
func (e *HTTPWorkflowEngine) CancelRun(ctx context.Context, engineRunID string) error {
	_, err := e.t.do(ctx, call{
		method:        http.MethodPost,
		path:          "/runs/" + url.PathEscape(engineRunID) + "/cancel",
		correlationID: engineRunID,
	})
	return err
}

// mapEngineStatus translates engine vocabulary into RunStatus.
func mapEngineStatus(s string) (models.RunStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scheduled", "pending", "queued", "created":
		return models.RunScheduled, true
	case "running", "started", "in_progress":
		return models.RunRunning, true
	case "completed", "succeeded", "success", "done":
		return models.RunCompleted, true
	case "failed", "error", "timed_out":
		return models.RunFailed, true
	case "cancelled", "canceled", "terminated":
		return models.RunCancelled, true
	}
	return "", false
}

// DelegatedExecutor hands runs to the external engine.
type DelegatedExecutor struct {
	engine WorkflowEngine
}

// NewDelegatedExecutor creates a new DelegatedExecutor.
func NewDelegatedExecutor(engine WorkflowEngine) *DelegatedExecutor {
	return &DelegatedExecutor{engine: engine}
}

// Backend returns BackendEngine.
func (d *DelegatedExecutor) Backend() models.ExecutionBackend { return models.BackendEngine }

// Execute creates the engine run and records its id on run.
func (d *DelegatedExecutor) Execute(ctx context.Context, run *models.WorkflowRun) error {
	id, err := d.engine.CreateRun(ctx, run.Kind, run.Parameters, run.RunID)
	if err != nil {
		return err
	}
	run.EngineRunID = id
	return nil
}

// completionFunc records the outcome of an in-process run.
type completionFunc func(runID string, result map[string]any, err error)

// DirectExecutor runs registered handlers in goroutines owned by the
// executor, not by the request that started them.
type DirectExecutor struct {
	mu       sync.Mutex
	handlers map[string]RunHandler
	cancels  map[string]context.CancelFunc

	base    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	onDone  completionFunc
	logger  *logging.Logger
	timeout time.Duration
}

// NewDirectExecutor creates a DirectExecutor reporting completions to onDone.
func NewDirectExecutor(onDone completionFunc, timeout time.Duration, logger *logging.Logger) *DirectExecutor {
	base, stop := context.WithCancel(context.Background())
	if logger == nil {
		logger = logging.Nop()
	}
	return &DirectExecutor{
		handlers: make(map[string]RunHandler),
		cancels:  make(map[string]context.CancelFunc),
		base:     base,
		stop:     stop,
		onDone:   onDone,
		logger:   logger,
		timeout:  timeout,
	}
}

// Backend returns BackendDirect.
func (d *DirectExecutor) Backend() models.ExecutionBackend { return models.BackendDirect }

// Register installs the handler for a workflow kind.
func (d *DirectExecutor) Register(kind string, h RunHandler) {
	d.mu.Lock()
	d.handlers[kind] = h
	d.mu.Unlock()
}

// Active reports whether runID is executing in this process.
func (d *DirectExecutor) Active(runID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.cancels[runID]
	return ok
}

// Execute launches the handler for run.Kind in the background.
func (d *DirectExecutor) Execute(_ context.Context, run *models.WorkflowRun) error {
	d.mu.Lock()
	h, ok := d.handlers[run.Kind]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("no in-process handler for workflow kind %q", run.Kind)
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(d.base, d.timeout)
	} else {
		ctx, cancel = context.WithCancel(d.base)
	}
	d.cancels[run.RunID] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	snapshot := *run
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.cancels, snapshot.RunID)
			d.mu.Unlock()
			cancel()
		}()

		result, err := d.invoke(ctx, h, &snapshot)
		d.onDone(snapshot.RunID, result, err)
	}()
	return nil
}

func (d *DirectExecutor) invoke(ctx context.Context, h RunHandler, run *models.WorkflowRun) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("workflow handler panicked", "run_id", run.RunID, "kind", run.Kind, "panic", rec)
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return h(ctx, run)
}

// Cancel stops an in-flight run. It reports whether the run was found.
func (d *DirectExecutor) Cancel(runID string) bool {
	d.mu.Lock()
	cancel, ok := d.cancels[runID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown waits for in-flight runs until ctx expires, then cancels them.
func (d *DirectExecutor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.stop()
		return nil
	case <-ctx.Done():
		d.stop()
		<-done
		return ctx.Err()
	}
}
