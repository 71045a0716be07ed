package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"archflow/backend/internal/errs"
	"archflow/backend/internal/logging"
	"archflow/backend/internal/observability"
	"archflow/backend/internal/repository"
	"archflow/backend/pkg/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	defaultOwner        = "anonymous"
	maxPromptLength     = 4000
	maxRevisionAttempts = 3
)

// DesignDeps wires the orchestrator. Geometry and Tracker may be nil.
type DesignDeps struct {
	Generator  SpecGenerator
	Compliance ComplianceChecker
	Optimizer  Optimizer
	Geometry   *GeometryService
	Artifacts  repository.ArtifactStore
	Results    repository.ResultStore
	Tracker    *WorkflowTracker
	Logger     *logging.Logger
	Metrics    *observability.Instruments
}

// DesignService runs the design pipeline: spec generation, then compliance
// and optimization in parallel, then geometry rendering. Once a request is
// valid it always returns a response; stage failures are reported in the
// response rather than as errors.
type DesignService struct {
	generator  SpecGenerator
	compliance ComplianceChecker
	optimizer  Optimizer
	geometry   *GeometryService
	artifacts  repository.ArtifactStore
	results    repository.ResultStore
	tracker    *WorkflowTracker
	logger     *logging.Logger
	metrics    *observability.Instruments
	now        func() time.Time
}

// NewDesignService creates a new DesignService.
func NewDesignService(deps DesignDeps) *DesignService {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewInstruments()
	}
	s := &DesignService{
		generator:  deps.Generator,
		compliance: deps.Compliance,
		optimizer:  deps.Optimizer,
		geometry:   deps.Geometry,
		artifacts:  deps.Artifacts,
		results:    deps.Results,
		tracker:    deps.Tracker,
		logger:     deps.Logger.With("component", "orchestrator"),
		metrics:    deps.Metrics,
		now:        time.Now,
	}
	if s.tracker != nil {
		s.tracker.RegisterHandler(KindDesignRequest, s.runDesignRequest)
	}
	return s
}

func validateDesignRequest(req *models.DesignRequest) error {
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.Jurisdiction = strings.TrimSpace(req.Jurisdiction)
	req.Owner = strings.TrimSpace(req.Owner)
	if req.Prompt == "" {
		return errs.New(errs.Validation, "prompt is required")
	}
	if len(req.Prompt) > maxPromptLength {
		return errs.New(errs.Validation, "prompt exceeds %d characters", maxPromptLength)
	}
	if req.Jurisdiction == "" {
		return errs.New(errs.Validation, "jurisdiction is required")
	}
	if req.Owner == "" {
		req.Owner = defaultOwner
	}
	return nil
}

func stageError(err error) *models.StageError {
	return &models.StageError{
		Kind:       string(errs.KindOf(err)),
		Dependency: errs.DependencyOf(err),
		Message:    err.Error(),
	}
}

// Process runs the full pipeline for one request.
func (s *DesignService) Process(ctx context.Context, req models.DesignRequest) (*models.DesignResponse, error) {
	if err := validateDesignRequest(&req); err != nil {
		return nil, err
	}

	start := s.now()
	resp := &models.DesignResponse{
		RequestID: uuid.New().String(),
		State:     models.StateReceived,
	}
	ctx, span := observability.StartSpan(ctx, "design.process",
		attribute.String("request_id", resp.RequestID),
		attribute.String("jurisdiction", req.Jurisdiction),
	)
	defer observability.EndSpan(span, nil)
	log := s.logger.With("request_id", resp.RequestID)

	s.advance(resp, models.StateGeneratingSpec, log)
	artifact, err := s.generateSpec(ctx, resp.RequestID, req)
	if err != nil {
		log.Error("spec generation failed", "error", err)
		resp.Spec = models.SpecStage{Status: models.StageFailed, Error: stageError(err)}
		resp.Compliance = models.ComplianceStage{Status: models.StageSkipped}
		resp.Optimization = models.OptimizationStage{Status: models.StageSkipped}
		resp.Geometry = models.GeometryStage{Status: models.StageSkipped}
		return s.assemble(resp, start, log), nil
	}
	resp.Spec = models.SpecStage{Status: models.StageOK}
	resp.Artifact = artifact

	s.advance(resp, models.StateEvaluating, log)
	compliance, optimization := s.evaluate(ctx, artifact, req.Overrides)
	resp.Compliance = s.complianceStage(ctx, compliance, log)
	resp.Optimization = s.optimizationStage(ctx, optimization, log)

	s.advance(resp, models.StateRenderingGeometry, log)
	resp.Geometry = s.renderStage(ctx, artifact, optimization, log)

	return s.assemble(resp, start, log), nil
}

func (s *DesignService) advance(resp *models.DesignResponse, state models.RequestState, log *logging.Logger) {
	log.Debug("request state", "from", resp.State, "to", state)
	resp.State = state
}

func (s *DesignService) assemble(resp *models.DesignResponse, start time.Time, log *logging.Logger) *models.DesignResponse {
	s.advance(resp, models.StateAssembled, log)
	resp.ElapsedMs = s.now().Sub(start).Milliseconds()
	log.Info("design request assembled",
		"spec", resp.Spec.Status,
		"compliance", resp.Compliance.Status,
		"optimization", resp.Optimization.Status,
		"geometry", resp.Geometry.Status,
		"elapsed_ms", resp.ElapsedMs,
	)
	return resp
}

func (s *DesignService) generateSpec(ctx context.Context, requestID string, req models.DesignRequest) (artifact *models.DesignArtifact, err error) {
	ctx, span := observability.StartSpan(ctx, "design.spec")
	started := s.now()
	defer func() {
		observability.EndSpan(span, err)
		s.metrics.RecordStage(ctx, "spec", stageOutcome(err), s.now().Sub(started))
	}()

	params := map[string]any{"jurisdiction": req.Jurisdiction}
	for k, v := range req.Overrides {
		params[k] = v
	}
	doc, err := s.callGenerator(ctx, requestID, req.Prompt, params)
	if err != nil {
		return nil, err
	}

	artifact = &models.DesignArtifact{
		ID:           uuid.New().String(),
		LineageID:    uuid.New().String(),
		Owner:        req.Owner,
		Prompt:       req.Prompt,
		Jurisdiction: req.Jurisdiction,
		Document:     doc,
		Version:      1,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.artifacts.CreateArtifact(ctx, artifact); err != nil {
		return nil, errs.Wrap(errs.Internal, "", fmt.Errorf("failed to save artifact: %w", err))
	}
	return artifact, nil
}

func (s *DesignService) callGenerator(ctx context.Context, requestID, prompt string, params map[string]any) (doc map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.Wrap(errs.Internal, DependencySpecGenerator, fmt.Errorf("panic: %v", rec))
		}
	}()
	return s.generator.Generate(ctx, requestID, prompt, params)
}

func stageOutcome(err error) string {
	if err != nil {
		return string(errs.KindOf(err))
	}
	return "ok"
}

// evaluate runs compliance and optimization concurrently. Neither goroutine
// returns an error; failures travel inside the outcomes.
func (s *DesignService) evaluate(ctx context.Context, artifact *models.DesignArtifact, overrides map[string]any) (Outcome[*models.ComplianceResult], Outcome[*models.OptimizationResult]) {
	var (
		compliance   Outcome[*models.ComplianceResult]
		optimization Outcome[*models.OptimizationResult]
	)
	constraints, _ := overrides["constraints"].(map[string]any)

	var g errgroup.Group
	g.Go(func() error {
		ctx, span := observability.StartSpan(ctx, "design.compliance")
		started := s.now()
		compliance = guard(func() Outcome[*models.ComplianceResult] {
			return s.compliance.Call(ctx, ComplianceRequest{
				ArtifactID:   artifact.ID,
				CaseID:       artifact.ID,
				Jurisdiction: artifact.Jurisdiction,
				Document:     artifact.Document,
			})
		}, DependencyCompliance)
		observability.EndSpan(span, compliance.Err)
		s.metrics.RecordStage(ctx, "compliance", string(compliance.Kind), s.now().Sub(started))
		return nil
	})
	g.Go(func() error {
		ctx, span := observability.StartSpan(ctx, "design.optimization")
		started := s.now()
		optimization = guard(func() Outcome[*models.OptimizationResult] {
			return s.optimizer.Call(ctx, OptimizationRequest{
				ArtifactID:   artifact.ID,
				Jurisdiction: artifact.Jurisdiction,
				Document:     artifact.Document,
				Constraints:  constraints,
			})
		}, DependencyOptimization)
		observability.EndSpan(span, nil)
		s.metrics.RecordStage(ctx, "optimization", string(optimization.Kind), s.now().Sub(started))
		return nil
	})
	_ = g.Wait()
	return compliance, optimization
}

// guard converts a panicking client call into an error outcome.
func guard[T any](fn func() Outcome[T], dependency string) (out Outcome[T]) {
	defer func() {
		if rec := recover(); rec != nil {
			out = Failed[T](errs.Wrap(errs.Internal, dependency, fmt.Errorf("panic: %v", rec)))
		}
	}()
	return fn()
}

func (s *DesignService) complianceStage(ctx context.Context, out Outcome[*models.ComplianceResult], log *logging.Logger) models.ComplianceStage {
	if out.Kind != OutcomeOK || out.Value == nil {
		err := out.Err
		if err == nil {
			err = errs.New(errs.Internal, "compliance returned no result")
		}
		log.Warn("compliance unavailable", "kind", errs.KindOf(err), "error", err)
		return models.ComplianceStage{
			Status:  models.StageUnavailable,
			Message: "Compliance evaluation is currently unavailable; no compliance verdict was issued. Retry later.",
			Error:   stageError(err),
		}
	}

	r := out.Value
	if err := s.results.SaveComplianceResult(ctx, r); err != nil {
		log.Error("failed to save compliance result", "result_id", r.ID, "error", err)
	}
	compliant := r.Compliant
	confidence := r.Confidence
	return models.ComplianceStage{
		Status:          models.StageOK,
		Compliant:       &compliant,
		Confidence:      &confidence,
		ConfidenceLevel: r.ConfidenceLevel,
		Violations:      r.Violations,
		Recommendations: r.Recommendations,
	}
}

func (s *DesignService) optimizationStage(ctx context.Context, out Outcome[*models.OptimizationResult], log *logging.Logger) models.OptimizationStage {
	if out.Value == nil {
		err := out.Err
		if err == nil {
			err = errs.New(errs.Internal, "optimization returned no result")
		}
		return models.OptimizationStage{Status: models.StageFailed, Error: stageError(err)}
	}

	r := out.Value
	if err := s.results.SaveOptimizationResult(ctx, r); err != nil {
		log.Error("failed to save optimization result", "result_id", r.ID, "error", err)
	}
	stage := models.OptimizationStage{Status: models.StageOK, Source: r.Source, Result: r}
	if out.Kind == OutcomeFallback {
		stage.Status = models.StageFallback
		if out.Err != nil {
			stage.Error = stageError(out.Err)
		} else {
			stage.Error = &models.StageError{Kind: string(errs.DependencyUnavailable), Dependency: DependencyOptimization, Message: out.Reason}
		}
	}
	return stage
}

func (s *DesignService) renderStage(ctx context.Context, artifact *models.DesignArtifact, optimization Outcome[*models.OptimizationResult], log *logging.Logger) (stage models.GeometryStage) {
	if s.geometry == nil {
		return models.GeometryStage{Status: models.StageSkipped}
	}
	doc := artifact.Document
	optimized := false
	if optimization.Kind == OutcomeOK && optimization.Value != nil && optimization.Value.Source == models.SourceLive && optimization.Value.OptimizedDocument != nil {
		doc = optimization.Value.OptimizedDocument
		optimized = true
	}

	ctx, span := observability.StartSpan(ctx, "design.geometry", attribute.Bool("optimized", optimized))
	started := s.now()
	var err error
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.Wrap(errs.Internal, DependencyRenderer, fmt.Errorf("panic: %v", rec))
			stage = models.GeometryStage{Status: models.StageFailed, Error: stageError(err)}
		}
		observability.EndSpan(span, err)
		s.metrics.RecordStage(ctx, "geometry", stageOutcome(err), s.now().Sub(started))
	}()

	var render *models.GeometryRender
	render, err = s.geometry.Render(ctx, artifact.ID, doc, optimized)
	if err != nil {
		log.Warn("geometry render failed", "kind", errs.KindOf(err), "error", err)
		return models.GeometryStage{Status: models.StageFailed, Error: stageError(err)}
	}
	return models.GeometryStage{Status: models.StageOK, Render: render}
}

// GetArtifact returns one artifact version.
func (s *DesignService) GetArtifact(ctx context.Context, id string) (*models.DesignArtifact, error) {
	a, err := s.artifacts.GetArtifact(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errs.New(errs.NotFound, "artifact %s not found", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "", fmt.Errorf("failed to load artifact: %w", err))
	}
	return a, nil
}

// Revise appends a new version to the lineage of artifactID. The stored
// history is never modified; the new version follows the latest one.
func (s *DesignService) Revise(ctx context.Context, artifactID string, document map[string]any, owner string) (*models.DesignArtifact, error) {
	if len(document) == 0 {
		return nil, errs.New(errs.Validation, "structured_document is required")
	}
	base, err := s.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		owner = base.Owner
	}

	for attempt := 0; attempt < maxRevisionAttempts; attempt++ {
		latest, err := s.artifacts.LatestArtifact(ctx, base.LineageID)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "", fmt.Errorf("failed to load lineage: %w", err))
		}
		next := &models.DesignArtifact{
			ID:           uuid.New().String(),
			LineageID:    base.LineageID,
			Owner:        owner,
			Prompt:       base.Prompt,
			Jurisdiction: base.Jurisdiction,
			Document:     repository.CopyDocument(document),
			Version:      latest.Version + 1,
			CreatedAt:    s.now().UTC(),
		}
		err = s.artifacts.CreateArtifact(ctx, next)
		if err == nil {
			s.logger.Info("artifact revised", "lineage_id", next.LineageID, "artifact_id", next.ID, "version", next.Version)
			return next, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, errs.Wrap(errs.Internal, "", fmt.Errorf("failed to save artifact: %w", err))
		}
	}
	return nil, errs.New(errs.Internal, "concurrent revisions of lineage %s, retry", base.LineageID)
}

// History returns every version of a lineage ordered by creation.
func (s *DesignService) History(ctx context.Context, lineageID string) ([]*models.DesignArtifact, error) {
	versions, err := s.artifacts.ListArtifactVersions(ctx, lineageID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "", fmt.Errorf("failed to list versions: %w", err))
	}
	if len(versions) == 0 {
		return nil, errs.New(errs.NotFound, "lineage %s not found", lineageID)
	}
	return versions, nil
}

// ProcessAsync validates req and runs the pipeline as a workflow run.
func (s *DesignService) ProcessAsync(ctx context.Context, req models.DesignRequest) (string, string, error) {
	if err := validateDesignRequest(&req); err != nil {
		return "", "", err
	}
	if s.tracker == nil {
		return "", "", errs.New(errs.Internal, "asynchronous processing is not configured")
	}
	params, err := toMap(req)
	if err != nil {
		return "", "", errs.Wrap(errs.Internal, "", err)
	}
	return s.tracker.Start(ctx, KindDesignRequest, params)
}

func (s *DesignService) runDesignRequest(ctx context.Context, run *models.WorkflowRun) (map[string]any, error) {
	var req models.DesignRequest
	if err := fromMap(run.Parameters, &req); err != nil {
		return nil, errs.Wrap(errs.Validation, "", err)
	}
	resp, err := s.Process(ctx, req)
	if err != nil {
		return nil, err
	}
	return toMap(resp)
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	return out, nil
}

func fromMap(m map[string]any, v any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}
