package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"archflow/backend/internal/errs"
	"archflow/backend/internal/repository"
	"archflow/backend/pkg/models"

	"github.com/google/uuid"
)

// OptimizationClient calls the design optimization service. Optimization is
// advisory, so every failure degrades to a tagged fallback result that leaves
// the input document unchanged.
type OptimizationClient struct {
	t   *transport
	now func() time.Time
}

// NewOptimizationClient creates a new OptimizationClient.
func NewOptimizationClient(baseURL string, topts TransportOptions, deps Deps) *OptimizationClient {
	return &OptimizationClient{
		t:   newTransport(DependencyOptimization, baseURL, topts, deps),
		now: time.Now,
	}
}

// Name returns the dependency name.
func (c *OptimizationClient) Name() string { return DependencyOptimization }

// CheckHealth probes the optimization service.
func (c *OptimizationClient) CheckHealth(ctx context.Context) models.ServiceStatus {
	return c.t.checkHealth(ctx)
}

type optimizationWireRequest struct {
	StructuredDocument map[string]any `json:"structured_document"`
	Jurisdiction       string         `json:"jurisdiction"`
	Constraints        map[string]any `json:"constraints"`
}

type optimizationWireResponse struct {
	SuggestedChanges  *[]models.SuggestedChange `json:"suggested_changes"`
	Metrics           map[string]float64        `json:"metrics"`
	OptimizedDocument map[string]any            `json:"optimized_document"`
}

// Call asks for optimizations. The result is OutcomeOK or OutcomeFallback.
func (c *OptimizationClient) Call(ctx context.Context, req OptimizationRequest) Outcome[*models.OptimizationResult] {
	if !c.t.shouldUseLive() {
		return c.fallback(ctx, req, &errs.Error{
			Kind:       errs.DependencyUnavailable,
			Dependency: DependencyOptimization,
			Detail:     "marked unavailable by health registry",
		})
	}

	constraints := req.Constraints
	if constraints == nil {
		constraints = map[string]any{}
	}
	var wire optimizationWireResponse
	_, err := c.t.do(ctx, call{
		method:        http.MethodPost,
		path:          "/optimize",
		correlationID: req.ArtifactID,
		body: optimizationWireRequest{
			StructuredDocument: req.Document,
			Jurisdiction:       req.Jurisdiction,
			Constraints:        constraints,
		},
		out: &wire,
		validate: func() error {
			if wire.SuggestedChanges == nil && wire.Metrics == nil {
				return errors.New("response has neither suggested_changes nor metrics")
			}
			return nil
		},
	})
	if err != nil {
		return c.fallback(ctx, req, err)
	}

	changes := make([]models.SuggestedChange, 0)
	if wire.SuggestedChanges != nil {
		changes = *wire.SuggestedChanges
	}
	metrics := wire.Metrics
	if metrics == nil {
		metrics = map[string]float64{}
	}
	optimized := wire.OptimizedDocument
	if optimized == nil {
		optimized = applyChanges(req.Document, changes)
	}

	return Ok(&models.OptimizationResult{
		ID:                uuid.New().String(),
		ArtifactID:        req.ArtifactID,
		Source:            models.SourceLive,
		Metrics:           metrics,
		SuggestedChanges:  changes,
		OptimizedDocument: optimized,
		CreatedAt:         c.now().UTC(),
	})
}

func (c *OptimizationClient) fallback(ctx context.Context, req OptimizationRequest, cause error) Outcome[*models.OptimizationResult] {
	reason := cause.Error()
	c.t.deps.Metrics.RecordFallback(ctx, DependencyOptimization)
	c.t.deps.Logger.Warn("using optimization fallback",
		"dependency", DependencyOptimization,
		"correlation_id", req.ArtifactID,
		"reason", reason,
	)
	out := Fallback(&models.OptimizationResult{
		ID:                uuid.New().String(),
		ArtifactID:        req.ArtifactID,
		Source:            models.SourceFallback,
		Metrics:           map[string]float64{},
		SuggestedChanges:  []models.SuggestedChange{},
		OptimizedDocument: repository.CopyDocument(req.Document),
		FallbackReason:    reason,
		CreatedAt:         c.now().UTC(),
	}, reason)
	out.Err = cause
	return out
}

// TrainingSubmission acknowledges a retraining corpus upload.
type TrainingSubmission struct {
	JobID    string `json:"job_id"`
	Accepted int    `json:"accepted"`
}

// SubmitTraining uploads a retraining corpus. Unlike Call this is strict: a
// failed upload is an error, never a fallback.
func (c *OptimizationClient) SubmitTraining(ctx context.Context, runID string, corpus *models.TrainingCorpus) (*TrainingSubmission, error) {
	var sub TrainingSubmission
	_, err := c.t.do(ctx, call{
		method:        http.MethodPost,
		path:          "/retrain",
		correlationID: runID,
		body:          corpus,
		out:           &sub,
		validate: func() error {
			if sub.JobID == "" {
				return errors.New("retrain response has no job_id")
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// applyChanges sets each suggested top-level field on a copy of doc.
func applyChanges(doc map[string]any, changes []models.SuggestedChange) map[string]any {
	out := repository.CopyDocument(doc)
	if out == nil {
		out = map[string]any{}
	}
	for _, ch := range changes {
		if ch.Field != "" && ch.To != nil {
			out[ch.Field] = ch.To
		}
	}
	return out
}
