package services

import (
	"context"

	"archflow/backend/pkg/models"
)

// Dependency names used for the health registry, logs and metrics.
const (
	DependencyCompliance     = "compliance"
	DependencyOptimization   = "optimization"
	DependencySpecGenerator  = "spec_generator"
	DependencyRenderer       = "renderer"
	DependencyWorkflowEngine = "workflow_engine"
)

// OutcomeKind tags how a remote call ended.
type OutcomeKind string

const (
	OutcomeOK       OutcomeKind = "ok"
	OutcomeFallback OutcomeKind = "fallback"
	OutcomeError    OutcomeKind = "error"
)

// Outcome is the tagged result of a ServiceClient call. Callers switch on
// Kind rather than inspecting the value for magic markers. Err is set for
// OutcomeError and carries the cause of an OutcomeFallback.
type Outcome[T any] struct {
	Kind   OutcomeKind
	Value  T
	Reason string
	Err    error
}

// Ok wraps a live value.
func Ok[T any](v T) Outcome[T] { return Outcome[T]{Kind: OutcomeOK, Value: v} }

// Fallback wraps a locally synthesized value and why it was needed.
func Fallback[T any](v T, reason string) Outcome[T] {
	return Outcome[T]{Kind: OutcomeFallback, Value: v, Reason: reason}
}

// Failed wraps an error; Value is the zero value.
func Failed[T any](err error) Outcome[T] { return Outcome[T]{Kind: OutcomeError, Err: err} }

// ServiceClient is the capability every resilient dependency client offers.
type ServiceClient[Req, Res any] interface {
	Name() string
	CheckHealth(ctx context.Context) models.ServiceStatus
	Call(ctx context.Context, req Req) Outcome[Res]
}

// ComplianceRequest asks for a regulatory evaluation of one artifact.
type ComplianceRequest struct {
	ArtifactID   string
	CaseID       string
	Jurisdiction string
	Document     map[string]any
}

// OptimizationRequest asks for design improvements for one artifact.
type OptimizationRequest struct {
	ArtifactID   string
	Jurisdiction string
	Document     map[string]any
	Constraints  map[string]any
}

// ComplianceChecker never returns OutcomeFallback.
type ComplianceChecker = ServiceClient[ComplianceRequest, *models.ComplianceResult]

// Optimizer never returns OutcomeError.
type Optimizer = ServiceClient[OptimizationRequest, *models.OptimizationResult]

// SpecGenerator turns a prompt into a structured design document. requestID
// correlates the call before any artifact exists.
type SpecGenerator interface {
	Generate(ctx context.Context, requestID, prompt string, params map[string]any) (map[string]any, error)
}

// GeometryRenderer produces a binary model for a structured document.
type GeometryRenderer interface {
	Render(ctx context.Context, artifactID string, document map[string]any) ([]byte, string, error)
}
