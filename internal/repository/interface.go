package repository

import (
	"context"
	"errors"

	"archflow/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write collides with an existing record,
	// e.g. a reused run_id or an artifact version that already exists.
	ErrConflict = errors.New("record already exists")
)

// ArtifactStore keeps the append-only version history of design artifacts.
type ArtifactStore interface {
	// CreateArtifact inserts a new artifact version. Existing versions are
	// never modified.
	CreateArtifact(ctx context.Context, artifact *models.DesignArtifact) error
	// GetArtifact retrieves one version by its ID.
	GetArtifact(ctx context.Context, id string) (*models.DesignArtifact, error)
	// LatestArtifact retrieves the highest version of a lineage.
	LatestArtifact(ctx context.Context, lineageID string) (*models.DesignArtifact, error)
	// ListArtifactVersions returns a lineage ordered by creation.
	ListArtifactVersions(ctx context.Context, lineageID string) ([]*models.DesignArtifact, error)
}

// FeedbackStore appends and reads rating events.
type FeedbackStore interface {
	AppendFeedback(ctx context.Context, event *models.FeedbackEvent) error
	// ListFeedback returns events matching the filter, oldest first.
	ListFeedback(ctx context.Context, filter models.AggregateFilter) ([]*models.FeedbackEvent, error)
}

// ResultStore persists stage outputs keyed by their own ID.
type ResultStore interface {
	SaveComplianceResult(ctx context.Context, result *models.ComplianceResult) error
	SaveOptimizationResult(ctx context.Context, result *models.OptimizationResult) error
	SaveGeometryRender(ctx context.Context, render *models.GeometryRender) error
}

// RunStore persists workflow run records. Runs are never deleted.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.WorkflowRun) error
	GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error)
	UpdateRun(ctx context.Context, run *models.WorkflowRun) error
	// ListRuns returns matching runs, most recently started first.
	ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.WorkflowRun, error)
}

// Repository is the full persistence surface.
type Repository interface {
	ArtifactStore
	FeedbackStore
	ResultStore
	RunStore
	Ping(ctx context.Context) error
}
