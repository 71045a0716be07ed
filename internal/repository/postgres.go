package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"archflow/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a PostgreSQL implementation of the Repository interface.
// Every method is a single-record statement; no cross-record transactions.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func translate(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case "22P02":
			// invalid_text_representation: a key that cannot be a UUID
			// cannot name a stored record.
			return ErrNotFound
		}
	}
	return err
}

// validID reports whether id can be a primary or lineage key. Callers pass
// ids straight from requests; pgx rejects non-UUID strings before they reach
// the server, so they are treated as absent here.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

const artifactColumns = "id, lineage_id, owner, prompt, jurisdiction, document, version, created_at"

func scanArtifact(row pgx.Row) (*models.DesignArtifact, error) {
	var a models.DesignArtifact
	if err := row.Scan(&a.ID, &a.LineageID, &a.Owner, &a.Prompt, &a.Jurisdiction, &a.Document, &a.Version, &a.CreatedAt); err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

// CreateArtifact inserts a new artifact version.
func (s *PostgresStore) CreateArtifact(ctx context.Context, a *models.DesignArtifact) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO design_artifacts ("+artifactColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		a.ID, a.LineageID, a.Owner, a.Prompt, a.Jurisdiction, a.Document, a.Version, a.CreatedAt)
	return translate(err)
}

// GetArtifact retrieves one artifact version by ID.
func (s *PostgresStore) GetArtifact(ctx context.Context, id string) (*models.DesignArtifact, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	return scanArtifact(s.db.QueryRow(ctx, "SELECT "+artifactColumns+" FROM design_artifacts WHERE id = $1", id))
}

// LatestArtifact retrieves the highest version of a lineage.
func (s *PostgresStore) LatestArtifact(ctx context.Context, lineageID string) (*models.DesignArtifact, error) {
	if !validID(lineageID) {
		return nil, ErrNotFound
	}
	return scanArtifact(s.db.QueryRow(ctx,
		"SELECT "+artifactColumns+" FROM design_artifacts WHERE lineage_id = $1 ORDER BY version DESC LIMIT 1", lineageID))
}

// ListArtifactVersions returns every version of a lineage ordered by creation.
func (s *PostgresStore) ListArtifactVersions(ctx context.Context, lineageID string) ([]*models.DesignArtifact, error) {
	if !validID(lineageID) {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		"SELECT "+artifactColumns+" FROM design_artifacts WHERE lineage_id = $1 ORDER BY created_at, version", lineageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*models.DesignArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// AppendFeedback inserts a feedback event.
func (s *PostgresStore) AppendFeedback(ctx context.Context, e *models.FeedbackEvent) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO feedback_events (id, artifact_id, lineage_id, version, jurisdiction, user_id, rating, text, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.ArtifactID, e.LineageID, e.Version, e.Jurisdiction, e.UserID, e.Rating, e.Text, e.Metadata, e.CreatedAt)
	return translate(err)
}

// ListFeedback returns events matching the filter, oldest first.
func (s *PostgresStore) ListFeedback(ctx context.Context, filter models.AggregateFilter) ([]*models.FeedbackEvent, error) {
	var (
		where []string
		args  []any
	)
	if filter.Since != nil {
		args = append(args, *filter.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if filter.Jurisdiction != "" {
		args = append(args, filter.Jurisdiction)
		where = append(where, fmt.Sprintf("lower(jurisdiction) = lower($%d)", len(args)))
	}

	query := "SELECT id, artifact_id, lineage_id, version, jurisdiction, user_id, rating, text, metadata, created_at FROM feedback_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.FeedbackEvent
	for rows.Next() {
		var e models.FeedbackEvent
		if err := rows.Scan(&e.ID, &e.ArtifactID, &e.LineageID, &e.Version, &e.Jurisdiction, &e.UserID, &e.Rating, &e.Text, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// SaveComplianceResult persists a real compliance evaluation.
func (s *PostgresStore) SaveComplianceResult(ctx context.Context, r *models.ComplianceResult) error {
	violations, recommendations := r.Violations, r.Recommendations
	if violations == nil {
		violations = []models.Violation{}
	}
	if recommendations == nil {
		recommendations = []string{}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO compliance_results (id, artifact_id, case_id, compliant, confidence, confidence_level, violations, recommendations, rules_applied, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.ArtifactID, r.CaseID, r.Compliant, r.Confidence, string(r.ConfidenceLevel), violations, recommendations, r.RulesApplied, r.CreatedAt)
	return translate(err)
}

// SaveOptimizationResult persists a live or fallback optimization result.
func (s *PostgresStore) SaveOptimizationResult(ctx context.Context, r *models.OptimizationResult) error {
	metrics, changes := r.Metrics, r.SuggestedChanges
	if metrics == nil {
		metrics = map[string]float64{}
	}
	if changes == nil {
		changes = []models.SuggestedChange{}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO optimization_results (id, artifact_id, source, metrics, suggested_changes, optimized_document, fallback_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.ArtifactID, string(r.Source), metrics, changes, r.OptimizedDocument, r.FallbackReason, r.CreatedAt)
	return translate(err)
}

// SaveGeometryRender persists the reference to a stored render blob.
func (s *PostgresStore) SaveGeometryRender(ctx context.Context, r *models.GeometryRender) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO geometry_renders (id, artifact_id, url, content_type, size_bytes, optimized, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.ArtifactID, r.URL, r.ContentType, r.SizeBytes, r.Optimized, r.CreatedAt)
	return translate(err)
}

const runColumns = "run_id, workflow_id, kind, status, backend, engine_run_id, parameters, result, error, started_at, completed_at, duration_ms"

func scanRun(row pgx.Row) (*models.WorkflowRun, error) {
	var (
		r           models.WorkflowRun
		engineRunID *string
	)
	if err := row.Scan(&r.RunID, &r.WorkflowID, &r.Kind, &r.Status, &r.Backend, &engineRunID,
		&r.Parameters, &r.Result, &r.Error, &r.StartedAt, &r.CompletedAt, &r.DurationMs); err != nil {
		return nil, translate(err)
	}
	if engineRunID != nil {
		r.EngineRunID = *engineRunID
	}
	return &r, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateRun inserts a run. A reused run_id yields ErrConflict.
func (s *PostgresStore) CreateRun(ctx context.Context, r *models.WorkflowRun) error {
	params := r.Parameters
	if params == nil {
		params = map[string]any{}
	}
	_, err := s.db.Exec(ctx,
		"INSERT INTO workflow_runs ("+runColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)",
		r.RunID, r.WorkflowID, r.Kind, string(r.Status), string(r.Backend), nullable(r.EngineRunID),
		params, r.Result, r.Error, r.StartedAt, r.CompletedAt, r.DurationMs)
	return translate(err)
}

// GetRun retrieves a run by run_id.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	if !validID(runID) {
		return nil, ErrNotFound
	}
	return scanRun(s.db.QueryRow(ctx, "SELECT "+runColumns+" FROM workflow_runs WHERE run_id = $1", runID))
}

// UpdateRun overwrites the mutable fields of a run.
func (s *PostgresStore) UpdateRun(ctx context.Context, r *models.WorkflowRun) error {
	if !validID(r.RunID) {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE workflow_runs SET status = $1, backend = $2, engine_run_id = $3, result = $4, error = $5, completed_at = $6, duration_ms = $7
		 WHERE run_id = $8`,
		string(r.Status), string(r.Backend), nullable(r.EngineRunID), r.Result, r.Error, r.CompletedAt, r.DurationMs, r.RunID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns returns matching runs, most recently started first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.WorkflowRun, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		where = append(where, fmt.Sprintf("started_at >= $%d", len(args)))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		where = append(where, fmt.Sprintf("started_at < $%d", len(args)))
	}

	query := "SELECT " + runColumns + " FROM workflow_runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
