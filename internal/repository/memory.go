package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"archflow/backend/pkg/models"
)

// MemoryStore is an in-process Repository used by tests and by the server's
// memory mode. Records are copied on the way in and out so callers cannot
// mutate stored history.
type MemoryStore struct {
	mu           sync.RWMutex
	artifacts    map[string]*models.DesignArtifact
	lineages     map[string][]string
	feedback     []*models.FeedbackEvent
	compliance   map[string]*models.ComplianceResult
	optimization map[string]*models.OptimizationResult
	renders      map[string]*models.GeometryRender
	runs         map[string]*models.WorkflowRun
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts:    make(map[string]*models.DesignArtifact),
		lineages:     make(map[string][]string),
		compliance:   make(map[string]*models.ComplianceResult),
		optimization: make(map[string]*models.OptimizationResult),
		renders:      make(map[string]*models.GeometryRender),
		runs:         make(map[string]*models.WorkflowRun),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

func copyArtifact(a *models.DesignArtifact) *models.DesignArtifact {
	c := *a
	c.Document = CopyDocument(a.Document)
	return &c
}

// CreateArtifact inserts a new artifact version.
func (s *MemoryStore) CreateArtifact(_ context.Context, a *models.DesignArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[a.ID]; ok {
		return ErrConflict
	}
	for _, id := range s.lineages[a.LineageID] {
		if s.artifacts[id].Version == a.Version {
			return ErrConflict
		}
	}
	s.artifacts[a.ID] = copyArtifact(a)
	s.lineages[a.LineageID] = append(s.lineages[a.LineageID], a.ID)
	return nil
}

// GetArtifact retrieves one artifact version by ID.
func (s *MemoryStore) GetArtifact(_ context.Context, id string) (*models.DesignArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyArtifact(a), nil
}

// LatestArtifact retrieves the highest version of a lineage.
func (s *MemoryStore) LatestArtifact(_ context.Context, lineageID string) (*models.DesignArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.DesignArtifact
	for _, id := range s.lineages[lineageID] {
		if a := s.artifacts[id]; latest == nil || a.Version > latest.Version {
			latest = a
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copyArtifact(latest), nil
}

// ListArtifactVersions returns every version of a lineage ordered by creation.
func (s *MemoryStore) ListArtifactVersions(_ context.Context, lineageID string) ([]*models.DesignArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.DesignArtifact, 0, len(s.lineages[lineageID]))
	for _, id := range s.lineages[lineageID] {
		out = append(out, copyArtifact(s.artifacts[id]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Version < out[j].Version
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AppendFeedback inserts a feedback event.
func (s *MemoryStore) AppendFeedback(_ context.Context, e *models.FeedbackEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.feedback {
		if existing.ID == e.ID {
			return ErrConflict
		}
	}
	c := *e
	c.Metadata = CopyDocument(e.Metadata)
	s.feedback = append(s.feedback, &c)
	return nil
}

// ListFeedback returns events matching the filter, oldest first.
func (s *MemoryStore) ListFeedback(_ context.Context, filter models.AggregateFilter) ([]*models.FeedbackEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.FeedbackEvent
	for _, e := range s.feedback {
		if filter.Since != nil && e.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !e.CreatedAt.Before(*filter.Until) {
			continue
		}
		if filter.Jurisdiction != "" && !strings.EqualFold(filter.Jurisdiction, e.Jurisdiction) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveComplianceResult persists a real compliance evaluation.
func (s *MemoryStore) SaveComplianceResult(_ context.Context, r *models.ComplianceResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[r.ArtifactID]; !ok {
		return ErrNotFound
	}
	c := *r
	s.compliance[r.ID] = &c
	return nil
}

// SaveOptimizationResult persists a live or fallback optimization result.
func (s *MemoryStore) SaveOptimizationResult(_ context.Context, r *models.OptimizationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[r.ArtifactID]; !ok {
		return ErrNotFound
	}
	c := *r
	s.optimization[r.ID] = &c
	return nil
}

// SaveGeometryRender persists the reference to a stored render blob.
func (s *MemoryStore) SaveGeometryRender(_ context.Context, r *models.GeometryRender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[r.ArtifactID]; !ok {
		return ErrNotFound
	}
	c := *r
	s.renders[r.ID] = &c
	return nil
}

// ComplianceResults returns stored compliance results for an artifact.
func (s *MemoryStore) ComplianceResults(artifactID string) []*models.ComplianceResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ComplianceResult
	for _, r := range s.compliance {
		if r.ArtifactID == artifactID {
			c := *r
			out = append(out, &c)
		}
	}
	return out
}

// OptimizationResults returns stored optimization results for an artifact.
func (s *MemoryStore) OptimizationResults(artifactID string) []*models.OptimizationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.OptimizationResult
	for _, r := range s.optimization {
		if r.ArtifactID == artifactID {
			c := *r
			out = append(out, &c)
		}
	}
	return out
}

func copyRun(r *models.WorkflowRun) *models.WorkflowRun {
	c := *r
	c.Parameters = CopyDocument(r.Parameters)
	c.Result = CopyDocument(r.Result)
	return &c
}

// CreateRun inserts a run. A reused run_id yields ErrConflict.
func (s *MemoryStore) CreateRun(_ context.Context, r *models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.RunID]; ok {
		return ErrConflict
	}
	s.runs[r.RunID] = copyRun(r)
	return nil
}

// GetRun retrieves a run by run_id.
func (s *MemoryStore) GetRun(_ context.Context, runID string) (*models.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(r), nil
}

// UpdateRun overwrites a stored run.
func (s *MemoryStore) UpdateRun(_ context.Context, r *models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.RunID]; !ok {
		return ErrNotFound
	}
	s.runs[r.RunID] = copyRun(r)
	return nil
}

// ListRuns returns matching runs, most recently started first.
func (s *MemoryStore) ListRuns(_ context.Context, filter models.RunFilter) ([]*models.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WorkflowRun
	for _, r := range s.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		if filter.Since != nil && r.StartedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !r.StartedAt.Before(*filter.Until) {
			continue
		}
		out = append(out, copyRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CopyDocument deep-copies a JSON-like document.
func CopyDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CopyDocument(t)
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = copyValue(e)
		}
		return c
	default:
		return v
	}
}
