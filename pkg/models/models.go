// Package models defines the domain models for the design orchestration service
package models

import (
	"time"
)

// ServiceStatus represents the cached availability of an external dependency
type ServiceStatus string

const (
	StatusHealthy   ServiceStatus = "healthy"
	StatusDegraded  ServiceStatus = "degraded"
	StatusUnhealthy ServiceStatus = "unhealthy"
	StatusUnknown   ServiceStatus = "unknown"
)

// ServiceEndpoint represents one external dependency tracked by the health registry
type ServiceEndpoint struct {
	Name          string        `json:"name"`
	BaseURL       string        `json:"base_url"`
	HealthPath    string        `json:"-"`
	Timeout       time.Duration `json:"-"`
	Status        ServiceStatus `json:"status"`
	LastCheckedAt time.Time     `json:"last_checked_at"`
	LastFailureAt time.Time     `json:"last_failure_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

// DesignArtifact is one immutable version of a structured design document.
// Versions of the same design share a LineageID.
type DesignArtifact struct {
	ID           string         `json:"id" db:"id"`
	LineageID    string         `json:"lineage_id" db:"lineage_id"`
	Owner        string         `json:"owner" db:"owner"`
	Prompt       string         `json:"prompt" db:"prompt"`
	Jurisdiction string         `json:"jurisdiction" db:"jurisdiction"`
	Document     map[string]any `json:"structured_document" db:"document"`
	Version      int            `json:"version" db:"version"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// Severity classifies a compliance violation
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// ConfidenceLevel buckets a numeric compliance confidence
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "High"
	ConfidenceMedium ConfidenceLevel = "Medium"
	ConfidenceLow    ConfidenceLevel = "Low"
)

// Violation is one rule the artifact fails
type Violation struct {
	RuleID      string   `json:"rule_id"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Authority   string   `json:"authority,omitempty"`
}

// ComplianceResult is only ever produced from a real compliance evaluation.
type ComplianceResult struct {
	ID              string          `json:"id" db:"id"`
	ArtifactID      string          `json:"artifact_id" db:"artifact_id"`
	CaseID          string          `json:"case_id" db:"case_id"`
	Compliant       bool            `json:"compliant" db:"compliant"`
	Confidence      float64         `json:"confidence" db:"confidence"`
	ConfidenceLevel ConfidenceLevel `json:"confidence_level" db:"confidence_level"`
	Violations      []Violation     `json:"violations" db:"violations"`
	Recommendations []string        `json:"recommendations" db:"recommendations"`
	RulesApplied    []string        `json:"rules_applied,omitempty" db:"rules_applied"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// ResultSource tags where an optimization result came from
type ResultSource string

const (
	SourceLive     ResultSource = "live"
	SourceFallback ResultSource = "fallback"
)

// SuggestedChange is one optimizer proposal
type SuggestedChange struct {
	Field     string `json:"field"`
	From      any    `json:"from,omitempty"`
	To        any    `json:"to,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// OptimizationResult is always present after an optimization attempt
type OptimizationResult struct {
	ID                string             `json:"id" db:"id"`
	ArtifactID        string             `json:"artifact_id" db:"artifact_id"`
	Source            ResultSource       `json:"source" db:"source"`
	Metrics           map[string]float64 `json:"metrics" db:"metrics"`
	SuggestedChanges  []SuggestedChange  `json:"suggested_changes" db:"suggested_changes"`
	OptimizedDocument map[string]any     `json:"optimized_document,omitempty" db:"optimized_document"`
	FallbackReason    string             `json:"fallback_reason,omitempty" db:"fallback_reason"`
	CreatedAt         time.Time          `json:"created_at" db:"created_at"`
}

// GeometryRender references a rendered model blob held in object storage
type GeometryRender struct {
	ID          string    `json:"id" db:"id"`
	ArtifactID  string    `json:"artifact_id" db:"artifact_id"`
	URL         string    `json:"url" db:"url"`
	ContentType string    `json:"content_type" db:"content_type"`
	SizeBytes   int64     `json:"size_bytes" db:"size_bytes"`
	Optimized   bool      `json:"optimized" db:"optimized"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Kind     string `json:"kind,omitempty"`
}
