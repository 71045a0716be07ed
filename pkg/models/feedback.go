package models

import (
	"time"
)

// FeedbackEvent is one append-only rating of an artifact version
type FeedbackEvent struct {
	ID           string         `json:"id" db:"id"`
	ArtifactID   string         `json:"artifact_id" db:"artifact_id"`
	LineageID    string         `json:"lineage_id" db:"lineage_id"`
	Version      int            `json:"version" db:"version"`
	Jurisdiction string         `json:"jurisdiction" db:"jurisdiction"`
	UserID       string         `json:"user_id" db:"user_id"`
	Rating       int            `json:"rating" db:"rating"`
	Text         *string        `json:"text,omitempty" db:"text"`
	Metadata     map[string]any `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time      `json:"timestamp" db:"created_at"`
}

// FeedbackSubmission is the caller supplied part of a FeedbackEvent.
// Fields the service does not understand are kept in Extra.
type FeedbackSubmission struct {
	ArtifactID string         `json:"artifact_id"`
	UserID     string         `json:"user_id"`
	Rating     int            `json:"rating"`
	Text       *string        `json:"text,omitempty"`
	Extra      map[string]any `json:"-"`
}

// FeedbackReceipt acknowledges a stored FeedbackEvent
type FeedbackReceipt struct {
	EventID       string    `json:"event_id"`
	ArtifactID    string    `json:"artifact_id"`
	AcceptedAt    time.Time `json:"accepted_at"`
	UsablePairs   int       `json:"usable_pairs"`
	TrainingReady bool      `json:"training_ready"`
}

// AggregateFilter scopes a feedback aggregation. Zero values mean unbounded.
type AggregateFilter struct {
	Since        *time.Time `json:"since,omitempty"`
	Until        *time.Time `json:"until,omitempty"`
	Jurisdiction string     `json:"jurisdiction,omitempty"`
}

// FeedbackSummary aggregates ratings within a filter
type FeedbackSummary struct {
	Count        int         `json:"count"`
	MeanRating   float64     `json:"mean_rating"`
	Distribution map[int]int `json:"distribution"`
	Since        *time.Time  `json:"since,omitempty"`
	Until        *time.Time  `json:"until,omitempty"`
	Jurisdiction string      `json:"jurisdiction,omitempty"`
}

// PreferenceSide is one artifact version inside a training pair
type PreferenceSide struct {
	ArtifactID string         `json:"artifact_id"`
	Version    int            `json:"version"`
	Rating     int            `json:"rating"`
	Document   map[string]any `json:"structured_document"`
}

// TrainingCorpusEntry pairs two distinct artifact versions with a preference
type TrainingCorpusEntry struct {
	LineageID    string         `json:"lineage_id"`
	Prompt       string         `json:"prompt"`
	Jurisdiction string         `json:"jurisdiction"`
	Chosen       PreferenceSide `json:"chosen"`
	Rejected     PreferenceSide `json:"rejected"`
	Margin       int            `json:"margin"`
}

// TrainingCorpus is the optimizer retraining input
type TrainingCorpus struct {
	GeneratedAt time.Time             `json:"generated_at"`
	PairCount   int                   `json:"pair_count"`
	Entries     []TrainingCorpusEntry `json:"entries"`
}
