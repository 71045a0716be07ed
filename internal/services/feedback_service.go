package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"archflow/backend/internal/errs"
	"archflow/backend/internal/logging"
	"archflow/backend/internal/repository"
	"archflow/backend/pkg/models"

	"github.com/google/uuid"
)

// FeedbackOptions bound ratings and set the retraining trigger.
type FeedbackOptions struct {
	RatingMin     int
	RatingMax     int
	PairThreshold int
}

func (o *FeedbackOptions) setDefaults() {
	if o.RatingMin == 0 && o.RatingMax == 0 {
		o.RatingMin, o.RatingMax = 1, 5
	}
	if o.PairThreshold <= 0 {
		o.PairThreshold = 10
	}
}

// TrainingSubmitter accepts a retraining corpus.
type TrainingSubmitter interface {
	SubmitTraining(ctx context.Context, runID string, corpus *models.TrainingCorpus) (*TrainingSubmission, error)
}

// FeedbackService records ratings, aggregates them and derives the
// preference pairs used to retrain the optimizer.
type FeedbackService struct {
	events    repository.FeedbackStore
	artifacts repository.ArtifactStore
	opts      FeedbackOptions
	tracker   *WorkflowTracker
	trainer   TrainingSubmitter
	logger    *logging.Logger
	now       func() time.Time
}

// NewFeedbackService creates a new FeedbackService. tracker and trainer may
// be nil, which disables TriggerTraining.
func NewFeedbackService(events repository.FeedbackStore, artifacts repository.ArtifactStore, opts FeedbackOptions, tracker *WorkflowTracker, trainer TrainingSubmitter, logger *logging.Logger) *FeedbackService {
	opts.setDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	s := &FeedbackService{
		events:    events,
		artifacts: artifacts,
		opts:      opts,
		tracker:   tracker,
		trainer:   trainer,
		logger:    logger.With("component", "feedback"),
		now:       time.Now,
	}
	if tracker != nil && trainer != nil {
		tracker.RegisterHandler(KindOptimizerRetraining, s.runRetraining)
	}
	return s
}

// Submit validates and appends one rating.
func (s *FeedbackService) Submit(ctx context.Context, sub models.FeedbackSubmission) (*models.FeedbackReceipt, error) {
	sub.ArtifactID = strings.TrimSpace(sub.ArtifactID)
	sub.UserID = strings.TrimSpace(sub.UserID)
	if sub.ArtifactID == "" {
		return nil, errs.New(errs.Validation, "artifact_id is required")
	}
	if sub.UserID == "" {
		return nil, errs.New(errs.Validation, "user_id is required")
	}
	if sub.Rating < s.opts.RatingMin || sub.Rating > s.opts.RatingMax {
		return nil, errs.New(errs.Validation, "rating %d outside [%d, %d]", sub.Rating, s.opts.RatingMin, s.opts.RatingMax)
	}

	artifact, err := s.artifacts.GetArtifact(ctx, sub.ArtifactID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errs.New(errs.Validation, "artifact %s does not exist", sub.ArtifactID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "", fmt.Errorf("failed to resolve artifact: %w", err))
	}

	event := &models.FeedbackEvent{
		ID:           uuid.New().String(),
		ArtifactID:   artifact.ID,
		LineageID:    artifact.LineageID,
		Version:      artifact.Version,
		Jurisdiction: artifact.Jurisdiction,
		UserID:       sub.UserID,
		Rating:       sub.Rating,
		Text:         sub.Text,
		Metadata:     sub.Extra,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.events.AppendFeedback(ctx, event); err != nil {
		return nil, errs.Wrap(errs.Internal, "", fmt.Errorf("failed to store feedback: %w", err))
	}

	pairs, err := s.preferencePairs(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info("feedback recorded",
		"event_id", event.ID,
		"artifact_id", event.ArtifactID,
		"rating", event.Rating,
		"usable_pairs", len(pairs),
	)
	return &models.FeedbackReceipt{
		EventID:       event.ID,
		ArtifactID:    event.ArtifactID,
		AcceptedAt:    event.CreatedAt,
		UsablePairs:   len(pairs),
		TrainingReady: len(pairs) >= s.opts.PairThreshold,
	}, nil
}

// Aggregate summarizes ratings within filter. An empty scope yields a
// zeroed summary, not an error.
func (s *FeedbackService) Aggregate(ctx context.Context, filter models.AggregateFilter) (*models.FeedbackSummary, error) {
	if filter.Since != nil && filter.Until != nil && filter.Until.Before(*filter.Since) {
		return nil, errs.New(errs.Validation, "until must not be before since")
	}
	events, err := s.events.ListFeedback(ctx, filter)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "", fmt.Errorf("failed to list feedback: %w", err))
	}

	summary := &models.FeedbackSummary{
		Distribution: make(map[int]int, s.opts.RatingMax-s.opts.RatingMin+1),
		Since:        filter.Since,
		Until:        filter.Until,
		Jurisdiction: filter.Jurisdiction,
	}
	for r := s.opts.RatingMin; r <= s.opts.RatingMax; r++ {
		summary.Distribution[r] = 0
	}
	total := 0
	for _, e := range events {
		summary.Count++
		summary.Distribution[e.Rating]++
		total += e.Rating
	}
	if summary.Count > 0 {
		summary.MeanRating = float64(total) / float64(summary.Count)
	}
	return summary, nil
}

// preferencePair is one usable comparison between adjacent versions.
type preferencePair struct {
	lineageID string
	chosen    *models.FeedbackEvent
	rejected  *models.FeedbackEvent
}

// preferencePairs derives pairs from all feedback. Within a lineage only
// the latest rating of each version counts; adjacent rated versions with
// different ratings form one pair.
func (s *FeedbackService) preferencePairs(ctx context.Context) ([]preferencePair, error) {
	events, err := s.events.ListFeedback(ctx, models.AggregateFilter{})
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "", fmt.Errorf("failed to list feedback: %w", err))
	}
	return derivePairs(events), nil
}

func derivePairs(events []*models.FeedbackEvent) []preferencePair {
	latest := make(map[string]map[int]*models.FeedbackEvent)
	for _, e := range events {
		versions, ok := latest[e.LineageID]
		if !ok {
			versions = make(map[int]*models.FeedbackEvent)
			latest[e.LineageID] = versions
		}
		if prev, ok := versions[e.Version]; !ok || !e.CreatedAt.Before(prev.CreatedAt) {
			versions[e.Version] = e
		}
	}

	lineages := make([]string, 0, len(latest))
	for id := range latest {
		lineages = append(lineages, id)
	}
	sort.Strings(lineages)

	var pairs []preferencePair
	for _, id := range lineages {
		rated := make([]*models.FeedbackEvent, 0, len(latest[id]))
		for _, e := range latest[id] {
			rated = append(rated, e)
		}
		sort.Slice(rated, func(i, j int) bool { return rated[i].Version < rated[j].Version })
		for i := 1; i < len(rated); i++ {
			a, b := rated[i-1], rated[i]
			if a.Rating == b.Rating || a.ArtifactID == b.ArtifactID {
				continue
			}
			p := preferencePair{lineageID: id, chosen: b, rejected: a}
			if a.Rating > b.Rating {
				p.chosen, p.rejected = a, b
			}
			pairs = append(pairs, p)
		}
	}
	return pairs
}

// UsablePairCount returns the number of preference pairs available.
func (s *FeedbackService) UsablePairCount(ctx context.Context) (int, error) {
	pairs, err := s.preferencePairs(ctx)
	if err != nil {
		return 0, err
	}
	return len(pairs), nil
}

// PairThreshold returns the configured retraining trigger.
func (s *FeedbackService) PairThreshold() int { return s.opts.PairThreshold }

// ShouldTriggerTraining reports whether enough pairs exist to retrain.
func (s *FeedbackService) ShouldTriggerTraining(ctx context.Context) (bool, error) {
	n, err := s.UsablePairCount(ctx)
	if err != nil {
		return false, err
	}
	return n >= s.opts.PairThreshold, nil
}

// BuildTrainingDataset assembles the retraining corpus. Pairs whose
// artifacts no longer resolve are dropped before the threshold check.
func (s *FeedbackService) BuildTrainingDataset(ctx context.Context) (*models.TrainingCorpus, error) {
	pairs, err := s.preferencePairs(ctx)
	if err != nil {
		return nil, err
	}
	if len(pairs) < s.opts.PairThreshold {
		return nil, s.insufficient(len(pairs))
	}

	entries := make([]models.TrainingCorpusEntry, 0, len(pairs))
	for _, p := range pairs {
		chosen, cErr := s.artifacts.GetArtifact(ctx, p.chosen.ArtifactID)
		rejected, rErr := s.artifacts.GetArtifact(ctx, p.rejected.ArtifactID)
		if cErr != nil || rErr != nil {
			s.logger.Warn("dropping unresolvable preference pair",
				"lineage_id", p.lineageID,
				"chosen", p.chosen.ArtifactID,
				"rejected", p.rejected.ArtifactID,
			)
			continue
		}
		entries = append(entries, models.TrainingCorpusEntry{
			LineageID:    p.lineageID,
			Prompt:       chosen.Prompt,
			Jurisdiction: chosen.Jurisdiction,
			Chosen:       side(chosen, p.chosen.Rating),
			Rejected:     side(rejected, p.rejected.Rating),
			Margin:       p.chosen.Rating - p.rejected.Rating,
		})
	}
	if len(entries) < s.opts.PairThreshold {
		return nil, s.insufficient(len(entries))
	}
	return &models.TrainingCorpus{
		GeneratedAt: s.now().UTC(),
		PairCount:   len(entries),
		Entries:     entries,
	}, nil
}

func (s *FeedbackService) insufficient(have int) error {
	return errs.New(errs.InsufficientTrainingData, "have %d usable preference pairs, need %d", have, s.opts.PairThreshold)
}

func side(a *models.DesignArtifact, rating int) models.PreferenceSide {
	return models.PreferenceSide{
		ArtifactID: a.ID,
		Version:    a.Version,
		Rating:     rating,
		Document:   a.Document,
	}
}

// TriggerTraining starts an optimizer retraining run when enough pairs
// exist.
func (s *FeedbackService) TriggerTraining(ctx context.Context) (string, string, error) {
	if s.tracker == nil || s.trainer == nil {
		return "", "", errs.New(errs.Internal, "retraining is not configured")
	}
	n, err := s.UsablePairCount(ctx)
	if err != nil {
		return "", "", err
	}
	if n < s.opts.PairThreshold {
		return "", "", s.insufficient(n)
	}
	return s.tracker.Start(ctx, KindOptimizerRetraining, map[string]any{
		"usable_pairs": n,
		"threshold":    s.opts.PairThreshold,
	})
}

func (s *FeedbackService) runRetraining(ctx context.Context, run *models.WorkflowRun) (map[string]any, error) {
	corpus, err := s.BuildTrainingDataset(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := s.trainer.SubmitTraining(ctx, run.RunID, corpus)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"job_id":     sub.JobID,
		"accepted":   sub.Accepted,
		"pair_count": corpus.PairCount,
	}, nil
}
