package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"archflow/backend/internal/config"
	"archflow/backend/internal/logging"
	"archflow/backend/internal/repository"
	"archflow/backend/internal/services"
	"archflow/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// seedNamespace keeps seeded IDs stable so reruns are no-ops.
var seedNamespace = uuid.MustParse("6f1d8a52-3c1e-4c43-9b59-2a8e1c0f7d11")

type seedLineage struct {
	Name         string
	Prompt       string
	Jurisdiction string
	// Ratings per version; one artifact version is created per entry.
	Ratings []int
}

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	store := repository.NewPostgresStore(pool)
	feedback := services.NewFeedbackService(store, store, services.FeedbackOptions{
		RatingMin:     cfg.Feedback.RatingMin,
		RatingMax:     cfg.Feedback.RatingMax,
		PairThreshold: cfg.Feedback.TrainingPairThreshold,
	}, nil, nil, logger)

	lineages := []seedLineage{
		{"mumbai-residential", "18m residential building, 6 floors", "Mumbai", []int{2, 4, 5}},
		{"pune-office", "Low-rise office block with basement parking", "Pune", []int{3, 2}},
		{"delhi-school", "Two-storey primary school with courtyard", "Delhi", []int{4, 4, 5}},
		{"mumbai-mixed-use", "Mixed-use tower with retail podium", "Mumbai", []int{1, 3, 3, 5}},
	}

	for _, l := range lineages {
		lineageID := uuid.NewSHA1(seedNamespace, []byte(l.Name)).String()
		existing, err := store.ListArtifactVersions(ctx, lineageID)
		if err != nil {
			log.Fatalf("Failed to list lineage %s: %v", l.Name, err)
		}
		if len(existing) > 0 {
			logger.Info("Skipping existing lineage", "name", l.Name, "versions", len(existing))
			continue
		}

		created := time.Now().UTC().Add(-time.Duration(len(l.Ratings)) * time.Hour)
		for i, rating := range l.Ratings {
			version := i + 1
			artifact := &models.DesignArtifact{
				ID:           uuid.NewSHA1(seedNamespace, []byte(fmt.Sprintf("%s/v%d", l.Name, version))).String(),
				LineageID:    lineageID,
				Owner:        "seed-script",
				Prompt:       l.Prompt,
				Jurisdiction: l.Jurisdiction,
				Document: map[string]any{
					"use":       "seed",
					"revision":  version,
					"height_m":  12.0 + 3.0*float64(version),
					"setback_m": 3.0 + 0.5*float64(version),
				},
				Version:   version,
				CreatedAt: created.Add(time.Duration(i) * time.Hour),
			}
			if err := store.CreateArtifact(ctx, artifact); err != nil {
				log.Printf("Failed to create artifact %s v%d: %v", l.Name, version, err)
				continue
			}

			receipt, err := feedback.Submit(ctx, models.FeedbackSubmission{
				ArtifactID: artifact.ID,
				UserID:     "seed-reviewer",
				Rating:     rating,
				Extra:      map[string]any{"source": "seed"},
			})
			if err != nil {
				log.Printf("Failed to rate %s v%d: %v", l.Name, version, err)
				continue
			}
			logger.Info("Seeded artifact", "lineage", l.Name, "version", version, "rating", rating, "usable_pairs", receipt.UsablePairs)
		}
	}
	logger.Info("Seeding complete!")
}
