package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/closer/internal/conversation"
	"github.com/MikeSquared-Agency/closer/internal/fusion"
)

// WriteRecommendation writes a recommendation across the audit tables.
// Tables: recommendations, recommendation_strategies, recommendation_arms.
func (s *Store) WriteRecommendation(ctx context.Context, rec *fusion.Recommendation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO recommendations (id, conversation_id, turn, phase, emotion, confidence, fallback, reason, pattern_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.ConversationID, rec.Turn, string(rec.Phase), rec.Emotion, rec.Confidence,
		rec.Fallback, rec.Reason, rec.PatternIDs, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert recommendation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// already written by an earlier retry of the same decide
		return nil
	}

	for i, st := range rec.Strategies {
		_, err = tx.Exec(ctx, `
			INSERT INTO recommendation_strategies (id, recommendation_id, rank, strategy_id, score, rationale)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), rec.ID, i+1, st.StrategyID, st.Score, st.Rationale,
		)
		if err != nil {
			return fmt.Errorf("insert strategy: %w", err)
		}
	}

	for _, a := range rec.Arms {
		_, err = tx.Exec(ctx, `
			INSERT INTO recommendation_arms (id, recommendation_id, experiment_id, variant_id, is_control, selected)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), rec.ID, a.ExperimentID, a.VariantID, a.Control, a.Selected,
		)
		if err != nil {
			return fmt.Errorf("insert arm: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// WriteOutcome records an applied outcome.
func (s *Store) WriteOutcome(ctx context.Context, o conversation.Outcome) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outcomes (id, conversation_id, turn, recommendation_id, engagement_delta, objection_resolved, converted, abandoned, reward, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, now()))
		ON CONFLICT (conversation_id, turn) DO NOTHING`,
		uuid.New(), o.ConversationID, o.Turn, o.RecommendationID,
		o.Result.EngagementDelta, o.Result.ObjectionResolved, o.Result.Converted, o.Result.Abandoned,
		o.Result.Reward(), nullTime(o.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}
