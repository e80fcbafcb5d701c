package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/closer/internal/bandit"
)

// SaveArms upserts every arm's counters in one batch.
func (s *Store) SaveArms(ctx context.Context, arms []bandit.Arm) error {
	if len(arms) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range arms {
		batch.Queue(`
			INSERT INTO bandit_arms (experiment_id, variant_id, strategy_id, is_control, impressions, results, successes, value_estimate, pending_since, last_result_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
			ON CONFLICT (experiment_id, variant_id)
			DO UPDATE SET
				strategy_id = $3,
				is_control = $4,
				impressions = $5,
				results = $6,
				successes = $7,
				value_estimate = $8,
				pending_since = $9,
				last_result_at = $10,
				updated_at = now()`,
			a.ExperimentID, a.VariantID, a.StrategyID, a.Control,
			a.Impressions, a.Results, a.Successes, a.ValueEstimate,
			nullTime(a.PendingSince), nullTime(a.LastResultAt),
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save arms: %w", err)
	}
	return nil
}

// LoadArms returns the last checkpointed state of every arm.
func (s *Store) LoadArms(ctx context.Context) ([]bandit.Arm, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT experiment_id, variant_id, strategy_id, is_control, impressions, results, successes, value_estimate, pending_since, last_result_at
		FROM bandit_arms
		ORDER BY experiment_id, variant_id`)
	if err != nil {
		return nil, fmt.Errorf("load arms: %w", err)
	}
	defer rows.Close()

	var arms []bandit.Arm
	for rows.Next() {
		var a bandit.Arm
		var pending, last *time.Time
		if err := rows.Scan(&a.ExperimentID, &a.VariantID, &a.StrategyID, &a.Control,
			&a.Impressions, &a.Results, &a.Successes, &a.ValueEstimate, &pending, &last); err != nil {
			return nil, fmt.Errorf("scan arm: %w", err)
		}
		if pending != nil {
			a.PendingSince = *pending
		}
		if last != nil {
			a.LastResultAt = *last
		}
		arms = append(arms, a)
	}
	return arms, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
