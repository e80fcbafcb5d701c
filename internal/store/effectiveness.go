package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/closer/internal/pattern"
)

// SaveEffectiveness upserts pattern effectiveness scores.
func (s *Store) SaveEffectiveness(ctx context.Context, entries []pattern.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO pattern_effectiveness (pattern_id, score, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (pattern_id)
			DO UPDATE SET score = $2, updated_at = $3`,
			e.PatternID, e.Score, nullTime(e.UpdatedAt),
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save effectiveness: %w", err)
	}
	return nil
}

func (s *Store) LoadEffectiveness(ctx context.Context) ([]pattern.Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT pattern_id, score, updated_at FROM pattern_effectiveness ORDER BY pattern_id`)
	if err != nil {
		return nil, fmt.Errorf("load effectiveness: %w", err)
	}
	defer rows.Close()

	var out []pattern.Entry
	for rows.Next() {
		var e pattern.Entry
		var updated *time.Time
		if err := rows.Scan(&e.PatternID, &e.Score, &updated); err != nil {
			return nil, fmt.Errorf("scan effectiveness: %w", err)
		}
		if updated != nil {
			e.UpdatedAt = *updated
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
