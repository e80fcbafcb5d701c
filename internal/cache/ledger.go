package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MikeSquared-Agency/closer/internal/conversation"
)

// DefaultLedgerTTL matches the in-memory ledger's retention.
const DefaultLedgerTTL = 24 * time.Hour

// Ledger records applied outcome keys in Redis so duplicates are still
// recognised after a restart.
type Ledger struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewLedger(rdb redis.UniversalClient, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &Ledger{rdb: rdb, ttl: ttl}
}

// Claim sets the key only if it is absent.
func (l *Ledger) Claim(ctx context.Context, key conversation.OutcomeKey) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, "closer:outcome:"+key.String(), time.Now().UTC().Unix(), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}
