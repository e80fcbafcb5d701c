package outcome

import (
	"context"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/closer/internal/conversation"
)

// DefaultLedgerTTL is how long an applied outcome key is remembered.
const DefaultLedgerTTL = 24 * time.Hour

// Ledger remembers which outcome keys have been applied.
type Ledger interface {
	// Claim marks key as applied. It returns false if key was already claimed.
	Claim(ctx context.Context, key conversation.OutcomeKey) (bool, error)
}

// MemoryLedger is a process-local Ledger with expiring keys.
type MemoryLedger struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	claimed   map[string]time.Time // key -> expiry
	nextSweep time.Time
}

func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &MemoryLedger{ttl: ttl, now: time.Now, claimed: make(map[string]time.Time)}
}

func (l *MemoryLedger) Claim(_ context.Context, key conversation.OutcomeKey) (bool, error) {
	now := l.now()
	k := key.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.nextSweep) {
		for id, exp := range l.claimed {
			if now.After(exp) {
				delete(l.claimed, id)
			}
		}
		l.nextSweep = now.Add(l.ttl / 4)
	}

	if exp, ok := l.claimed[k]; ok && !now.After(exp) {
		return false, nil
	}
	l.claimed[k] = now.Add(l.ttl)
	return true, nil
}
