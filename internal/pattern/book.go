package pattern

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MikeSquared-Agency/closer/internal/effectiveness"
)

const maxCASRetries = 64

// DecayRate is the daily pull toward neutral applied to scores restored from
// a checkpoint that have not been updated since.
const DecayRate = 0.01

type score struct {
	bits      atomic.Uint64 // math.Float64bits of the EWMA
	updatedAt atomic.Int64  // unix nanos
}

func (s *score) load() float64 { return math.Float64frombits(s.bits.Load()) }

// Entry is a persisted effectiveness score.
type Entry struct {
	PatternID string    `json:"pattern_id"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectivenessBook holds every pattern's historical effectiveness. Reads are
// lock-free; writers race through a compare-and-swap loop per pattern.
type EffectivenessBook struct {
	mu     sync.RWMutex // guards the map, not the scores
	scores map[string]*score
	alpha  float64
	now    func() time.Time
}

func NewEffectivenessBook(alpha float64) *EffectivenessBook {
	if alpha <= 0 || alpha > 1 {
		alpha = effectiveness.DefaultAlpha
	}
	return &EffectivenessBook{scores: make(map[string]*score), alpha: alpha, now: time.Now}
}

func (b *EffectivenessBook) ensure(id string, initial float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.scores[id]; ok {
		return
	}
	s := &score{}
	s.bits.Store(math.Float64bits(initial))
	b.scores[id] = s
}

func (b *EffectivenessBook) get(id string) *score {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scores[id]
}

// Score returns the current effectiveness, or 0 for unknown patterns.
func (b *EffectivenessBook) Score(id string) float64 {
	s := b.get(id)
	if s == nil {
		return 0
	}
	return s.load()
}

// Update folds one signed outcome signal into the pattern's EWMA, with the
// learning rate scaled by the customer's emotion. It returns the new score
// and false when the pattern is unknown or every CAS attempt lost its race.
func (b *EffectivenessBook) Update(id string, signal float64, emotion string) (float64, bool) {
	s := b.get(id)
	if s == nil {
		return 0, false
	}
	for i := 0; i < maxCASRetries; i++ {
		old := s.bits.Load()
		next := effectiveness.UpdateWithEmotion(math.Float64frombits(old), signal, b.alpha, emotion)
		if s.bits.CompareAndSwap(old, math.Float64bits(next)) {
			s.updatedAt.Store(b.now().UnixNano())
			return next, true
		}
	}
	return s.load(), false
}

// Snapshot returns all scores sorted by pattern id.
func (b *EffectivenessBook) Snapshot() []Entry {
	b.mu.RLock()
	out := make([]Entry, 0, len(b.scores))
	for id, s := range b.scores {
		e := Entry{PatternID: id, Score: s.load()}
		if ns := s.updatedAt.Load(); ns != 0 {
			e.UpdatedAt = time.Unix(0, ns).UTC()
		}
		out = append(out, e)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PatternID < out[j].PatternID })
	return out
}

// Restore loads persisted scores for registered patterns, decaying each by
// the number of whole days since it was last updated. Unknown ids are skipped.
// It returns the number of scores restored.
func (b *EffectivenessBook) Restore(entries []Entry) int {
	now := b.now()
	n := 0
	for _, e := range entries {
		s := b.get(e.PatternID)
		if s == nil {
			continue
		}
		v := e.Score
		if !e.UpdatedAt.IsZero() {
			if days := int(now.Sub(e.UpdatedAt).Hours() / 24); days > 0 {
				v = effectiveness.Decay(v, DecayRate, days)
			}
			s.updatedAt.Store(e.UpdatedAt.UnixNano())
		}
		s.bits.Store(math.Float64bits(v))
		n++
	}
	return n
}
