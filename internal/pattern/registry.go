package pattern

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/MikeSquared-Agency/closer/internal/config"
)

// ErrDuplicatePattern is returned when a pattern id is registered twice.
var ErrDuplicatePattern = errors.New("pattern already registered")

// Range is an inclusive sentiment interval.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r Range) contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Definition is a declarative pattern: either a keyword condition set or a
// sequence of other (keyword) patterns that must fire in order.
type Definition struct {
	ID             string   `json:"id"`
	Category       string   `json:"category"`
	Group          string   `json:"group,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	MinOccurrences int      `json:"min_occurrences,omitempty"`
	Role           string   `json:"role,omitempty"`
	Sentiment      *Range   `json:"sentiment,omitempty"`
	Sequence       []string `json:"sequence,omitempty"`
	Effectiveness  float64  `json:"effectiveness"` // initial score
}

func (d Definition) isSequence() bool { return len(d.Sequence) > 0 }

type registered struct {
	def      Definition
	seq      uint64
	keywords []string // lowercased
}

// Registry holds pattern definitions with the order they were added in.
// Later additions win confidence ties.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]registered
	next uint64
	book *EffectivenessBook
}

func NewRegistry(book *EffectivenessBook) *Registry {
	if book == nil {
		book = NewEffectivenessBook(0)
	}
	return &Registry{defs: make(map[string]registered), book: book}
}

// Book returns the effectiveness scores backing this registry.
func (r *Registry) Book() *EffectivenessBook { return r.book }

// NewRegistryFromConfig registers keyword patterns first, then sequence
// patterns, each group in file order.
func NewRegistryFromConfig(cfgs []config.PatternConfig, book *EffectivenessBook) (*Registry, error) {
	r := NewRegistry(book)
	var sequences []config.PatternConfig
	for _, pc := range cfgs {
		if len(pc.Sequence) > 0 {
			sequences = append(sequences, pc)
			continue
		}
		if err := r.Add(FromConfig(pc)); err != nil {
			return nil, err
		}
	}
	for _, pc := range sequences {
		if err := r.Add(FromConfig(pc)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func FromConfig(pc config.PatternConfig) Definition {
	d := Definition{
		ID:             pc.ID,
		Category:       pc.Category,
		Group:          pc.Group,
		Keywords:       pc.Keywords,
		MinOccurrences: pc.MinOccurrences,
		Role:           pc.Role,
		Sequence:       pc.Sequence,
		Effectiveness:  pc.Effectiveness,
	}
	if pc.Sentiment != nil {
		d.Sentiment = &Range{Min: pc.Sentiment.Min, Max: pc.Sentiment.Max}
	}
	return d
}

// Add registers a definition. It may be called while matching is in progress.
func (r *Registry) Add(d Definition) error {
	if d.ID == "" {
		return errors.New("add pattern: empty id")
	}
	if !d.isSequence() && len(d.Keywords) == 0 {
		return fmt.Errorf("add pattern %s: needs keywords or a sequence", d.ID)
	}
	if d.isSequence() && len(d.Keywords) > 0 {
		return fmt.Errorf("add pattern %s: keywords and sequence are exclusive", d.ID)
	}
	if d.Sentiment != nil && d.Sentiment.Min > d.Sentiment.Max {
		return fmt.Errorf("add pattern %s: sentiment min above max", d.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[d.ID]; exists {
		return fmt.Errorf("add pattern %s: %w", d.ID, ErrDuplicatePattern)
	}
	for _, ref := range d.Sequence {
		target, ok := r.defs[ref]
		if !ok {
			return fmt.Errorf("add pattern %s: unknown sequence step %q", d.ID, ref)
		}
		if target.def.isSequence() {
			return fmt.Errorf("add pattern %s: sequence step %q is itself a sequence", d.ID, ref)
		}
	}

	kw := make([]string, len(d.Keywords))
	for i, k := range d.Keywords {
		kw[i] = strings.ToLower(k)
	}
	r.next++
	r.defs[d.ID] = registered{def: d, seq: r.next, keywords: kw}
	r.book.ensure(d.ID, d.Effectiveness)
	return nil
}

// Definitions returns all definitions in the order they were added.
func (r *Registry) Definitions() []Definition {
	snap := r.snapshot()
	out := make([]Definition, len(snap))
	for i, s := range snap {
		out[i] = s.def
	}
	return out
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[id]
	return ok
}

func (r *Registry) snapshot() []registered {
	r.mu.RLock()
	out := make([]registered, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
