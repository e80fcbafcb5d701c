package pattern

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/closer/internal/conversation"
	"github.com/MikeSquared-Agency/closer/internal/metrics"
)

// DefaultWindow is how many recent messages each pattern scans.
const DefaultWindow = 20

// Evidence points at what triggered a match.
type Evidence struct {
	MessageIndex int    `json:"message_index"` // index into the full history
	Keyword      string `json:"keyword,omitempty"`
	PatternID    string `json:"pattern_id,omitempty"` // set for sequence steps
}

// Match is one pattern firing on the current history.
type Match struct {
	PatternID     string     `json:"pattern_id"`
	Category      string     `json:"category"`
	Confidence    float64    `json:"confidence"`
	Effectiveness float64    `json:"effectiveness"`
	Evidence      []Evidence `json:"evidence"`

	seq   uint64
	group string
	first int // earliest evidence index, for sequence ordering
}

// Matcher evaluates a conversation against the registry.
type Matcher struct {
	registry *Registry
	window   int
	metrics  *metrics.Metrics
}

func NewMatcher(registry *Registry, window int, m *metrics.Metrics) *Matcher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Matcher{registry: registry, window: window, metrics: m}
}

type scanned struct {
	index int // absolute message index
	role  string
	text  string // lowercased
	sent  *float64
}

// Match returns the patterns firing on the last window messages, ordered by
// confidence, then most recently added, then id. Of patterns sharing a group
// only the first in that order is kept. The result is deterministic for a
// given history and registry. An error is returned only when ctx ends first.
func (m *Matcher) Match(ctx context.Context, c *conversation.Context) ([]Match, error) {
	recent := c.Recent(m.window)
	offset := len(c.Messages) - len(recent)
	msgs := make([]scanned, len(recent))
	for i, msg := range recent {
		msgs[i] = scanned{index: offset + i, role: msg.Role, text: strings.ToLower(msg.Text), sent: msg.Sentiment}
	}

	defs := m.registry.snapshot()
	var keyword, sequence []registered
	for _, d := range defs {
		if d.def.isSequence() {
			sequence = append(sequence, d)
		} else {
			keyword = append(keyword, d)
		}
	}

	stage1, err := runStage(ctx, keyword, func(d registered) *Match { return matchKeywords(d, msgs) })
	if err != nil {
		return nil, err
	}

	fired := make(map[string]*Match, len(stage1))
	for _, mt := range stage1 {
		if mt != nil {
			fired[mt.PatternID] = mt
		}
	}
	stage2, err := runStage(ctx, sequence, func(d registered) *Match { return matchSequence(d, fired) })
	if err != nil {
		return nil, err
	}

	var out []Match
	for _, mt := range append(stage1, stage2...) {
		if mt == nil {
			continue
		}
		mt.Effectiveness = m.registry.book.Score(mt.PatternID)
		out = append(out, *mt)
	}
	out = rank(out)
	for _, mt := range out {
		m.metrics.PatternMatched(mt.PatternID)
	}
	return out, nil
}

// runStage evaluates independent patterns in parallel.
func runStage(ctx context.Context, defs []registered, eval func(registered) *Match) ([]*Match, error) {
	results := make([]*Match, len(defs))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range defs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = eval(d)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("match patterns: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("match patterns: %w", err)
	}
	return results, nil
}

func matchKeywords(d registered, msgs []scanned) *Match {
	def := d.def
	hits := 0
	var evidence []Evidence
	for _, msg := range msgs {
		if def.Role != "" && msg.role != def.Role {
			continue
		}
		if def.Sentiment != nil && (msg.sent == nil || !def.Sentiment.contains(*msg.sent)) {
			continue
		}
		for _, kw := range d.keywords {
			if kw == "" {
				continue
			}
			if n := strings.Count(msg.text, kw); n > 0 {
				hits += n
				evidence = append(evidence, Evidence{MessageIndex: msg.index, Keyword: kw})
			}
		}
	}

	need := def.MinOccurrences
	if need <= 0 {
		need = 1
	}
	if hits < need {
		return nil
	}
	return &Match{
		PatternID:  def.ID,
		Category:   def.Category,
		Confidence: keywordConfidence(hits, need),
		Evidence:   evidence,
		seq:        d.seq,
		group:      def.Group,
		first:      evidence[0].MessageIndex,
	}
}

// keywordConfidence is 0.5 at the minimum hit count and saturates at 1.0 once
// the hits reach twice the minimum.
func keywordConfidence(hits, need int) float64 {
	extra := float64(hits-need) / float64(max(need, 1))
	if extra > 1 {
		extra = 1
	}
	return 0.5 + 0.5*extra
}

func matchSequence(d registered, fired map[string]*Match) *Match {
	def := d.def
	last := -1
	var sum float64
	var evidence []Evidence
	for _, ref := range def.Sequence {
		step, ok := fired[ref]
		if !ok || step.first <= last {
			return nil
		}
		last = step.first
		sum += step.Confidence
		evidence = append(evidence, Evidence{MessageIndex: step.first, PatternID: ref})
	}
	return &Match{
		PatternID:  def.ID,
		Category:   def.Category,
		Confidence: sum / float64(len(def.Sequence)),
		Evidence:   evidence,
		seq:        d.seq,
		group:      def.Group,
		first:      evidence[0].MessageIndex,
	}
}

func rank(ms []Match) []Match {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Confidence != ms[j].Confidence {
			return ms[i].Confidence > ms[j].Confidence
		}
		if ms[i].seq != ms[j].seq {
			return ms[i].seq > ms[j].seq
		}
		return ms[i].PatternID < ms[j].PatternID
	})
	seen := make(map[string]bool)
	out := ms[:0]
	for _, m := range ms {
		if m.group != "" {
			if seen[m.group] {
				continue
			}
			seen[m.group] = true
		}
		out = append(out, m)
	}
	return out
}
