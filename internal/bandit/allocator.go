package bandit

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/MikeSquared-Agency/closer/internal/config"
	"github.com/MikeSquared-Agency/closer/internal/metrics"
)

var (
	ErrUnknownExperiment = errors.New("unknown experiment")
	ErrUnknownVariant    = errors.New("unknown variant")
	ErrContention        = errors.New("bandit update lost to contention")
)

const (
	DefaultAbandonmentWindow = 24 * time.Hour
	DefaultMaxRetries        = 32
)

// ExplorationScore is the allocation score reported for arms still in forced
// exploration. It ranks above any UCB score.
const ExplorationScore = math.MaxFloat64

// Arm is a snapshot of one variant's statistics.
type Arm struct {
	ExperimentID    string    `json:"experiment_id"`
	VariantID       string    `json:"variant_id"`
	StrategyID      string    `json:"strategy_id"`
	Control         bool      `json:"control"`
	Impressions     int64     `json:"impressions"` // selections served
	Results         int64     `json:"results"`     // outcomes recorded
	Successes       int64     `json:"successes"`
	ValueEstimate   float64   `json:"value_estimate"` // running mean of recorded values
	AllocationScore float64   `json:"allocation_score"`
	PendingSince    time.Time `json:"pending_since,omitempty"` // first selection still awaiting a result
	LastResultAt    time.Time `json:"last_result_at,omitempty"`
}

// SuccessRate is successes over recorded results.
func (a Arm) SuccessRate() float64 {
	if a.Results == 0 {
		return 0
	}
	return float64(a.Successes) / float64(a.Results)
}

// table is an immutable arm table. Writers publish a modified copy.
type table struct {
	arms  []Arm
	total int64 // sum of impressions
}

func (t *table) clone() *table {
	arms := make([]Arm, len(t.arms))
	copy(arms, t.arms)
	return &table{arms: arms, total: t.total}
}

func (t *table) index(variantID string) int {
	for i := range t.arms {
		if t.arms[i].VariantID == variantID {
			return i
		}
	}
	return -1
}

type experiment struct {
	id    string
	state atomic.Pointer[table]
}

type Options struct {
	AbandonmentWindow time.Duration
	MaxRetries        int
	Now               func() time.Time
}

// Allocator owns the arm statistics of every configured experiment. Each
// experiment is updated through copy, modify and compare-and-swap on its own
// table, so experiments never contend with each other and readers never lock.
type Allocator struct {
	experiments map[string]*experiment // fixed after New
	order       []string
	window      time.Duration
	retries     int
	now         func() time.Time
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func New(cfgs []config.ExperimentConfig, opts Options, m *metrics.Metrics, logger *slog.Logger) *Allocator {
	if opts.AbandonmentWindow <= 0 {
		opts.AbandonmentWindow = DefaultAbandonmentWindow
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	a := &Allocator{
		experiments: make(map[string]*experiment, len(cfgs)),
		window:      opts.AbandonmentWindow,
		retries:     opts.MaxRetries,
		now:         opts.Now,
		metrics:     m,
		logger:      logger,
	}
	for _, xc := range cfgs {
		t := &table{arms: make([]Arm, len(xc.Arms))}
		for i, ac := range xc.Arms {
			t.arms[i] = Arm{
				ExperimentID: xc.ID,
				VariantID:    ac.Variant,
				StrategyID:   ac.Strategy,
				Control:      ac.Control,
			}
		}
		x := &experiment{id: xc.ID}
		x.state.Store(t)
		a.experiments[xc.ID] = x
		a.order = append(a.order, xc.ID)
	}
	return a
}

// Experiments returns the experiment ids in configuration order.
func (a *Allocator) Experiments() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

func (a *Allocator) experiment(id string) (*experiment, error) {
	x, ok := a.experiments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExperiment, id)
	}
	return x, nil
}

// SelectArm picks an arm and counts one impression against it in the same
// atomic step. Arms without results are tried first, fewest impressions
// first, unless their outstanding selection has outlived the abandonment
// window. After that the arm with the highest UCB score wins.
func (a *Allocator) SelectArm(experimentID string) (Arm, error) {
	x, err := a.experiment(experimentID)
	if err != nil {
		return Arm{}, err
	}

	for attempt := 0; attempt < a.retries; attempt++ {
		now := a.now()
		cur := x.state.Load()
		i, score := a.choose(cur, now)
		if i < 0 {
			return Arm{}, fmt.Errorf("select arm %s: no arms", experimentID)
		}

		next := cur.clone()
		arm := &next.arms[i]
		arm.Impressions++
		if arm.PendingSince.IsZero() {
			arm.PendingSince = now
		}
		next.total++

		if x.state.CompareAndSwap(cur, next) {
			out := *arm
			out.AllocationScore = score
			a.metrics.ArmSelected(experimentID, out.VariantID)
			return out, nil
		}
	}

	a.metrics.ContentionDrop(experimentID, "select")
	a.logger.Warn("bandit select exhausted retries", "experiment_id", experimentID, "retries", a.retries)
	return Arm{}, fmt.Errorf("select arm %s: %w", experimentID, ErrContention)
}

// RecordResult folds one observed result into the arm: results += 1,
// successes += success, and the value estimate moves to the new running mean.
// When every retry loses its race the update is dropped and ErrContention
// returned; counters are never partially written.
func (a *Allocator) RecordResult(experimentID, variantID string, success bool, value float64) error {
	x, err := a.experiment(experimentID)
	if err != nil {
		return err
	}
	value = math.Max(0, math.Min(1, value))

	for attempt := 0; attempt < a.retries; attempt++ {
		cur := x.state.Load()
		i := cur.index(variantID)
		if i < 0 {
			return fmt.Errorf("%w: %s/%s", ErrUnknownVariant, experimentID, variantID)
		}

		next := cur.clone()
		arm := &next.arms[i]
		arm.Results++
		if success {
			arm.Successes++
		}
		arm.ValueEstimate += (value - arm.ValueEstimate) / float64(arm.Results)
		arm.LastResultAt = a.now()
		arm.PendingSince = time.Time{}

		if x.state.CompareAndSwap(cur, next) {
			return nil
		}
	}

	a.metrics.ContentionDrop(experimentID, "record")
	a.logger.Warn("bandit record exhausted retries, result dropped",
		"experiment_id", experimentID,
		"variant_id", variantID,
		"retries", a.retries,
	)
	return fmt.Errorf("record result %s/%s: %w", experimentID, variantID, ErrContention)
}

// Release takes back one impression counted by SelectArm for a selection
// that was never served. Impressions never drop below recorded results, and
// the arm stops waiting on a result once no selection is outstanding.
func (a *Allocator) Release(experimentID, variantID string) error {
	x, err := a.experiment(experimentID)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < a.retries; attempt++ {
		cur := x.state.Load()
		i := cur.index(variantID)
		if i < 0 {
			return fmt.Errorf("%w: %s/%s", ErrUnknownVariant, experimentID, variantID)
		}
		if cur.arms[i].Impressions <= cur.arms[i].Results {
			return nil
		}

		next := cur.clone()
		arm := &next.arms[i]
		arm.Impressions--
		next.total--
		if arm.Impressions == arm.Results {
			arm.PendingSince = time.Time{}
		}

		if x.state.CompareAndSwap(cur, next) {
			return nil
		}
	}

	a.metrics.ContentionDrop(experimentID, "release")
	return fmt.Errorf("release %s/%s: %w", experimentID, variantID, ErrContention)
}

// Control returns the experiment's control arm without counting an impression.
func (a *Allocator) Control(experimentID string) (Arm, error) {
	x, err := a.experiment(experimentID)
	if err != nil {
		return Arm{}, err
	}
	for _, arm := range x.state.Load().arms {
		if arm.Control {
			return arm, nil
		}
	}
	return Arm{}, fmt.Errorf("%w: %s has no control arm", ErrUnknownVariant, experimentID)
}

// Arm returns the current statistics of one variant.
func (a *Allocator) Arm(experimentID, variantID string) (Arm, error) {
	x, err := a.experiment(experimentID)
	if err != nil {
		return Arm{}, err
	}
	t := x.state.Load()
	i := t.index(variantID)
	if i < 0 {
		return Arm{}, fmt.Errorf("%w: %s/%s", ErrUnknownVariant, experimentID, variantID)
	}
	return t.arms[i], nil
}

// Arms returns every arm of the experiment with its current allocation score.
func (a *Allocator) Arms(experimentID string) ([]Arm, error) {
	x, err := a.experiment(experimentID)
	if err != nil {
		return nil, err
	}
	t := x.state.Load()
	scores := a.scores(t, a.now())
	out := make([]Arm, len(t.arms))
	copy(out, t.arms)
	for i := range out {
		out[i].AllocationScore = scores[i]
	}
	return out, nil
}

// Snapshot returns every arm of every experiment, in configuration order.
func (a *Allocator) Snapshot() []Arm {
	var out []Arm
	for _, id := range a.order {
		out = append(out, a.experiments[id].state.Load().arms...)
	}
	return out
}

// Restore overwrites counters from persisted arms. Arms whose experiment or
// variant is no longer configured are skipped. It must run before the
// allocator serves traffic. It returns the number of arms restored.
func (a *Allocator) Restore(arms []Arm) int {
	byExperiment := make(map[string][]Arm)
	for _, arm := range arms {
		byExperiment[arm.ExperimentID] = append(byExperiment[arm.ExperimentID], arm)
	}

	n := 0
	for id, saved := range byExperiment {
		x, ok := a.experiments[id]
		if !ok {
			a.logger.Info("skipping arms of unconfigured experiment", "experiment_id", id)
			continue
		}
		next := x.state.Load().clone()
		for _, s := range saved {
			i := next.index(s.VariantID)
			if i < 0 {
				continue
			}
			arm := &next.arms[i]
			arm.Impressions = s.Impressions
			arm.Results = s.Results
			arm.Successes = s.Successes
			arm.ValueEstimate = s.ValueEstimate
			arm.PendingSince = s.PendingSince
			arm.LastResultAt = s.LastResultAt
			n++
		}
		next.total = 0
		for _, arm := range next.arms {
			next.total += arm.Impressions
		}
		x.state.Store(next)
	}
	return n
}

// choose returns the arm to serve next and its allocation score.
func (a *Allocator) choose(t *table, now time.Time) (int, float64) {
	explore := -1
	for i, arm := range t.arms {
		if !a.exploring(arm, now) {
			continue
		}
		if explore < 0 || arm.Impressions < t.arms[explore].Impressions {
			explore = i
		}
	}
	if explore >= 0 {
		return explore, ExplorationScore
	}

	idx, top := -1, 0.0
	for i, arm := range t.arms {
		if s := ucb(arm, t.total); idx < 0 || s > top {
			idx, top = i, s
		}
	}
	return idx, top
}

// scores computes the allocation score of every arm in t.
func (a *Allocator) scores(t *table, now time.Time) []float64 {
	out := make([]float64, len(t.arms))
	for i, arm := range t.arms {
		if a.exploring(arm, now) {
			out[i] = ExplorationScore
			continue
		}
		out[i] = ucb(arm, t.total)
	}
	return out
}

// exploring reports whether the arm is still owed forced exploration: it has
// no results and its outstanding selection has not outlived the window.
func (a *Allocator) exploring(arm Arm, now time.Time) bool {
	if arm.Results > 0 {
		return false
	}
	return arm.PendingSince.IsZero() || now.Sub(arm.PendingSince) <= a.window
}

// ucb is rate + sqrt(2 ln N / n).
func ucb(arm Arm, total int64) float64 {
	n := max(arm.Impressions, arm.Results)
	if n == 0 || total < 1 {
		return arm.SuccessRate()
	}
	return arm.SuccessRate() + math.Sqrt(2*math.Log(float64(total))/float64(n))
}
