package fusion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/closer/internal/bandit"
	"github.com/MikeSquared-Agency/closer/internal/config"
	"github.com/MikeSquared-Agency/closer/internal/conversation"
	"github.com/MikeSquared-Agency/closer/internal/metrics"
	"github.com/MikeSquared-Agency/closer/internal/pattern"
	"github.com/MikeSquared-Agency/closer/internal/prediction"
)

// ErrNoDefaultStrategy means a phase has no default strategy configured. It is
// a configuration defect and must not be retried.
var ErrNoDefaultStrategy = errors.New("no default strategy for phase")

// Fallback reasons.
const (
	ReasonQuorum       = "quorum"
	ReasonOuterTimeout = "outer_timeout"
)

// ReasonDeadline marks a prediction that had not arrived when the shared
// deadline expired.
const ReasonDeadline = "deadline"

// Predictions is the prediction fan-out the engine consumes.
type Predictions interface {
	PredictAll(ctx context.Context, c *conversation.Context, requested []string) prediction.Report
}

// Patterns is the pattern matcher the engine consumes.
type Patterns interface {
	Match(ctx context.Context, c *conversation.Context) ([]pattern.Match, error)
}

// Bandit is the arm allocator the engine consumes.
type Bandit interface {
	SelectArm(experimentID string) (bandit.Arm, error)
	Control(experimentID string) (bandit.Arm, error)
	Release(experimentID, variantID string) error
}

type Options struct {
	Deadline         time.Duration
	OuterTimeout     time.Duration
	Materiality      float64
	MinPredictions   int
	ExplorationPrior float64
	Now              func() time.Time
}

// OptionsFromConfig maps the engine configuration onto fusion options.
func OptionsFromConfig(cfg *config.Engine) Options {
	return Options{
		Deadline:         cfg.Fusion.Deadline,
		OuterTimeout:     cfg.Fusion.OuterTimeout,
		Materiality:      cfg.Fusion.Materiality,
		MinPredictions:   cfg.Fusion.MinPredictions,
		ExplorationPrior: cfg.Bandit.ExplorationPrior,
	}
}

type strategyPlan struct {
	id       string
	bindings []config.PredictionBinding
	patterns map[string]bool
}

type phasePlan struct {
	name        string
	weights     config.Weights
	defaultID   string
	candidates  []strategyPlan
	predictors  []string
	experiments []string
}

// Engine fuses predictions, pattern matches and bandit arms into one ranked
// recommendation per turn.
type Engine struct {
	opts        Options
	phases      map[string]phasePlan
	predictions Predictions
	patterns    Patterns
	bandit      Bandit
	journal     *Journal
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New builds the per-phase plans. A phase without a default strategy fails
// with ErrNoDefaultStrategy so the process refuses to start.
func New(cfg *config.Engine, opts Options, preds Predictions, pats Patterns, b Bandit, journal *Journal, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	if opts.Deadline <= 0 {
		opts.Deadline = 300 * time.Millisecond
	}
	if opts.OuterTimeout <= 0 {
		opts.OuterTimeout = 500 * time.Millisecond
	}
	if opts.Materiality < 0 {
		opts.Materiality = 0
	}
	if opts.MinPredictions < 0 {
		opts.MinPredictions = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if journal == nil {
		journal = NewJournal(0, 0)
	}

	strategies := make(map[string]config.StrategyConfig, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		strategies[s.ID] = s
	}

	phases := make(map[string]phasePlan, len(cfg.Phases))
	for _, ph := range cfg.Phases {
		if ph.DefaultStrategy == "" {
			return nil, fmt.Errorf("build phase %s: %w", ph.Name, ErrNoDefaultStrategy)
		}
		if _, ok := strategies[ph.DefaultStrategy]; !ok {
			return nil, fmt.Errorf("build phase %s: default %q undefined: %w", ph.Name, ph.DefaultStrategy, ErrNoDefaultStrategy)
		}
		plan := phasePlan{
			name:        ph.Name,
			weights:     ph.Weights,
			defaultID:   ph.DefaultStrategy,
			predictors:  ph.Predictors,
			experiments: ph.Experiments,
		}
		for _, id := range ph.Candidates() {
			s := strategies[id]
			sp := strategyPlan{id: id, bindings: s.Predictions, patterns: make(map[string]bool, len(s.Patterns))}
			for _, p := range s.Patterns {
				sp.patterns[p] = true
			}
			plan.candidates = append(plan.candidates, sp)
		}
		phases[ph.Name] = plan
	}

	return &Engine{
		opts:        opts,
		phases:      phases,
		predictions: preds,
		patterns:    pats,
		bandit:      b,
		journal:     journal,
		metrics:     m,
		logger:      logger,
	}, nil
}

// Journal exposes recent recommendations for outcome attribution.
func (e *Engine) Journal() *Journal { return e.journal }

// Decide returns the recommendation for the conversation's current turn. It
// returns within the outer timeout; degraded answers carry Fallback=true. The
// only error is ErrNoDefaultStrategy for a phase the engine was not
// configured with. Repeating a decide for the same turn returns the
// recommendation already made.
func (e *Engine) Decide(ctx context.Context, c *conversation.Context) (*Recommendation, error) {
	plan, ok := e.phases[string(c.Phase)]
	if !ok {
		return nil, fmt.Errorf("decide %s: phase %q: %w", c.ConversationID, c.Phase, ErrNoDefaultStrategy)
	}

	key := conversation.OutcomeKey{ConversationID: c.ConversationID, Turn: c.TurnIndex()}
	if rec, ok := e.journal.Get(key); ok {
		return rec, nil
	}

	start := e.opts.Now()
	ctx, cancel := context.WithTimeout(ctx, e.opts.OuterTimeout)
	defer cancel()

	result := make(chan *Recommendation, 1)
	go func() { result <- e.decide(ctx, c, plan) }()

	var rec *Recommendation
	select {
	case rec = <-result:
	case <-ctx.Done():
		go e.releaseAbandoned(result)
		rec = e.static(c, plan)
		e.logger.Warn("decide exceeded outer timeout, serving static default",
			"conversation_id", c.ConversationID,
			"turn", key.Turn,
			"phase", plan.name,
		)
	}

	if rec.Fallback {
		e.metrics.Fallback(rec.Reason)
	}
	e.metrics.DecideDuration(e.opts.Now().Sub(start))
	return e.journal.Put(rec), nil
}

// releaseAbandoned waits for a recommendation that lost to the outer timeout
// and hands back the impressions it counted, since nothing will attribute
// them.
func (e *Engine) releaseAbandoned(result <-chan *Recommendation) {
	rec := <-result
	for _, a := range rec.Arms {
		if !a.Selected {
			continue
		}
		if err := e.bandit.Release(a.ExperimentID, a.VariantID); err != nil {
			e.logger.Warn("impression of abandoned recommendation not released",
				"conversation_id", rec.ConversationID,
				"experiment_id", a.ExperimentID,
				"variant_id", a.VariantID,
				"error", err,
			)
		}
	}
}

type gathered struct {
	report    prediction.Report
	matches   []pattern.Match
	matcherOK bool
}

// gather runs predictions and pattern matching concurrently and joins them at
// the shared deadline. Predictions that answered before the deadline are kept
// even when others did not; anything not back by then is treated as missing.
func (e *Engine) gather(parent context.Context, c *conversation.Context, plan phasePlan) gathered {
	ctx, cancel := context.WithTimeout(parent, e.opts.Deadline)
	defer cancel()

	predCh := make(chan prediction.Report, 1)
	go func() { predCh <- e.predictions.PredictAll(ctx, c, plan.predictors) }()

	type matched struct {
		matches []pattern.Match
		err     error
	}
	matchCh := make(chan matched, 1)
	go func() {
		ms, err := e.patterns.Match(ctx, c)
		matchCh <- matched{ms, err}
	}()

	var g gathered
	predDone, matchDone := false, false
	for !predDone || !matchDone {
		select {
		case g.report = <-predCh:
			predDone = true
		case m := <-matchCh:
			matchDone = true
			if m.err != nil {
				e.logger.Warn("pattern matcher failed", "conversation_id", c.ConversationID, "error", m.err)
				continue
			}
			g.matches, g.matcherOK = m.matches, true
		case <-ctx.Done():
			if !predDone {
				g.report = e.lateReport(parent, predCh, plan)
			}
			return g
		}
	}
	return g
}

// lateReport collects the fan-out once the deadline has passed. PredictAll
// returns promptly after its context ends with whatever arrived in time, so
// this waits for that partial report, bounded by the outer timeout.
func (e *Engine) lateReport(parent context.Context, predCh <-chan prediction.Report, plan phasePlan) prediction.Report {
	select {
	case r := <-predCh:
		return r
	case <-parent.Done():
	}
	r := prediction.Report{Requested: len(plan.predictors)}
	for _, name := range plan.predictors {
		r.Missing = append(r.Missing, prediction.Missing{Predictor: name, Reason: ReasonDeadline})
		e.metrics.MissingPrediction(name, ReasonDeadline)
	}
	return r
}

func (e *Engine) decide(ctx context.Context, c *conversation.Context, plan phasePlan) *Recommendation {
	g := e.gather(ctx, c, plan)

	need := min(e.opts.MinPredictions, len(plan.predictors))
	quorum := len(g.report.Results) >= need && g.matcherOK

	rec := &Recommendation{
		ID:             uuid.New().String(),
		ConversationID: c.ConversationID,
		Turn:           c.TurnIndex(),
		Phase:          c.Phase,
		Emotion:        c.Profile.Emotion,
		Missing:        g.report.Missing,
		CreatedAt:      e.opts.Now().UTC(),
	}
	for _, r := range g.report.Results {
		rec.Predictions = append(rec.Predictions, PredictionRef{
			Predictor:  r.Predictor,
			Type:       r.Type,
			Value:      r.Value,
			Label:      r.Label,
			Confidence: r.Confidence,
		})
	}
	for _, m := range g.matches {
		rec.PatternIDs = append(rec.PatternIDs, m.PatternID)
	}

	arms := e.arms(ctx, c, plan, quorum, rec)
	rec.Strategies = rank(score(plan, g, arms, e.opts))
	notes := missingNotes(g)

	if !quorum {
		rec.Fallback = true
		rec.Reason = ReasonQuorum
		rec.Strategies = promote(rec.Strategies, plan.defaultID,
			fmt.Sprintf("fallback: default strategy for phase %s (%d/%d predictions, matcher completed: %t)",
				plan.name, len(g.report.Results), need, g.matcherOK))
		e.logger.Warn("decision below quorum, serving default strategy",
			"conversation_id", c.ConversationID,
			"turn", rec.Turn,
			"phase", plan.name,
			"predictions", len(g.report.Results),
			"matcher_ok", g.matcherOK,
		)
	}
	if len(notes) > 0 {
		rec.Strategies[0].Rationale = append(rec.Strategies[0].Rationale, notes...)
	}
	rec.Confidence = confidence(g, len(plan.predictors), rec.Fallback)
	return rec
}

// armChoice is the arm serving an experiment this turn and the value the
// fusion score credits to its strategy.
type armChoice struct {
	arm   bandit.Arm
	value float64
}

// arms selects an arm per experiment of the phase. Below quorum, or once the
// outer timeout has fired, the control arm is used without counting an
// impression.
func (e *Engine) arms(ctx context.Context, c *conversation.Context, plan phasePlan, quorum bool, rec *Recommendation) []armChoice {
	var out []armChoice
	for _, x := range plan.experiments {
		var arm bandit.Arm
		var err error
		selected := quorum && ctx.Err() == nil
		if selected {
			arm, err = e.bandit.SelectArm(x)
			if err != nil {
				e.logger.Warn("arm selection failed, using control",
					"conversation_id", c.ConversationID,
					"experiment_id", x,
					"error", err,
				)
				selected = false
			}
		}
		if !selected {
			arm, err = e.bandit.Control(x)
			if err != nil {
				e.logger.Error("no control arm", "experiment_id", x, "error", err)
				continue
			}
		}

		value := arm.ValueEstimate
		if arm.Results == 0 {
			value = e.opts.ExplorationPrior
		}
		out = append(out, armChoice{arm: arm, value: value})
		rec.Arms = append(rec.Arms, conversation.ArmRef{
			ExperimentID: x,
			VariantID:    arm.VariantID,
			Control:      arm.Control,
			Selected:     selected,
		})
	}
	return out
}

// static is the phase's default recommendation, used when the outer timeout
// fires before fusion completes.
func (e *Engine) static(c *conversation.Context, plan phasePlan) *Recommendation {
	rec := &Recommendation{
		ID:             uuid.New().String(),
		ConversationID: c.ConversationID,
		Turn:           c.TurnIndex(),
		Phase:          c.Phase,
		Emotion:        c.Profile.Emotion,
		Strategies: []Ranked{{
			StrategyID: plan.defaultID,
			Rationale:  []string{"fallback: decision exceeded the outer timeout"},
		}},
		Fallback:  true,
		Reason:    ReasonOuterTimeout,
		CreatedAt: e.opts.Now().UTC(),
	}
	for _, x := range plan.experiments {
		if arm, err := e.bandit.Control(x); err == nil {
			rec.Arms = append(rec.Arms, conversation.ArmRef{ExperimentID: x, VariantID: arm.VariantID, Control: true})
		}
	}
	return rec
}

func missingNotes(g gathered) []string {
	var notes []string
	for _, m := range g.report.Missing {
		notes = append(notes, fmt.Sprintf("missing signal: predictor %s (%s)", m.Predictor, m.Reason))
	}
	if !g.matcherOK {
		notes = append(notes, "missing signal: pattern matcher did not complete")
	}
	return notes
}

// confidence is the mean confidence of the predictions that arrived scaled by
// the share of requested predictors that answered, reduced when the matcher
// is missing and halved on fallback.
func confidence(g gathered, requested int, fallback bool) float64 {
	conf := 1.0
	if requested > 0 {
		if len(g.report.Results) == 0 {
			conf = 0
		} else {
			var sum float64
			for _, r := range g.report.Results {
				sum += r.Confidence
			}
			mean := sum / float64(len(g.report.Results))
			conf = mean * float64(len(g.report.Results)) / float64(requested)
		}
	}
	if !g.matcherOK {
		conf *= 0.8
	}
	if fallback {
		conf *= 0.5
	}
	return conf
}
