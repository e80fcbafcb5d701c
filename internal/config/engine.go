package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every engine configuration defect.
var ErrInvalid = errors.New("invalid engine config")

// weightTolerance bounds how far a phase's fusion weights may drift from 1.0.
const weightTolerance = 1e-6

// Engine is the static decision-engine configuration loaded at startup.
// Nested hierarchies (phases, registries, experiments) are easier to manage
// in YAML than in environment variables.
type Engine struct {
	Fusion        FusionConfig        `yaml:"fusion"`
	Bandit        BanditConfig        `yaml:"bandit"`
	Effectiveness EffectivenessConfig `yaml:"effectiveness"`
	Cache         CacheConfig         `yaml:"cache"`
	Matcher       MatcherConfig       `yaml:"matcher"`
	Predictors    []PredictorConfig   `yaml:"predictors"`
	Phases        []PhaseConfig       `yaml:"phases"`
	Strategies    []StrategyConfig    `yaml:"strategies"`
	Patterns      []PatternConfig     `yaml:"patterns"`
	Experiments   []ExperimentConfig  `yaml:"experiments"`
}

// FusionConfig holds the decide-path budgets and thresholds.
type FusionConfig struct {
	Deadline       time.Duration `yaml:"deadline"`      // shared fork-join deadline
	OuterTimeout   time.Duration `yaml:"outer_timeout"` // hard bound on Decide
	Materiality    float64       `yaml:"materiality"`
	MinPredictions int           `yaml:"min_predictions"`
	JournalTTL     time.Duration `yaml:"journal_ttl"`
	JournalSize    int           `yaml:"journal_size"`

	// an explicit zero is a valid setting for these two
	materialitySet    bool
	minPredictionsSet bool
}

// UnmarshalYAML records which of the zero-valid tunables were present.
func (f *FusionConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain FusionConfig
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*f = FusionConfig(p)
	for i := 0; i+1 < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "materiality":
			f.materialitySet = true
		case "min_predictions":
			f.minPredictionsSet = true
		}
	}
	return nil
}

// BanditConfig holds exploration parameters.
type BanditConfig struct {
	AbandonmentWindow time.Duration `yaml:"abandonment_window"`
	MaxRetries        int           `yaml:"max_retries"`
	ExplorationPrior  float64       `yaml:"exploration_prior"`
}

type EffectivenessConfig struct {
	Alpha float64 `yaml:"alpha"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type MatcherConfig struct {
	Window int `yaml:"window"` // K, the number of recent messages scanned
}

// PredictorConfig registers one model-serving predictor.
type PredictorConfig struct {
	Name    string        `yaml:"name"`
	Type    string        `yaml:"type"`  // objection | needs | conversion | lead_score | churn_risk ...
	Model   string        `yaml:"model"` // model id on the serving collaborator; defaults to Name
	Timeout time.Duration `yaml:"timeout"`
}

// Weights are the per-phase fusion weights. They must sum to 1.0.
type Weights struct {
	Prediction float64 `yaml:"prediction"`
	Pattern    float64 `yaml:"pattern"`
	Bandit     float64 `yaml:"bandit"`
}

func (w Weights) Sum() float64 {
	return w.Prediction + w.Pattern + w.Bandit
}

// PhaseConfig describes how decisions are made within one conversation phase.
type PhaseConfig struct {
	Name            string   `yaml:"name"`
	Weights         Weights  `yaml:"weights"`
	DefaultStrategy string   `yaml:"default_strategy"`
	Strategies      []string `yaml:"strategies"`
	Predictors      []string `yaml:"predictors"`
	Experiments     []string `yaml:"experiments"`
}

// PredictionBinding ties a strategy to a prediction signal.
type PredictionBinding struct {
	Type   string `yaml:"type"`
	Label  string `yaml:"label,omitempty"`  // category predictions must carry this label
	Invert bool   `yaml:"invert,omitempty"` // use 1-value, e.g. low conversion probability
}

// StrategyConfig is a conversational move the engine can recommend.
type StrategyConfig struct {
	ID          string              `yaml:"id"`
	Description string              `yaml:"description,omitempty"`
	Predictions []PredictionBinding `yaml:"predictions"`
	Patterns    []string            `yaml:"patterns"`
}

// Range is an inclusive [Min, Max] interval.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// PatternConfig declares a behavioral pattern.
type PatternConfig struct {
	ID             string   `yaml:"id"`
	Category       string   `yaml:"category"`
	Group          string   `yaml:"group,omitempty"` // overlapping patterns share a group
	Keywords       []string `yaml:"keywords,omitempty"`
	MinOccurrences int      `yaml:"min_occurrences,omitempty"`
	Role           string   `yaml:"role,omitempty"`
	Sentiment      *Range   `yaml:"sentiment,omitempty"`
	Sequence       []string `yaml:"sequence,omitempty"`
	Effectiveness  float64  `yaml:"effectiveness"`
}

// ArmConfig is one variant of an experiment.
type ArmConfig struct {
	Variant  string `yaml:"variant"`
	Strategy string `yaml:"strategy"`
	Control  bool   `yaml:"control,omitempty"`
}

type ExperimentConfig struct {
	ID   string      `yaml:"id"`
	Arms []ArmConfig `yaml:"arms"`
}

// LoadEngine reads, defaults and validates the engine configuration file.
// Any defect is returned as an error so the process can refuse to start.
func LoadEngine(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine config: %w", err)
	}
	return ParseEngine(data)
}

// ParseEngine decodes YAML bytes into a validated Engine.
func ParseEngine(data []byte) (*Engine, error) {
	var cfg Engine
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalid, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset tunables.
func (e *Engine) ApplyDefaults() {
	if e.Fusion.Deadline == 0 {
		e.Fusion.Deadline = 300 * time.Millisecond
	}
	if e.Fusion.OuterTimeout == 0 {
		e.Fusion.OuterTimeout = 500 * time.Millisecond
	}
	if e.Fusion.Materiality == 0 && !e.Fusion.materialitySet {
		e.Fusion.Materiality = 0.05
	}
	if e.Fusion.MinPredictions == 0 && !e.Fusion.minPredictionsSet {
		e.Fusion.MinPredictions = 1
	}
	if e.Fusion.JournalTTL == 0 {
		e.Fusion.JournalTTL = 30 * time.Minute
	}
	if e.Fusion.JournalSize == 0 {
		e.Fusion.JournalSize = 10000
	}
	if e.Bandit.AbandonmentWindow == 0 {
		e.Bandit.AbandonmentWindow = 24 * time.Hour
	}
	if e.Bandit.MaxRetries == 0 {
		e.Bandit.MaxRetries = 32
	}
	if e.Bandit.ExplorationPrior == 0 {
		e.Bandit.ExplorationPrior = 0.5
	}
	if e.Effectiveness.Alpha == 0 {
		e.Effectiveness.Alpha = 0.2
	}
	if e.Cache.TTL == 0 {
		e.Cache.TTL = time.Minute
	}
	if e.Matcher.Window == 0 {
		e.Matcher.Window = 20
	}
	for i := range e.Predictors {
		if e.Predictors[i].Timeout == 0 {
			e.Predictors[i].Timeout = min(150*time.Millisecond, e.Fusion.Deadline/2)
		}
		if e.Predictors[i].Model == "" {
			e.Predictors[i].Model = e.Predictors[i].Name
		}
	}
	for i := range e.Patterns {
		if len(e.Patterns[i].Sequence) == 0 && e.Patterns[i].MinOccurrences == 0 {
			e.Patterns[i].MinOccurrences = 1
		}
	}
}

// Validate checks every invariant the decide path relies on and reports all
// defects at once.
func (e *Engine) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if e.Fusion.Deadline <= 0 {
		fail("fusion.deadline must be > 0")
	}
	if e.Fusion.OuterTimeout <= 0 {
		fail("fusion.outer_timeout must be > 0")
	}
	if e.Fusion.OuterTimeout < e.Fusion.Deadline {
		fail("fusion.outer_timeout (%s) must not be shorter than fusion.deadline (%s)", e.Fusion.OuterTimeout, e.Fusion.Deadline)
	}
	if e.Fusion.Materiality < 0 || e.Fusion.Materiality > 1 {
		fail("fusion.materiality must be within [0,1]")
	}
	if e.Fusion.MinPredictions < 0 {
		fail("fusion.min_predictions must be >= 0")
	}
	if e.Bandit.AbandonmentWindow <= 0 {
		fail("bandit.abandonment_window must be > 0")
	}
	if e.Bandit.MaxRetries <= 0 {
		fail("bandit.max_retries must be > 0")
	}
	if e.Bandit.ExplorationPrior < 0 || e.Bandit.ExplorationPrior > 1 {
		fail("bandit.exploration_prior must be within [0,1]")
	}
	if e.Effectiveness.Alpha <= 0 || e.Effectiveness.Alpha > 1 {
		fail("effectiveness.alpha must be within (0,1]")
	}
	if e.Cache.TTL < 0 {
		fail("cache.ttl must be >= 0")
	}
	if e.Matcher.Window <= 0 {
		fail("matcher.window must be > 0")
	}

	predictors := make(map[string]bool)
	for _, p := range e.Predictors {
		switch {
		case p.Name == "":
			fail("predictor with empty name")
		case predictors[p.Name]:
			fail("duplicate predictor %q", p.Name)
		}
		predictors[p.Name] = true
		if p.Type == "" {
			fail("predictor %q has no type", p.Name)
		}
		if p.Timeout <= 0 {
			fail("predictor %q timeout must be > 0", p.Name)
		}
		if p.Timeout >= e.Fusion.Deadline {
			fail("predictor %q timeout (%s) must be shorter than fusion.deadline (%s)", p.Name, p.Timeout, e.Fusion.Deadline)
		}
	}

	patterns := make(map[string]PatternConfig)
	for _, p := range e.Patterns {
		switch {
		case p.ID == "":
			fail("pattern with empty id")
		case patterns[p.ID].ID != "":
			fail("duplicate pattern %q", p.ID)
		}
		patterns[p.ID] = p
	}
	for _, p := range e.Patterns {
		if len(p.Sequence) == 0 && len(p.Keywords) == 0 {
			fail("pattern %q needs keywords or a sequence", p.ID)
		}
		if len(p.Sequence) > 0 && len(p.Keywords) > 0 {
			fail("pattern %q cannot declare both keywords and a sequence", p.ID)
		}
		for _, ref := range p.Sequence {
			target, ok := patterns[ref]
			switch {
			case !ok:
				fail("pattern %q sequence references unknown pattern %q", p.ID, ref)
			case len(target.Sequence) > 0:
				fail("pattern %q sequence references sequence pattern %q", p.ID, ref)
			}
		}
		if p.MinOccurrences < 0 {
			fail("pattern %q min_occurrences must be >= 0", p.ID)
		}
		if p.Sentiment != nil && (p.Sentiment.Min > p.Sentiment.Max || p.Sentiment.Min < -1 || p.Sentiment.Max > 1) {
			fail("pattern %q sentiment range must be ordered within [-1,1]", p.ID)
		}
		if p.Effectiveness < -1 || p.Effectiveness > 1 {
			fail("pattern %q effectiveness must be within [-1,1]", p.ID)
		}
	}

	strategies := make(map[string]bool)
	for _, s := range e.Strategies {
		switch {
		case s.ID == "":
			fail("strategy with empty id")
		case strategies[s.ID]:
			fail("duplicate strategy %q", s.ID)
		}
		strategies[s.ID] = true
		for _, b := range s.Predictions {
			if b.Type == "" {
				fail("strategy %q has a prediction binding without a type", s.ID)
			}
		}
		for _, ref := range s.Patterns {
			if _, ok := patterns[ref]; !ok {
				fail("strategy %q references unknown pattern %q", s.ID, ref)
			}
		}
	}

	experiments := make(map[string]bool)
	for _, x := range e.Experiments {
		switch {
		case x.ID == "":
			fail("experiment with empty id")
		case experiments[x.ID]:
			fail("duplicate experiment %q", x.ID)
		}
		experiments[x.ID] = true
		if len(x.Arms) == 0 {
			fail("experiment %q has no arms", x.ID)
		}
		controls := 0
		variants := make(map[string]bool)
		for _, a := range x.Arms {
			if a.Variant == "" || variants[a.Variant] {
				fail("experiment %q has an empty or duplicate variant %q", x.ID, a.Variant)
			}
			variants[a.Variant] = true
			if !strategies[a.Strategy] {
				fail("experiment %q variant %q references unknown strategy %q", x.ID, a.Variant, a.Strategy)
			}
			if a.Control {
				controls++
			}
		}
		if controls != 1 {
			fail("experiment %q must have exactly one control arm, has %d", x.ID, controls)
		}
	}

	if len(e.Phases) == 0 {
		fail("no phases configured")
	}
	phases := make(map[string]bool)
	for _, ph := range e.Phases {
		switch {
		case ph.Name == "":
			fail("phase with empty name")
		case phases[ph.Name]:
			fail("duplicate phase %q", ph.Name)
		}
		phases[ph.Name] = true

		w := ph.Weights
		if w.Prediction < 0 || w.Pattern < 0 || w.Bandit < 0 {
			fail("phase %q has a negative fusion weight", ph.Name)
		}
		if math.Abs(w.Sum()-1.0) > weightTolerance {
			fail("phase %q fusion weights sum to %.6f, want 1.0", ph.Name, w.Sum())
		}
		if ph.DefaultStrategy == "" {
			fail("phase %q has no default strategy", ph.Name)
		} else if !strategies[ph.DefaultStrategy] {
			fail("phase %q default strategy %q is not defined", ph.Name, ph.DefaultStrategy)
		}
		for _, s := range ph.Strategies {
			if !strategies[s] {
				fail("phase %q references unknown strategy %q", ph.Name, s)
			}
		}
		for _, p := range ph.Predictors {
			if !predictors[p] {
				fail("phase %q references unknown predictor %q", ph.Name, p)
			}
		}
		for _, x := range ph.Experiments {
			if !experiments[x] {
				fail("phase %q references unknown experiment %q", ph.Name, x)
			}
		}
	}

	return errors.Join(errs...)
}

// Phase returns the configuration for name.
func (e *Engine) Phase(name string) (PhaseConfig, bool) {
	for _, ph := range e.Phases {
		if ph.Name == name {
			return ph, true
		}
	}
	return PhaseConfig{}, false
}

// Candidates returns the phase's candidate strategies with the default
// strategy included.
func (p PhaseConfig) Candidates() []string {
	out := make([]string, 0, len(p.Strategies)+1)
	seen := false
	for _, s := range p.Strategies {
		if s == p.DefaultStrategy {
			seen = true
		}
		out = append(out, s)
	}
	if !seen && p.DefaultStrategy != "" {
		out = append(out, p.DefaultStrategy)
	}
	return out
}
