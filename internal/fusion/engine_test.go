package fusion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/closer/internal/bandit"
	"github.com/MikeSquared-Agency/closer/internal/config"
	"github.com/MikeSquared-Agency/closer/internal/conversation"
	"github.com/MikeSquared-Agency/closer/internal/pattern"
	"github.com/MikeSquared-Agency/closer/internal/prediction"
)

const testEngine = `
predictors:
  - name: objection_model
    type: objection
  - name: needs_model
    type: needs
  - name: conversion_model
    type: conversion
strategies:
  - id: warm_greeting
  - id: direct_greeting
  - id: offer_payment_plan
    predictions:
      - {type: objection, label: price}
    patterns: [price_objection]
  - id: clarify_needs
    predictions:
      - {type: needs}
  - id: social_proof
    patterns: [trust_objection]
  - id: reassure
  - id: ask_for_close
    predictions:
      - {type: conversion}
patterns:
  - id: price_objection
    category: objection
    keywords: [expensive]
    role: customer
    effectiveness: 0.4
  - id: trust_objection
    category: objection
    keywords: [reviews]
    role: customer
    effectiveness: 0.4
experiments:
  - id: greeting_v1
    arms:
      - {variant: A, strategy: warm_greeting, control: true}
      - {variant: B, strategy: direct_greeting}
phases:
  - name: greeting
    weights: {prediction: 0.2, pattern: 0.2, bandit: 0.6}
    default_strategy: warm_greeting
    strategies: [warm_greeting, direct_greeting]
    predictors: [conversion_model]
    experiments: [greeting_v1]
  - name: objection_handling
    weights: {prediction: 0.4, pattern: 0.4, bandit: 0.2}
    default_strategy: reassure
    strategies: [clarify_needs, social_proof, offer_payment_plan]
    predictors: [objection_model, needs_model]
  - name: closing
    weights: {prediction: 0.6, pattern: 0.2, bandit: 0.2}
    default_strategy: ask_for_close
    predictors: [conversion_model]
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixed(value, confidence float64, label string) prediction.Predictor {
	return prediction.PredictorFunc(func(ctx context.Context, c *conversation.Context) (prediction.Result, error) {
		return prediction.Result{Value: value, Confidence: confidence, Label: label}, nil
	})
}

func stuck() prediction.Predictor {
	return prediction.PredictorFunc(func(ctx context.Context, c *conversation.Context) (prediction.Result, error) {
		time.Sleep(2 * time.Second)
		return prediction.Result{Value: 0.5, Confidence: 0.5}, nil
	})
}

type harness struct {
	cfg      *config.Engine
	registry *prediction.Registry
	alloc    *bandit.Allocator
	engine   *Engine
}

func newHarness(t *testing.T, predictors map[string]prediction.Predictor) *harness {
	t.Helper()
	cfg, err := config.ParseEngine([]byte(testEngine))
	if err != nil {
		t.Fatalf("parse engine: %v", err)
	}

	reg := prediction.NewRegistry()
	for _, pc := range cfg.Predictors {
		p, ok := predictors[pc.Name]
		if !ok {
			continue
		}
		if err := reg.Register(pc.Name, prediction.Type(pc.Type), p, pc.Timeout); err != nil {
			t.Fatal(err)
		}
	}
	patterns, err := pattern.NewRegistryFromConfig(cfg.Patterns, pattern.NewEffectivenessBook(0.2))
	if err != nil {
		t.Fatal(err)
	}
	alloc := bandit.New(cfg.Experiments, bandit.Options{}, nil, discardLogger())

	h := &harness{cfg: cfg, registry: reg, alloc: alloc}
	h.engine = h.build(t, prediction.NewPort(reg, nil, discardLogger()), pattern.NewMatcher(patterns, 20, nil), alloc)
	return h
}

func (h *harness) build(t *testing.T, preds Predictions, pats Patterns, b Bandit) *Engine {
	t.Helper()
	e, err := New(h.cfg, OptionsFromConfig(h.cfg), preds, pats, b, NewJournal(time.Minute, 100), nil, discardLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func objectionContext() *conversation.Context {
	return &conversation.Context{
		ConversationID: "c1",
		Turn:           4,
		Phase:          conversation.PhaseObjectionHandling,
		Messages: []conversation.Message{
			{Role: conversation.RoleAgent, Text: "The annual plan is $1,200."},
			{Role: conversation.RoleCustomer, Text: "That's expensive and I haven't seen reviews."},
		},
	}
}

func TestDecide_TwoSignalsOutrankOne(t *testing.T) {
	h := newHarness(t, map[string]prediction.Predictor{
		"objection_model": fixed(0.9, 0.9, "price"),
		"needs_model":     fixed(0.9, 0.9, "budget"),
	})

	rec, err := h.engine.Decide(context.Background(), objectionContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Fallback {
		t.Fatalf("expected a full-quorum decision, got fallback: %+v", rec)
	}

	got := make([]string, len(rec.Strategies))
	for i, r := range rec.Strategies {
		got[i] = r.StrategyID
	}
	// payment plan: prediction 0.81 and pattern 0.2; clarify_needs: prediction 0.81 only;
	// social_proof: pattern 0.2 only; reassure: nothing
	want := []string{"offer_payment_plan", "clarify_needs", "social_proof", "reassure"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected ranking %v, got %v", want, got)
	}

	top := rec.Top()
	if math.Abs(top.Score-(0.4*0.81+0.4*0.5*0.4)) > 1e-9 {
		t.Errorf("unexpected top score %f", top.Score)
	}
	if len(top.Rationale) != 2 {
		t.Errorf("expected prediction and pattern rationale, got %v", top.Rationale)
	}
	if !strings.Contains(top.Rationale[0], "objection_model") || !strings.Contains(top.Rationale[1], "price_objection") {
		t.Errorf("unexpected rationale: %v", top.Rationale)
	}
	if math.Abs(rec.Confidence-0.9) > 1e-9 {
		t.Errorf("expected confidence 0.9, got %f", rec.Confidence)
	}
	if len(rec.PatternIDs) != 2 {
		t.Errorf("expected both patterns recorded, got %v", rec.PatternIDs)
	}
}

func TestDecide_MaterialityThreshold(t *testing.T) {
	h := newHarness(t, map[string]prediction.Predictor{
		"objection_model": fixed(0.1, 0.5, "price"), // 0.4 * 0.05 = 0.02, below threshold
		"needs_model":     fixed(0.9, 0.9, "budget"),
	})

	rec, _ := h.engine.Decide(context.Background(), objectionContext())
	for _, r := range rec.Strategies {
		if r.StrategyID != "offer_payment_plan" {
			continue
		}
		for _, note := range r.Rationale {
			if strings.Contains(note, "objection_model") {
				t.Errorf("expected immaterial prediction left out of rationale, got %q", note)
			}
		}
	}
}

func TestDecide_TimedOutPredictorFallsBack(t *testing.T) {
	h := newHarness(t, map[string]prediction.Predictor{"conversion_model": stuck()})

	c := &conversation.Context{ConversationID: "c2", Turn: 7, Phase: conversation.PhaseClosing}

	start := time.Now()
	rec, err := h.engine.Decide(context.Background(), c)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed > h.cfg.Fusion.OuterTimeout {
		t.Errorf("expected decide within %s, took %s", h.cfg.Fusion.OuterTimeout, elapsed)
	}
	if !rec.Fallback || rec.Reason != ReasonQuorum {
		t.Errorf("expected quorum fallback, got fallback=%v reason=%q", rec.Fallback, rec.Reason)
	}
	if rec.Top().StrategyID != "ask_for_close" {
		t.Errorf("expected default strategy on top, got %s", rec.Top().StrategyID)
	}
	found := false
	for _, note := range rec.Top().Rationale {
		if strings.Contains(note, "conversion_model") && strings.Contains(note, "missing signal") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected rationale to note the missing conversion_model, got %v", rec.Top().Rationale)
	}
	if len(rec.Missing) != 1 || rec.Missing[0].Reason != prediction.ReasonTimeout {
		t.Errorf("expected one timed-out prediction, got %+v", rec.Missing)
	}
	if rec.Confidence != 0 {
		t.Errorf("expected zero confidence without predictions, got %f", rec.Confidence)
	}
}

func TestDecide_FallbackUsesControlArm(t *testing.T) {
	h := newHarness(t, map[string]prediction.Predictor{"conversion_model": stuck()})

	c := &conversation.Context{ConversationID: "c3", Turn: 1, Phase: conversation.PhaseGreeting}
	rec, _ := h.engine.Decide(context.Background(), c)

	if !rec.Fallback {
		t.Fatal("expected fallback")
	}
	if len(rec.Arms) != 1 {
		t.Fatalf("expected one arm, got %+v", rec.Arms)
	}
	arm := rec.Arms[0]
	if arm.VariantID != "A" || !arm.Control || arm.Selected {
		t.Errorf("expected unselected control arm A, got %+v", arm)
	}
	if rec.Top().StrategyID != "warm_greeting" {
		t.Errorf("expected default greeting strategy, got %s", rec.Top().StrategyID)
	}

	arms, _ := h.alloc.Arms("greeting_v1")
	for _, a := range arms {
		if a.Impressions != 0 {
			t.Errorf("expected no impressions on fallback, got %+v", a)
		}
	}
}

func TestDecide_SelectsArmAndCreditsStrategy(t *testing.T) {
	h := newHarness(t, map[string]prediction.Predictor{"conversion_model": fixed(0.5, 1.0, "")})

	first, _ := h.engine.Decide(context.Background(), &conversation.Context{ConversationID: "c4", Turn: 1, Phase: conversation.PhaseGreeting})
	second, _ := h.engine.Decide(context.Background(), &conversation.Context{ConversationID: "c5", Turn: 1, Phase: conversation.PhaseGreeting})

	if first.Arms[0].VariantID != "A" || second.Arms[0].VariantID != "B" {
		t.Fatalf("expected forced exploration A then B, got %s then %s", first.Arms[0].VariantID, second.Arms[0].VariantID)
	}
	if !first.Arms[0].Selected {
		t.Error("expected selected arm")
	}
	// the served arm's strategy gets 0.6 * exploration prior 0.5
	if first.Top().StrategyID != "warm_greeting" || math.Abs(first.Top().Score-0.3) > 1e-9 {
		t.Errorf("expected warm_greeting credited 0.3, got %+v", first.Top())
	}
	if second.Top().StrategyID != "direct_greeting" {
		t.Errorf("expected direct_greeting on top for arm B, got %+v", second.Top())
	}
}

func TestDecide_IdempotentPerTurn(t *testing.T) {
	h := newHarness(t, map[string]prediction.Predictor{"conversion_model": fixed(0.5, 1.0, "")})
	c := &conversation.Context{ConversationID: "c6", Turn: 2, Phase: conversation.PhaseGreeting}

	a, _ := h.engine.Decide(context.Background(), c)
	b, _ := h.engine.Decide(context.Background(), c)

	if a.ID != b.ID {
		t.Errorf("expected the same recommendation on retry, got %s and %s", a.ID, b.ID)
	}
	var impressions int64
	for _, arm := range h.alloc.Snapshot() {
		impressions += arm.Impressions
	}
	if impressions != 1 {
		t.Errorf("expected one impression, got %d", impressions)
	}
}

func TestDecide_FastPredictionSurvivesSlowOne(t *testing.T) {
	tests := []struct {
		name        string
		slowTimeout time.Duration
	}{
		{"slow predictor cut by its own timeout", 150 * time.Millisecond},
		{"slow predictor cut by the shared deadline", time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			reg := prediction.NewRegistry()
			if err := reg.Register("objection_model", prediction.TypeObjection, fixed(0.9, 0.9, "price"), 150*time.Millisecond); err != nil {
				t.Fatal(err)
			}
			if err := reg.Register("needs_model", prediction.TypeNeeds, stuck(), tt.slowTimeout); err != nil {
				t.Fatal(err)
			}
			patterns, _ := pattern.NewRegistryFromConfig(h.cfg.Patterns, nil)
			e := h.build(t, prediction.NewPort(reg, nil, discardLogger()), pattern.NewMatcher(patterns, 20, nil), h.alloc)

			start := time.Now()
			rec, err := e.Decide(context.Background(), objectionContext())
			elapsed := time.Since(start)

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if elapsed > h.cfg.Fusion.OuterTimeout {
				t.Errorf("expected decide within %s, took %s", h.cfg.Fusion.OuterTimeout, elapsed)
			}
			if rec.Fallback {
				t.Fatalf("expected quorum met by the fast prediction, got fallback %q: %+v", rec.Reason, rec.Missing)
			}
			if len(rec.Predictions) != 1 || rec.Predictions[0].Predictor != "objection_model" {
				t.Errorf("expected the fast prediction kept, got %+v", rec.Predictions)
			}
			if len(rec.Missing) != 1 || rec.Missing[0].Predictor != "needs_model" || rec.Missing[0].Reason != prediction.ReasonTimeout {
				t.Errorf("expected needs_model missing on timeout, got %+v", rec.Missing)
			}
			if rec.Top().StrategyID != "offer_payment_plan" {
				t.Errorf("expected the price objection to drive the ranking, got %s", rec.Top().StrategyID)
			}
		})
	}
}

type slowMatcher struct{}

func (slowMatcher) Match(ctx context.Context, c *conversation.Context) ([]pattern.Match, error) {
	time.Sleep(2 * time.Second)
	return nil, nil
}

func TestDecide_SlowMatcherCutAtDeadline(t *testing.T) {
	h := newHarness(t, map[string]prediction.Predictor{
		"objection_model": fixed(0.9, 0.9, "price"),
		"needs_model":     fixed(0.9, 0.9, "budget"),
	})
	e := h.build(t, prediction.NewPort(h.registry, nil, discardLogger()), slowMatcher{}, h.alloc)

	start := time.Now()
	rec, _ := e.Decide(context.Background(), objectionContext())
	if time.Since(start) > h.cfg.Fusion.OuterTimeout {
		t.Errorf("expected decide bounded by deadline, took %s", time.Since(start))
	}
	if !rec.Fallback {
		t.Error("expected fallback when the matcher misses the deadline")
	}
	if rec.Top().StrategyID != "reassure" {
		t.Errorf("expected default strategy promoted, got %s", rec.Top().StrategyID)
	}
	// mean 0.9 * coverage 1 * 0.8 matcher missing * 0.5 fallback
	if math.Abs(rec.Confidence-0.36) > 1e-9 {
		t.Errorf("expected confidence 0.36, got %f", rec.Confidence)
	}
}

type blockingBandit struct {
	*bandit.Allocator
	delay time.Duration
}

func (b blockingBandit) SelectArm(id string) (bandit.Arm, error) {
	time.Sleep(b.delay)
	return b.Allocator.SelectArm(id)
}

func TestDecide_OuterTimeoutServesStaticDefault(t *testing.T) {
	h := newHarness(t, map[string]prediction.Predictor{"conversion_model": fixed(0.5, 1.0, "")})
	patterns, _ := pattern.NewRegistryFromConfig(h.cfg.Patterns, nil)
	e := h.build(t, prediction.NewPort(h.registry, nil, discardLogger()), pattern.NewMatcher(patterns, 20, nil), blockingBandit{h.alloc, 2 * time.Second})

	start := time.Now()
	rec, err := e.Decide(context.Background(), &conversation.Context{ConversationID: "c7", Turn: 1, Phase: conversation.PhaseGreeting})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed > h.cfg.Fusion.OuterTimeout+100*time.Millisecond {
		t.Errorf("expected return near the outer timeout, took %s", elapsed)
	}
	if !rec.Fallback || rec.Reason != ReasonOuterTimeout {
		t.Errorf("expected outer-timeout fallback, got %+v", rec)
	}
	if rec.Top().StrategyID != "warm_greeting" {
		t.Errorf("expected static default, got %s", rec.Top().StrategyID)
	}
	if len(rec.Arms) != 1 || rec.Arms[0].VariantID != "A" || rec.Arms[0].Selected {
		t.Errorf("expected unselected control arm, got %+v", rec.Arms)
	}
}

func TestDecide_AbandonedSelectionReleased(t *testing.T) {
	h := newHarness(t, map[string]prediction.Predictor{"conversion_model": fixed(0.5, 1.0, "")})
	patterns, _ := pattern.NewRegistryFromConfig(h.cfg.Patterns, nil)
	slow := blockingBandit{h.alloc, h.cfg.Fusion.OuterTimeout + 100*time.Millisecond}
	e := h.build(t, prediction.NewPort(h.registry, nil, discardLogger()), pattern.NewMatcher(patterns, 20, nil), slow)

	start := time.Now()
	rec, _ := e.Decide(context.Background(), &conversation.Context{ConversationID: "c9", Turn: 1, Phase: conversation.PhaseGreeting})
	if rec.Reason != ReasonOuterTimeout {
		t.Fatalf("expected outer-timeout fallback, got %+v", rec)
	}

	// the background decide selects an arm after the timeout; its impression
	// must be handed back
	time.Sleep(time.Until(start.Add(slow.delay + 100*time.Millisecond)))
	var impressions int64
	for i := 0; i < 20; i++ {
		impressions = 0
		for _, arm := range h.alloc.Snapshot() {
			impressions += arm.Impressions
		}
		if impressions == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("expected abandoned impression released, got %d", impressions)
}

func TestDecide_UnknownPhase(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Decide(context.Background(), &conversation.Context{ConversationID: "c8", Phase: "aftercare"})
	if !errors.Is(err, ErrNoDefaultStrategy) {
		t.Errorf("expected ErrNoDefaultStrategy, got %v", err)
	}
}

func TestNew_MissingDefaultStrategy(t *testing.T) {
	cfg := &config.Engine{
		Phases: []config.PhaseConfig{{Name: "discovery", Weights: config.Weights{Prediction: 1}}},
	}
	_, err := New(cfg, Options{}, nil, nil, nil, nil, nil, discardLogger())
	if !errors.Is(err, ErrNoDefaultStrategy) {
		t.Errorf("expected ErrNoDefaultStrategy, got %v", err)
	}
}

func TestPromote(t *testing.T) {
	rs := []Ranked{{StrategyID: "a", Score: 0.9}, {StrategyID: "b", Score: 0.5}, {StrategyID: "c", Score: 0.1}}
	got := promote(rs, "c", "fallback")

	if len(got) != 3 || got[0].StrategyID != "c" || got[1].StrategyID != "a" || got[2].StrategyID != "b" {
		t.Errorf("unexpected order: %+v", got)
	}
	if got[0].Rationale[0] != "fallback" {
		t.Errorf("expected fallback note first, got %v", got[0].Rationale)
	}
}
