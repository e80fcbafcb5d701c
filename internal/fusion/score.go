package fusion

import (
	"fmt"
	"math"
	"sort"

	"github.com/MikeSquared-Agency/closer/internal/prediction"
)

// score computes w_pred*prediction + w_pattern*pattern + w_bandit*arm for
// every candidate of the phase, in configuration order.
func score(plan phasePlan, g gathered, arms []armChoice, opts Options) []Ranked {
	w := plan.weights
	out := make([]Ranked, 0, len(plan.candidates))

	for _, s := range plan.candidates {
		r := Ranked{StrategyID: s.id}

		pred, predNote := predictionSignal(s, g)
		if c := w.Prediction * pred; c != 0 {
			r.Score += c
			if math.Abs(c) >= opts.Materiality {
				r.Rationale = append(r.Rationale, fmt.Sprintf("%s contributed %.3f", predNote, c))
			}
		}

		var pat float64
		var patNotes []string
		for _, m := range g.matches {
			if !s.patterns[m.PatternID] {
				continue
			}
			v := m.Confidence * m.Effectiveness
			pat += v
			if c := w.Pattern * v; math.Abs(c) >= opts.Materiality {
				patNotes = append(patNotes, fmt.Sprintf("pattern %s (confidence %.2f, effectiveness %.2f) contributed %.3f",
					m.PatternID, m.Confidence, m.Effectiveness, c))
			}
		}
		r.Score += w.Pattern * clamp(pat, -1, 1)
		r.Rationale = append(r.Rationale, patNotes...)

		for _, a := range arms {
			if a.arm.StrategyID != s.id {
				continue
			}
			c := w.Bandit * a.value
			r.Score += c
			if math.Abs(c) >= opts.Materiality {
				r.Rationale = append(r.Rationale, fmt.Sprintf("experiment %s arm %s (value %.2f) contributed %.3f",
					a.arm.ExperimentID, a.arm.VariantID, a.value, c))
			}
			break
		}

		out = append(out, r)
	}
	return out
}

// predictionSignal is the strongest confidence-weighted value among the
// predictions bound to the strategy.
func predictionSignal(s strategyPlan, g gathered) (float64, string) {
	best, note := 0.0, ""
	for _, b := range s.bindings {
		for _, r := range g.report.Results {
			if r.Type != prediction.Type(b.Type) {
				continue
			}
			if b.Label != "" && r.Label != b.Label {
				continue
			}
			v := r.Value
			if b.Invert {
				v = 1 - v
			}
			if sig := r.Confidence * v; sig > best {
				best = sig
				note = fmt.Sprintf("prediction %s (%s", r.Predictor, r.Type)
				if r.Label != "" {
					note += "=" + r.Label
				}
				note += fmt.Sprintf(" %.2f, confidence %.2f)", r.Value, r.Confidence)
			}
		}
	}
	return best, note
}

// rank orders strategies by score, keeping configuration order on ties.
func rank(rs []Ranked) []Ranked {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Score > rs[j].Score })
	return rs
}

// promote moves the default strategy to the top and annotates it.
func promote(rs []Ranked, defaultID, note string) []Ranked {
	idx := -1
	for i, r := range rs {
		if r.StrategyID == defaultID {
			idx = i
			break
		}
	}
	var top Ranked
	if idx < 0 {
		top = Ranked{StrategyID: defaultID}
	} else {
		top = rs[idx]
		rs = append(rs[:idx:idx], rs[idx+1:]...)
	}
	top.Rationale = append([]string{note}, top.Rationale...)
	return append([]Ranked{top}, rs...)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
