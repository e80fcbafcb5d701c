package fusion

import (
	"time"

	"github.com/MikeSquared-Agency/closer/internal/conversation"
	"github.com/MikeSquared-Agency/closer/internal/prediction"
)

// Ranked is one candidate strategy with its combined score.
type Ranked struct {
	StrategyID string   `json:"strategy_id"`
	Score      float64  `json:"score"`
	Rationale  []string `json:"rationale,omitempty"`
}

// PredictionRef records a prediction that was available to the decision, so
// the outcome can later be compared against it.
type PredictionRef struct {
	Predictor  string          `json:"predictor"`
	Type       prediction.Type `json:"type"`
	Value      float64         `json:"value"`
	Label      string          `json:"label,omitempty"`
	Confidence float64         `json:"confidence"`
}

// Recommendation is the engine's answer for one turn. Degraded answers have
// the same shape with Fallback set.
type Recommendation struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversation_id"`
	Turn           int                   `json:"turn"`
	Phase          conversation.Phase    `json:"phase"`
	Emotion        string                `json:"emotion,omitempty"`
	Strategies     []Ranked              `json:"strategies"`
	Confidence     float64               `json:"confidence"`
	Arms           []conversation.ArmRef `json:"arms,omitempty"`
	PatternIDs     []string              `json:"pattern_ids,omitempty"`
	Predictions    []PredictionRef       `json:"predictions,omitempty"`
	Missing        []prediction.Missing  `json:"missing,omitempty"`
	Fallback       bool                  `json:"fallback"`
	Reason         string                `json:"reason,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

// Top returns the highest ranked strategy.
func (r *Recommendation) Top() Ranked {
	if len(r.Strategies) == 0 {
		return Ranked{}
	}
	return r.Strategies[0]
}

// Key is the (conversation, turn) pair the recommendation answers.
func (r *Recommendation) Key() conversation.OutcomeKey {
	return conversation.OutcomeKey{ConversationID: r.ConversationID, Turn: r.Turn}
}
