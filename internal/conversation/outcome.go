package conversation

import (
	"strconv"
	"time"
)

// EndOfConversation is the turn marker for outcomes observed when the conversation ends.
const EndOfConversation = -1

// OutcomeKey identifies one outcome. Recording the same key twice is a no-op.
type OutcomeKey struct {
	ConversationID string
	Turn           int
}

func (k OutcomeKey) String() string {
	if k.Turn == EndOfConversation {
		return k.ConversationID + ":end"
	}
	return k.ConversationID + ":" + strconv.Itoa(k.Turn)
}

// Result is what was observed after the agent replied.
type Result struct {
	EngagementDelta   float64 `json:"engagement_delta"`
	ObjectionResolved bool    `json:"objection_resolved"`
	Converted         bool    `json:"converted"`
	Abandoned         bool    `json:"abandoned"`
}

// Terminal reports whether the result ends the sale one way or the other.
func (r Result) Terminal() bool {
	return r.Converted || r.Abandoned
}

// Reward maps the observation onto [0,1].
func (r Result) Reward() float64 {
	switch {
	case r.Converted:
		return 1.0
	case r.Abandoned:
		return 0.0
	case r.ObjectionResolved:
		return 0.7
	}
	v := 0.5 + r.EngagementDelta/2
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Success is the binary signal fed to the bandit.
func (r Result) Success() bool {
	if r.Abandoned {
		return false
	}
	return r.Converted || r.ObjectionResolved || r.EngagementDelta > 0
}

// Outcome is the orchestrator's report of what happened after a recommendation.
// Arms and PatternIDs are echoed from the recommendation so the outcome can be
// attributed even when the engine no longer holds it.
type Outcome struct {
	ConversationID   string    `json:"conversation_id"`
	Turn             int       `json:"turn"`
	RecommendationID string    `json:"recommendation_id,omitempty"`
	Arms             []ArmRef  `json:"arms,omitempty"`
	PatternIDs       []string  `json:"pattern_ids,omitempty"`
	Result           Result    `json:"result"`
	Timestamp        time.Time `json:"timestamp"`
}

// Key returns the idempotency key for the outcome.
func (o Outcome) Key() OutcomeKey {
	return OutcomeKey{ConversationID: o.ConversationID, Turn: o.Turn}
}
