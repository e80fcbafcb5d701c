package conversation

import "time"

// Roles a message can carry.
const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"
	RoleSystem   = "system"
)

// Phase is the sales phase a conversation is currently in.
type Phase string

const (
	PhaseGreeting          Phase = "greeting"
	PhaseDiscovery         Phase = "discovery"
	PhasePresentation      Phase = "presentation"
	PhaseObjectionHandling Phase = "objection_handling"
	PhaseClosing           Phase = "closing"
)

// Message is a single turn in the conversation history.
type Message struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Sentiment *float64  `json:"sentiment,omitempty"` // [-1,1], supplied by the NLP layer
}

// Profile holds the customer attributes detected so far.
type Profile struct {
	TierHint  string `json:"tier_hint,omitempty"`
	Archetype string `json:"archetype,omitempty"`
	Emotion   string `json:"emotion,omitempty"`
}

// Context is the orchestrator's view of a conversation at the turn being decided.
// The engine treats it as read-only. Turns are numbered from 1; zero means
// unset.
type Context struct {
	ConversationID string    `json:"conversation_id"`
	Turn           int       `json:"turn"`
	Messages       []Message `json:"messages"`
	Profile        Profile   `json:"profile"`
	Phase          Phase     `json:"phase"`
}

// TurnIndex returns the explicit turn, or the history length when unset,
// which is the 1-based position of the newest message. It is zero only for an
// unset turn with no history.
func (c *Context) TurnIndex() int {
	if c.Turn > 0 {
		return c.Turn
	}
	return len(c.Messages)
}

// Recent returns the last k messages. The returned slice aliases the history.
func (c *Context) Recent(k int) []Message {
	if k <= 0 || k >= len(c.Messages) {
		return c.Messages
	}
	return c.Messages[len(c.Messages)-k:]
}

// LastFrom returns the most recent message sent by role.
func (c *Context) LastFrom(role string) (Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == role {
			return c.Messages[i], true
		}
	}
	return Message{}, false
}

// ArmRef identifies the experiment arm a recommendation was served under.
// Selected is false when the arm was substituted on the fallback path without
// an impression being counted; such arms are not credited with results.
type ArmRef struct {
	ExperimentID string `json:"experiment_id"`
	VariantID    string `json:"variant_id"`
	Control      bool   `json:"control,omitempty"`
	Selected     bool   `json:"selected"`
}
