package hermes

import (
	"context"
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/closer/internal/outcome"
)

// Publisher is satisfied by *Client.
type Publisher interface {
	Publish(subject string, data any) error
}

// FeedbackSink publishes feedback events on SubjectFeedback.
type FeedbackSink struct {
	pub Publisher
}

func NewFeedbackSink(pub Publisher) *FeedbackSink {
	return &FeedbackSink{pub: pub}
}

func (s *FeedbackSink) Emit(_ context.Context, ev outcome.FeedbackEvent) error {
	if err := s.pub.Publish(SubjectFeedback, ev); err != nil {
		return fmt.Errorf("publish feedback %s: %w", ev.ID, err)
	}
	return nil
}

// Registration is announced on SubjectRegistered at startup.
type Registration struct {
	AgentID      string    `json:"agent_id"`
	Version      string    `json:"version"`
	Experiments  []string  `json:"experiments"`
	Predictors   []string  `json:"predictors"`
	Patterns     int       `json:"patterns"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Announce publishes r.
func Announce(pub Publisher, r Registration) error {
	if r.RegisteredAt.IsZero() {
		r.RegisteredAt = time.Now().UTC()
	}
	return pub.Publish(SubjectRegistered, r)
}
