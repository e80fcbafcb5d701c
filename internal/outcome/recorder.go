package outcome

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/closer/internal/conversation"
	"github.com/MikeSquared-Agency/closer/internal/effectiveness"
	"github.com/MikeSquared-Agency/closer/internal/fusion"
	"github.com/MikeSquared-Agency/closer/internal/metrics"
)

// ErrInvalidOutcome is returned for outcomes that cannot be keyed. Turns are
// numbered from 1; EndOfConversation is the only other accepted value.
var ErrInvalidOutcome = errors.New("invalid outcome")

// Attribution finds the recommendations an outcome belongs to.
type Attribution interface {
	Get(key conversation.OutcomeKey) (*fusion.Recommendation, bool)
	Conversation(conversationID string) []*fusion.Recommendation
	Forget(conversationID string)
	Settle(conversationID string) bool
}

// Arms receives bandit results.
type Arms interface {
	RecordResult(experimentID, variantID string, success bool, value float64) error
}

// Effectiveness receives pattern effectiveness signals.
type Effectiveness interface {
	Update(patternID string, signal float64, emotion string) (float64, bool)
}

// Ack is the recorder's answer. Duplicates are acknowledged, not rejected.
type Ack struct {
	Key             string `json:"key"`
	Applied         bool   `json:"applied"`
	Duplicate       bool   `json:"duplicate"`
	ArmsUpdated     int    `json:"arms_updated"`
	PatternsUpdated int    `json:"patterns_updated"`
	FeedbackQueued  int    `json:"feedback_queued"`
}

// Recorder applies observed outcomes to bandit arms and pattern scores
// exactly once per (conversation, turn) key.
type Recorder struct {
	ledger      Ledger
	attribution Attribution
	arms        Arms
	book        Effectiveness
	emitter     *Emitter
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

func NewRecorder(ledger Ledger, attribution Attribution, arms Arms, book Effectiveness, emitter *Emitter, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	return &Recorder{
		ledger:      ledger,
		attribution: attribution,
		arms:        arms,
		book:        book,
		emitter:     emitter,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// Record applies o. A key that was already applied returns Ack{Duplicate:
// true} and changes nothing. Arm and pattern updates are not rolled back if
// feedback emission later fails. An error is returned only for an unkeyable
// outcome or when the ledger cannot be consulted.
func (r *Recorder) Record(ctx context.Context, o conversation.Outcome) (Ack, error) {
	if o.ConversationID == "" || (o.Turn < 1 && o.Turn != conversation.EndOfConversation) {
		return Ack{}, fmt.Errorf("%w: conversation %q turn %d", ErrInvalidOutcome, o.ConversationID, o.Turn)
	}
	key := o.Key()
	ack := Ack{Key: key.String()}

	claimed, err := r.ledger.Claim(ctx, key)
	if err != nil {
		return Ack{}, fmt.Errorf("claim outcome %s: %w", key, err)
	}
	if !claimed {
		r.metrics.Outcome("duplicate")
		r.logger.Info("duplicate outcome ignored", "conversation_id", o.ConversationID, "turn", o.Turn)
		ack.Duplicate = true
		return ack, nil
	}

	rec, found := r.attribution.Get(key)
	reward := o.Result.Reward()
	success := o.Result.Success()
	recID := o.RecommendationID
	emotion := ""
	if found {
		recID = rec.ID
		emotion = rec.Emotion
	}
	base := FeedbackEvent{
		Reward:           reward,
		ConversationID:   o.ConversationID,
		Turn:             o.Turn,
		RecommendationID: recID,
		Timestamp:        r.now().UTC(),
	}

	arms := o.Arms
	if found {
		arms = rec.Arms
	}
	for _, a := range arms {
		if !a.Selected {
			continue
		}
		if err := r.arms.RecordResult(a.ExperimentID, a.VariantID, success, reward); err != nil {
			r.logger.Warn("arm result not applied",
				"conversation_id", o.ConversationID,
				"experiment_id", a.ExperimentID,
				"variant_id", a.VariantID,
				"error", err,
			)
			continue
		}
		ack.ArmsUpdated++
		if r.queue(base, KindArm, a.ExperimentID+"/"+a.VariantID, effectiveness.Signal(reward)) {
			ack.FeedbackQueued++
		}
	}

	signal := effectiveness.Signal(reward)
	for _, id := range r.patternsFor(o, rec, found) {
		if _, ok := r.book.Update(id, signal, emotion); !ok {
			r.logger.Warn("pattern effectiveness not updated", "pattern_id", id, "conversation_id", o.ConversationID)
			continue
		}
		ack.PatternsUpdated++
		if r.queue(base, KindPattern, id, signal) {
			ack.FeedbackQueued++
		}
	}

	if found {
		for _, p := range rec.Predictions {
			if r.queue(base, KindPredictor, p.Predictor, reward-p.Value) {
				ack.FeedbackQueued++
			}
		}
	}

	if o.Turn == conversation.EndOfConversation {
		r.attribution.Forget(o.ConversationID)
	}

	ack.Applied = true
	r.metrics.Outcome("applied")
	r.logger.Info("outcome recorded",
		"conversation_id", o.ConversationID,
		"turn", o.Turn,
		"reward", reward,
		"attributed", found,
		"arms_updated", ack.ArmsUpdated,
		"patterns_updated", ack.PatternsUpdated,
	)
	return ack, nil
}

// patternsFor picks the patterns an outcome teaches. A turn outcome updates
// the patterns attached to that turn's recommendation. The first terminal
// result or end-of-conversation marker of a conversation updates every
// pattern that fired anywhere in it, each once; later ones update none.
func (r *Recorder) patternsFor(o conversation.Outcome, rec *fusion.Recommendation, found bool) []string {
	terminal := o.Turn == conversation.EndOfConversation || o.Result.Terminal()
	if !terminal {
		if found {
			return rec.PatternIDs
		}
		return o.PatternIDs
	}

	if !r.attribution.Settle(o.ConversationID) {
		return nil
	}

	seen := make(map[string]bool)
	var ids []string
	add := func(list []string) {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	for _, prior := range r.attribution.Conversation(o.ConversationID) {
		add(prior.PatternIDs)
	}
	add(o.PatternIDs)
	sort.Strings(ids)
	return ids
}

func (r *Recorder) queue(base FeedbackEvent, kind Kind, subject string, delta float64) bool {
	if r.emitter == nil {
		return false
	}
	ev := base
	ev.ID = uuid.New().String()
	ev.Kind = kind
	ev.Subject = subject
	ev.Delta = delta
	return r.emitter.Enqueue(ev)
}
