package outcome

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/closer/internal/metrics"
)

// Kind is what a feedback event is about.
type Kind string

const (
	KindPattern   Kind = "pattern"
	KindPredictor Kind = "predictor"
	KindArm       Kind = "arm"
)

// FeedbackEvent is a signed learning signal for offline retraining.
type FeedbackEvent struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	Subject          string    `json:"subject"` // pattern id, predictor name or experiment/variant
	Delta            float64   `json:"delta"`
	Reward           float64   `json:"reward"`
	ConversationID   string    `json:"conversation_id"`
	Turn             int       `json:"turn"`
	RecommendationID string    `json:"recommendation_id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Sink receives feedback events.
type Sink interface {
	Emit(ctx context.Context, ev FeedbackEvent) error
}

// MultiSink delivers every event to each sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, ev FeedbackEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultQueueSize bounds the number of events waiting to be emitted.
const DefaultQueueSize = 1024

// Emitter decouples feedback delivery from outcome recording. Enqueue never
// blocks: when the queue is full the event is dropped and counted.
type Emitter struct {
	queue   chan FeedbackEvent
	sink    Sink
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
	done    chan struct{}
	once    sync.Once
}

func NewEmitter(sink Sink, size int, m *metrics.Metrics, logger *slog.Logger) *Emitter {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Emitter{
		queue:   make(chan FeedbackEvent, size),
		sink:    sink,
		timeout: 5 * time.Second,
		metrics: m,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Enqueue hands ev to the background loop. It reports false if ev was dropped.
func (e *Emitter) Enqueue(ev FeedbackEvent) bool {
	select {
	case e.queue <- ev:
		return true
	default:
		e.metrics.FeedbackDropped()
		e.logger.Warn("feedback queue full, dropping event", "kind", ev.Kind, "subject", ev.Subject)
		return false
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already queued before returning.
func (e *Emitter) Run(ctx context.Context) {
	defer e.once.Do(func() { close(e.done) })
	for {
		select {
		case ev := <-e.queue:
			e.emit(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-e.queue:
					e.emit(ev)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (e *Emitter) Done() <-chan struct{} { return e.done }

func (e *Emitter) emit(ev FeedbackEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	if err := e.sink.Emit(ctx, ev); err != nil {
		e.logger.Error("feedback emit failed",
			"kind", ev.Kind,
			"subject", ev.Subject,
			"conversation_id", ev.ConversationID,
			"error", err,
		)
	}
}
