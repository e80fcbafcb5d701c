package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/closer/internal/conversation"
	"github.com/MikeSquared-Agency/closer/internal/fusion"
	"github.com/MikeSquared-Agency/closer/internal/outcome"
)

// ErrStopped is returned for work submitted after the processor shut down.
var ErrStopped = errors.New("processor stopped")

// ErrBadRequest wraps payloads that cannot be decoded or keyed.
var ErrBadRequest = errors.New("bad request")

const (
	DefaultWorkers   = 8
	defaultQueueSize = 256
	auditTimeout     = 5 * time.Second
	handlerTimeout   = 5 * time.Second
)

// Decider produces recommendations.
type Decider interface {
	Decide(ctx context.Context, c *conversation.Context) (*fusion.Recommendation, error)
}

// Recorder applies outcomes.
type Recorder interface {
	Record(ctx context.Context, o conversation.Outcome) (outcome.Ack, error)
}

// Auditor keeps the decision audit trail. Satisfied by *store.Store.
type Auditor interface {
	WriteRecommendation(ctx context.Context, rec *fusion.Recommendation) error
	WriteOutcome(ctx context.Context, o conversation.Outcome) error
}

type job struct {
	ctx context.Context
	run func(ctx context.Context)
}

// Processor serialises work per conversation: every conversation hashes to
// one worker queue, so its turns run in arrival order while different
// conversations run in parallel.
type Processor struct {
	decider  Decider
	recorder Recorder
	audit    Auditor
	logger   *slog.Logger

	queues  []chan job
	stopped chan struct{}
	once    sync.Once

	auditMu     sync.Mutex
	auditClosed bool
	audits      sync.WaitGroup
}

// New builds a processor with the given number of workers. audit may be nil.
func New(d Decider, r Recorder, audit Auditor, workers int, logger *slog.Logger) *Processor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	p := &Processor{
		decider:  d,
		recorder: r,
		audit:    audit,
		logger:   logger,
		queues:   make([]chan job, workers),
		stopped:  make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan job, defaultQueueSize)
	}
	return p
}

// Run starts the workers and blocks until ctx is cancelled. Pending audit
// writes are waited for before it returns.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range p.queues {
		q := p.queues[i]
		g.Go(func() error {
			p.work(gctx, q)
			return nil
		})
	}
	err := g.Wait()
	p.once.Do(func() { close(p.stopped) })

	p.auditMu.Lock()
	p.auditClosed = true
	p.auditMu.Unlock()
	p.audits.Wait()
	return err
}

func (p *Processor) work(ctx context.Context, q chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q:
			if j.ctx.Err() != nil {
				continue
			}
			j.run(j.ctx)
		}
	}
}

func (p *Processor) shard(conversationID string) chan job {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

func (p *Processor) submit(ctx context.Context, conversationID string, run func(ctx context.Context)) error {
	select {
	case p.shard(conversationID) <- job{ctx: ctx, run: run}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopped:
		return ErrStopped
	}
}

// Decide runs the decision on the conversation's worker and waits for it.
func (p *Processor) Decide(ctx context.Context, c *conversation.Context) (*fusion.Recommendation, error) {
	if c == nil || c.ConversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation_id", ErrBadRequest)
	}
	if c.Turn < 0 || c.TurnIndex() < 1 {
		return nil, fmt.Errorf("%w: turn must be >= 1 or derivable from messages", ErrBadRequest)
	}

	type result struct {
		rec *fusion.Recommendation
		err error
	}
	done := make(chan result, 1)
	err := p.submit(ctx, c.ConversationID, func(ctx context.Context) {
		rec, err := p.decider.Decide(ctx, c)
		done <- result{rec, err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		if r.err == nil {
			p.auditRecommendation(r.rec)
		}
		return r.rec, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopped:
		return nil, ErrStopped
	}
}

// Record applies the outcome on the conversation's worker and waits for it.
func (p *Processor) Record(ctx context.Context, o conversation.Outcome) (outcome.Ack, error) {
	if o.ConversationID == "" {
		return outcome.Ack{}, fmt.Errorf("%w: missing conversation_id", ErrBadRequest)
	}

	type result struct {
		ack outcome.Ack
		err error
	}
	done := make(chan result, 1)
	err := p.submit(ctx, o.ConversationID, func(ctx context.Context) {
		ack, err := p.recorder.Record(ctx, o)
		done <- result{ack, err}
	})
	if err != nil {
		return outcome.Ack{}, err
	}

	select {
	case r := <-done:
		if r.err == nil && r.ack.Applied {
			p.auditOutcome(o)
		}
		return r.ack, r.err
	case <-ctx.Done():
		return outcome.Ack{}, ctx.Err()
	case <-p.stopped:
		return outcome.Ack{}, ErrStopped
	}
}

// HandleDecideRequest is the NATS request handler for swarm.closer.decide.
func (p *Processor) HandleDecideRequest(ctx context.Context, data []byte) (any, error) {
	var c conversation.Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	rec, err := p.Decide(ctx, &c)
	if err != nil {
		p.logger.Error("decide request failed", "conversation_id", c.ConversationID, "error", err)
		return nil, err
	}
	return rec, nil
}

// HandleOutcome is the NATS handler for swarm.closer.outcome.
func (p *Processor) HandleOutcome(subject string, data []byte) {
	var o conversation.Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		p.logger.Error("failed to parse outcome", "subject", subject, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if _, err := p.Record(ctx, o); err != nil {
		p.logger.Error("outcome not recorded",
			"conversation_id", o.ConversationID,
			"turn", o.Turn,
			"error", err,
		)
	}
}

func (p *Processor) auditRecommendation(rec *fusion.Recommendation) {
	if p.audit == nil || rec == nil {
		return
	}
	p.spawnAudit(func(ctx context.Context) {
		if err := p.audit.WriteRecommendation(ctx, rec); err != nil {
			p.logger.Error("failed to audit recommendation", "recommendation_id", rec.ID, "error", err)
		}
	})
}

func (p *Processor) auditOutcome(o conversation.Outcome) {
	if p.audit == nil {
		return
	}
	p.spawnAudit(func(ctx context.Context) {
		if err := p.audit.WriteOutcome(ctx, o); err != nil {
			p.logger.Error("failed to audit outcome", "conversation_id", o.ConversationID, "turn", o.Turn, "error", err)
		}
	})
}

// spawnAudit runs write in the background unless Run has already begun
// waiting for audits, in which case the write is skipped.
func (p *Processor) spawnAudit(write func(ctx context.Context)) {
	p.auditMu.Lock()
	if p.auditClosed {
		p.auditMu.Unlock()
		p.logger.Warn("processor stopped, audit write skipped")
		return
	}
	p.audits.Add(1)
	p.auditMu.Unlock()

	go func() {
		defer p.audits.Done()
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		write(ctx)
	}()
}
