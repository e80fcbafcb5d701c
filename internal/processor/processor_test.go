package processor

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/closer/internal/conversation"
	"github.com/MikeSquared-Agency/closer/internal/fusion"
	"github.com/MikeSquared-Agency/closer/internal/outcome"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// blockingDecider blocks the first call for a conversation until released.
type blockingDecider struct {
	mu      sync.Mutex
	order   []string
	started chan string
	release map[string]chan struct{}
}

func newBlockingDecider() *blockingDecider {
	return &blockingDecider{started: make(chan string, 16), release: make(map[string]chan struct{})}
}

func (d *blockingDecider) gate(conv string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan struct{})
	d.release[conv] = ch
	return ch
}

func (d *blockingDecider) Decide(ctx context.Context, c *conversation.Context) (*fusion.Recommendation, error) {
	id := c.ConversationID
	d.started <- id
	d.mu.Lock()
	ch := d.release[id]
	delete(d.release, id)
	d.mu.Unlock()
	if ch != nil {
		<-ch
	}
	d.mu.Lock()
	d.order = append(d.order, id+":"+itoa(c.TurnIndex()))
	d.mu.Unlock()
	return &fusion.Recommendation{ID: id + "-" + itoa(c.TurnIndex()), ConversationID: id, Turn: c.TurnIndex()}, nil
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

type fakeRecorder struct {
	ack outcome.Ack
	err error
}

func (r fakeRecorder) Record(ctx context.Context, o conversation.Outcome) (outcome.Ack, error) {
	return r.ack, r.err
}

type fakeAuditor struct {
	mu       sync.Mutex
	recs     []string
	outcomes []string
}

func (a *fakeAuditor) WriteRecommendation(ctx context.Context, rec *fusion.Recommendation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec.ID)
	return nil
}

func (a *fakeAuditor) WriteOutcome(ctx context.Context, o conversation.Outcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, o.Key().String())
	return nil
}

func (a *fakeAuditor) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.recs), len(a.outcomes)
}

func shardOf(id string, n int) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32() % uint32(n)
}

// otherShard finds a conversation id that hashes to a different worker than id.
func otherShard(id string, n int) string {
	for i := 0; ; i++ {
		cand := "conv-" + itoa(i)
		if shardOf(cand, n) != shardOf(id, n) {
			return cand
		}
	}
}

func startProcessor(t *testing.T, p *Processor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDecide_SameConversationRunsInOrder(t *testing.T) {
	d := newBlockingDecider()
	p := New(d, fakeRecorder{}, nil, 4, discardLogger())
	startProcessor(t, p)

	release := d.gate("c1")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.Decide(context.Background(), &conversation.Context{ConversationID: "c1", Turn: 1})
	}()
	<-d.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.Decide(context.Background(), &conversation.Context{ConversationID: "c1", Turn: 2})
	}()

	select {
	case <-d.started:
		t.Fatal("turn 2 started before turn 1 finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.order) != 2 || d.order[0] != "c1:1" || d.order[1] != "c1:2" {
		t.Errorf("expected c1 turns in order, got %v", d.order)
	}
}

func TestDecide_OtherConversationsNotBlocked(t *testing.T) {
	d := newBlockingDecider()
	p := New(d, fakeRecorder{}, nil, 4, discardLogger())
	startProcessor(t, p)

	release := d.gate("c1")
	defer close(release)
	go func() {
		_, _ = p.Decide(context.Background(), &conversation.Context{ConversationID: "c1", Turn: 1})
	}()
	<-d.started

	other := otherShard("c1", 4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rec, err := p.Decide(ctx, &conversation.Context{ConversationID: other, Turn: 1})
	if err != nil {
		t.Fatalf("expected %s to proceed while c1 is blocked, got %v", other, err)
	}
	if rec.ConversationID != other {
		t.Errorf("unexpected recommendation %+v", rec)
	}
}

func TestDecide_CallerContextBoundsWait(t *testing.T) {
	d := newBlockingDecider()
	p := New(d, fakeRecorder{}, nil, 1, discardLogger())
	startProcessor(t, p)

	release := d.gate("c1")
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Decide(ctx, &conversation.Context{ConversationID: "c1", Turn: 1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestDecide_MissingConversation(t *testing.T) {
	p := New(newBlockingDecider(), fakeRecorder{}, nil, 1, discardLogger())
	if _, err := p.Decide(context.Background(), &conversation.Context{}); !errors.Is(err, ErrBadRequest) {
		t.Errorf("expected ErrBadRequest, got %v", err)
	}
}

func TestDecide_TurnsAreOneBased(t *testing.T) {
	p := New(newBlockingDecider(), fakeRecorder{}, nil, 1, discardLogger())
	startProcessor(t, p)

	for _, c := range []*conversation.Context{
		{ConversationID: "c1"},
		{ConversationID: "c1", Turn: -2, Messages: make([]conversation.Message, 3)},
	} {
		if _, err := p.Decide(context.Background(), c); !errors.Is(err, ErrBadRequest) {
			t.Errorf("expected ErrBadRequest for turn %d with %d messages, got %v", c.Turn, len(c.Messages), err)
		}
	}

	rec, err := p.Decide(context.Background(), &conversation.Context{ConversationID: "c1", Messages: make([]conversation.Message, 3)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Turn != 3 {
		t.Errorf("expected turn derived from history, got %d", rec.Turn)
	}
}

func TestAudit_WrittenAsynchronously(t *testing.T) {
	audit := &fakeAuditor{}
	p := New(newBlockingDecider(), fakeRecorder{ack: outcome.Ack{Applied: true}}, audit, 2, discardLogger())
	startProcessor(t, p)

	if _, err := p.Decide(context.Background(), &conversation.Context{ConversationID: "c1", Turn: 3}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Record(context.Background(), conversation.Outcome{ConversationID: "c1", Turn: 3}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r, o := audit.counts(); r == 1 && o == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	r, o := audit.counts()
	t.Errorf("expected one recommendation and one outcome audited, got %d and %d", r, o)
}

func TestRecord_DuplicateNotAudited(t *testing.T) {
	audit := &fakeAuditor{}
	p := New(newBlockingDecider(), fakeRecorder{ack: outcome.Ack{Duplicate: true}}, audit, 2, discardLogger())
	startProcessor(t, p)

	ack, err := p.Record(context.Background(), conversation.Outcome{ConversationID: "c1", Turn: 3})
	if err != nil {
		t.Fatal(err)
	}
	if !ack.Duplicate {
		t.Errorf("expected duplicate ack, got %+v", ack)
	}
	time.Sleep(50 * time.Millisecond)
	if _, o := audit.counts(); o != 0 {
		t.Errorf("expected duplicate outcome not audited, got %d", o)
	}
}

func TestHandleDecideRequest(t *testing.T) {
	p := New(newBlockingDecider(), fakeRecorder{}, nil, 2, discardLogger())
	startProcessor(t, p)

	if _, err := p.HandleDecideRequest(context.Background(), []byte("{not json")); !errors.Is(err, ErrBadRequest) {
		t.Errorf("expected ErrBadRequest for malformed payload, got %v", err)
	}

	res, err := p.HandleDecideRequest(context.Background(), []byte(`{"conversation_id":"c7","turn":2,"phase":"greeting"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, ok := res.(*fusion.Recommendation)
	if !ok || rec.ConversationID != "c7" || rec.Turn != 2 {
		t.Errorf("unexpected result %#v", res)
	}
}

func TestAudit_SkippedOnceStopped(t *testing.T) {
	audit := &fakeAuditor{}
	p := New(newBlockingDecider(), fakeRecorder{}, audit, 1, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}

	p.auditRecommendation(&fusion.Recommendation{ID: "late"})
	p.auditOutcome(conversation.Outcome{ConversationID: "c1", Turn: 1})
	time.Sleep(20 * time.Millisecond)

	if r, o := audit.counts(); r != 0 || o != 0 {
		t.Errorf("expected no audits after stop, got %d and %d", r, o)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(newBlockingDecider(), fakeRecorder{}, nil, 1, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Run(ctx)

	// fill the queue so the send cannot succeed
	for i := 0; i < defaultQueueSize; i++ {
		p.queues[0] <- job{ctx: context.Background(), run: func(context.Context) {}}
	}
	if _, err := p.Decide(context.Background(), &conversation.Context{ConversationID: "c1", Turn: 1}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}
