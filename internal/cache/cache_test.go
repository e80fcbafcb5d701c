package cache

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/closer/internal/conversation"
	"github.com/MikeSquared-Agency/closer/internal/prediction"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext() *conversation.Context {
	return &conversation.Context{
		ConversationID: "c1",
		Phase:          conversation.PhaseObjectionHandling,
		Messages: []conversation.Message{
			{Role: conversation.RoleCustomer, Text: "that seems expensive"},
		},
	}
}

type countingPredictor struct {
	calls   atomic.Int32
	gate    chan struct{}
	started chan struct{}
}

func (p *countingPredictor) Predict(ctx context.Context, c *conversation.Context) (prediction.Result, error) {
	p.calls.Add(1)
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return prediction.Result{}, ctx.Err()
		}
	}
	return prediction.Result{Predictor: "objection_model", Value: 0.8, Label: "price", Confidence: 0.9}, nil
}

func TestPredictions_MissThenHit(t *testing.T) {
	_, rdb := setupTestRedis(t)
	inner := &countingPredictor{}
	p := NewPredictions(rdb, time.Minute, nil, discardLogger()).Wrap("objection_model", inner, time.Second)

	first, err := p.Predict(context.Background(), testContext())
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := p.Predict(context.Background(), testContext())
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "price", second.Label)
	assert.InDelta(t, 0.8, second.Value, 1e-9)
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestPredictions_EntryExpires(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	inner := &countingPredictor{}
	p := NewPredictions(rdb, time.Minute, nil, discardLogger()).Wrap("objection_model", inner, time.Second)

	_, err := p.Predict(context.Background(), testContext())
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	res, err := p.Predict(context.Background(), testContext())
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.EqualValues(t, 2, inner.calls.Load())
}

func TestPredictions_BurstCollapsed(t *testing.T) {
	_, rdb := setupTestRedis(t)
	inner := &countingPredictor{gate: make(chan struct{})}
	p := NewPredictions(rdb, time.Minute, nil, discardLogger()).Wrap("objection_model", inner, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Predict(context.Background(), testContext())
			assert.NoError(t, err)
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(inner.gate)
	wg.Wait()

	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestPredictions_SharedCallOutlivesFirstCaller(t *testing.T) {
	_, rdb := setupTestRedis(t)
	inner := &countingPredictor{gate: make(chan struct{}), started: make(chan struct{}, 2)}
	p := NewPredictions(rdb, time.Minute, nil, discardLogger()).Wrap("objection_model", inner, time.Second)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.Predict(firstCtx, testContext())
		firstErr <- err
	}()
	<-inner.started

	type outcome struct {
		res prediction.Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := p.Predict(context.Background(), testContext())
		second <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(inner.gate)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "price", got.res.Label)
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestPredictions_RedisDownFallsThrough(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	mr.Close()
	inner := &countingPredictor{}
	p := NewPredictions(rdb, time.Minute, nil, discardLogger()).Wrap("objection_model", inner, time.Second)

	res, err := p.Predict(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, "price", res.Label)
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestKey_DeterministicAndScoped(t *testing.T) {
	f := conversation.Features(testContext())

	a, err := Key("objection_model", f)
	require.NoError(t, err)
	b, err := Key("objection_model", conversation.Features(testContext()))
	require.NoError(t, err)
	other, err := Key("needs_model", f)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, other)
	assert.Contains(t, a, "closer:pred:objection_model:")
}

func TestLedger_ClaimOnce(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	l := NewLedger(rdb, time.Hour)
	key := conversation.OutcomeKey{ConversationID: "c1", Turn: 5}

	ok, err := l.Claim(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Claim(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Hour)
	ok, err = l.Claim(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedger_RedisDown(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	mr.Close()

	_, err := NewLedger(rdb, time.Hour).Claim(context.Background(), conversation.OutcomeKey{ConversationID: "c1", Turn: 1})
	assert.Error(t, err)
}
