package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/MikeSquared-Agency/closer/internal/conversation"
	"github.com/MikeSquared-Agency/closer/internal/metrics"
	"github.com/MikeSquared-Agency/closer/internal/prediction"
)

// DefaultTTL is how long a cached prediction stays valid.
const DefaultTTL = time.Minute

// DefaultCallTimeout bounds a shared inner call when Wrap is given none.
const DefaultCallTimeout = 5 * time.Second

const keyPrefix = "closer:pred:"

// Predictions wraps predictors with a Redis read-through cache. Identical
// concurrent calls for the same predictor and features share one inner call.
type Predictions struct {
	rdb     redis.UniversalClient
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewPredictions(rdb redis.UniversalClient, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *Predictions {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Predictions{rdb: rdb, ttl: ttl, metrics: m, logger: logger}
}

// Wrap returns p decorated with the cache. name scopes the cache key and
// timeout bounds the inner call shared by concurrent callers.
func (c *Predictions) Wrap(name string, p prediction.Predictor, timeout time.Duration) prediction.Predictor {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &cachedPredictor{cache: c, name: name, inner: p, timeout: timeout}
}

type cachedPredictor struct {
	cache   *Predictions
	name    string
	inner   prediction.Predictor
	timeout time.Duration
}

func (p *cachedPredictor) Predict(ctx context.Context, c *conversation.Context) (prediction.Result, error) {
	key, err := Key(p.name, conversation.Features(c))
	if err != nil {
		return p.inner.Predict(ctx, c)
	}

	if res, ok := p.cache.get(ctx, key); ok {
		return res, nil
	}

	// the inner call outlives any single caller; joined callers may have
	// more time left than the one that started it
	ch := p.cache.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		res, err := p.inner.Predict(callCtx, c)
		if err != nil {
			return prediction.Result{}, err
		}
		p.cache.set(callCtx, key, res)
		return res, nil
	})

	select {
	case <-ctx.Done():
		return prediction.Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return prediction.Result{}, r.Err
		}
		return r.Val.(prediction.Result), nil
	}
}

func (c *Predictions) get(ctx context.Context, key string) (prediction.Result, bool) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.CacheLookup("miss")
		return prediction.Result{}, false
	}
	if err != nil {
		c.metrics.CacheLookup("error")
		c.logger.Warn("prediction cache read failed", "key", key, "error", err)
		return prediction.Result{}, false
	}

	var res prediction.Result
	if err := json.Unmarshal(data, &res); err != nil {
		c.metrics.CacheLookup("error")
		c.logger.Warn("prediction cache entry corrupt", "key", key, "error", err)
		return prediction.Result{}, false
	}
	c.metrics.CacheLookup("hit")
	res.Cached = true
	return res, true
}

func (c *Predictions) set(ctx context.Context, key string, res prediction.Result) {
	res.Cached = false
	res.Latency = 0
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("prediction cache write failed", "key", key, "error", err)
	}
}

// Key derives the cache key for a predictor and a feature snapshot. Map keys
// are marshalled in sorted order so equal snapshots hash equally.
func Key(predictor string, features map[string]any) (string, error) {
	data, err := json.Marshal(features)
	if err != nil {
		return "", fmt.Errorf("hash features: %w", err)
	}
	sum := sha256.Sum256(data)
	return keyPrefix + predictor + ":" + hex.EncodeToString(sum[:]), nil
}
