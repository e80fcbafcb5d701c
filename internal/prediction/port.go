package prediction

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/closer/internal/conversation"
	"github.com/MikeSquared-Agency/closer/internal/metrics"
)

// Reasons a requested prediction can be missing from a report.
const (
	ReasonTimeout      = "timeout"
	ReasonCancelled    = "cancelled"
	ReasonError        = "error"
	ReasonUnregistered = "unregistered"
	ReasonInvalid      = "invalid"
)

// Missing records a requested predictor that produced no usable result.
type Missing struct {
	Predictor string `json:"predictor"`
	Reason    string `json:"reason"`
}

// Report is the outcome of one fan-out. Results are in request order.
type Report struct {
	Requested int       `json:"requested"`
	Results   []Result  `json:"results"`
	Missing   []Missing `json:"missing,omitempty"`
}

// Port fans a turn out to the registered predictors.
type Port struct {
	registry *Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewPort(registry *Registry, m *metrics.Metrics, logger *slog.Logger) *Port {
	return &Port{registry: registry, metrics: m, logger: logger}
}

type slot struct {
	result Result
	reason string
}

// PredictAll calls every requested predictor concurrently, each bounded by its
// own timeout and by ctx. Predictors that fail, time out or return
// out-of-range values are left out of Results and listed in Missing.
// PredictAll never blocks past the earliest of those deadlines, even if a
// predictor ignores cancellation.
func (p *Port) PredictAll(ctx context.Context, c *conversation.Context, requested []string) Report {
	slots := make([]slot, len(requested))

	var wg sync.WaitGroup
	for i, name := range requested {
		e, ok := p.registry.lookup(name)
		if !ok {
			slots[i].reason = ReasonUnregistered
			continue
		}
		wg.Add(1)
		go func(i int, e entry) {
			defer wg.Done()
			slots[i] = p.call(ctx, c, e)
		}(i, e)
	}
	wg.Wait()

	report := Report{Requested: len(requested)}
	for i, s := range slots {
		if s.reason != "" {
			report.Missing = append(report.Missing, Missing{Predictor: requested[i], Reason: s.reason})
			p.metrics.MissingPrediction(requested[i], s.reason)
			continue
		}
		report.Results = append(report.Results, s.result)
	}
	return report
}

func (p *Port) call(ctx context.Context, c *conversation.Context, e entry) slot {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type reply struct {
		res Result
		err error
	}
	done := make(chan reply, 1)
	start := time.Now()
	go func() {
		res, err := e.predictor.Predict(ctx, c)
		done <- reply{res, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			reason := ReasonError
			if ctx.Err() != nil {
				reason = timeoutReason(ctx.Err())
			}
			p.logger.Debug("predictor failed",
				"predictor", e.name,
				"conversation_id", c.ConversationID,
				"error", r.err,
			)
			return slot{reason: reason}
		}
		if !valid(r.res) {
			p.logger.Warn("predictor returned out-of-range result",
				"predictor", e.name,
				"value", r.res.Value,
				"confidence", r.res.Confidence,
			)
			return slot{reason: ReasonInvalid}
		}
		res := r.res
		res.Predictor = e.name
		if res.Type == "" {
			res.Type = e.typ
		}
		if res.Latency == 0 {
			res.Latency = time.Since(start)
		}
		p.metrics.PredictionLatency(e.name, res.Latency)
		return slot{result: res}
	case <-ctx.Done():
		return slot{reason: timeoutReason(ctx.Err())}
	}
}

func timeoutReason(err error) string {
	if errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	return ReasonTimeout
}

func valid(r Result) bool {
	in := func(f float64) bool { return !math.IsNaN(f) && f >= 0 && f <= 1 }
	return in(r.Value) && in(r.Confidence)
}
