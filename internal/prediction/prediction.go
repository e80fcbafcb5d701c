package prediction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/closer/internal/conversation"
)

// DefaultTimeout bounds a single predictor call when none is configured.
const DefaultTimeout = 150 * time.Millisecond

// Type is the kind of signal a predictor produces. The set is open: new
// predictor kinds are added by registering an implementation.
type Type string

const (
	TypeObjection  Type = "objection"
	TypeNeeds      Type = "needs"
	TypeConversion Type = "conversion"
	TypeLeadScore  Type = "lead_score"
	TypeChurnRisk  Type = "churn_risk"
)

// Result is one predictor's output for a single turn.
type Result struct {
	Predictor  string         `json:"predictor"`
	Type       Type           `json:"type"`
	Value      float64        `json:"value"`           // probability or score in [0,1]
	Label      string         `json:"label,omitempty"` // category predictions, e.g. "price"
	Confidence float64        `json:"confidence"`
	Features   map[string]any `json:"features,omitempty"`
	Latency    time.Duration  `json:"latency"`
	Cached     bool           `json:"cached,omitempty"`
}

// Predictor is the single capability every model exposes to the engine.
type Predictor interface {
	Predict(ctx context.Context, c *conversation.Context) (Result, error)
}

// PredictorFunc adapts a plain function to the Predictor interface.
type PredictorFunc func(ctx context.Context, c *conversation.Context) (Result, error)

func (f PredictorFunc) Predict(ctx context.Context, c *conversation.Context) (Result, error) {
	return f(ctx, c)
}

type entry struct {
	name      string
	typ       Type
	predictor Predictor
	timeout   time.Duration
}

// Registry is the table of predictors available to the port.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a predictor under name. A non-positive timeout uses DefaultTimeout.
func (r *Registry) Register(name string, typ Type, p Predictor, timeout time.Duration) error {
	if name == "" {
		return errors.New("register predictor: empty name")
	}
	if p == nil {
		return fmt.Errorf("register predictor %s: nil implementation", name)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("register predictor %s: already registered", name)
	}
	r.entries[name] = entry{name: name, typ: typ, predictor: p, timeout: timeout}
	r.order = append(r.order, name)
	return nil
}

// Names returns registered predictor names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}
