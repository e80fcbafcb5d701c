package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectDecide carries decision requests (request-reply).
	SubjectDecide = "swarm.closer.decide"
	// SubjectOutcome carries observed outcomes from the orchestrator.
	SubjectOutcome = "swarm.closer.outcome"
	// SubjectFeedback carries learning signals for offline retraining.
	SubjectFeedback = "swarm.closer.feedback"
	// SubjectRegistered announces the engine to the swarm.
	SubjectRegistered = "swarm.agent.closer.registered"

	queueGroup = "closer"
)

// DefaultRequestTimeout bounds one request-reply handler invocation.
const DefaultRequestTimeout = 2 * time.Second

// Reply is the envelope written back on request-reply subjects.
type Reply struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RequestHandler answers one request. The returned value is sent as
// Reply.Result, an error as Reply.Error.
type RequestHandler func(ctx context.Context, data []byte) (any, error)

type Client struct {
	conn           *nats.Conn
	subs           []*nats.Subscription
	requestTimeout time.Duration
	inflight       *inflight
	logger         *slog.Logger
}

// inflight tracks running request handlers. Once closed it admits no more.
type inflight struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (f *inflight) start() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.wg.Add(1)
	return true
}

func (f *inflight) done() { f.wg.Done() }

func (f *inflight) closeAndWait() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wg.Wait()
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("closer"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, requestTimeout: DefaultRequestTimeout, inflight: &inflight{}, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// Subscribe joins the engine's queue group so that replicas share the load.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// Serve answers requests on subject with handler's result. NATS delivers a
// subscription's messages one at a time, so each request runs on its own
// goroutine, at most concurrency at once.
func (c *Client) Serve(subject string, handler RequestHandler, concurrency int) error {
	d := newDispatcher(handler, concurrency, c.requestTimeout, c.inflight, c.logger)
	sub, err := c.conn.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
		if msg.Reply == "" {
			c.logger.Warn("request without reply subject dropped", "subject", msg.Subject)
			return
		}
		d.dispatch(msg.Subject, msg.Data, msg.Respond)
	})
	if err != nil {
		return fmt.Errorf("serve %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("serving", "subject", subject, "concurrency", d.limit())
	return nil
}

type dispatcher struct {
	handler  RequestHandler
	sem      chan struct{}
	timeout  time.Duration
	inflight *inflight
	logger   *slog.Logger
}

func newDispatcher(handler RequestHandler, concurrency int, timeout time.Duration, f *inflight, logger *slog.Logger) *dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &dispatcher{
		handler:  handler,
		sem:      make(chan struct{}, concurrency),
		timeout:  timeout,
		inflight: f,
		logger:   logger,
	}
}

func (d *dispatcher) limit() int { return cap(d.sem) }

// dispatch blocks only while every slot is busy, then answers in the
// background. Requests arriving after Close are dropped unanswered.
func (d *dispatcher) dispatch(subject string, data []byte, respond func([]byte) error) {
	if !d.inflight.start() {
		return
	}
	d.sem <- struct{}{}
	go func() {
		defer d.inflight.done()
		defer func() { <-d.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		res, err := d.handler(ctx, data)
		if err := respond(encodeReply(res, err)); err != nil {
			d.logger.Error("failed to respond", "subject", subject, "error", err)
		}
	}()
}

// Connected reports whether the connection is currently up.
func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

// Close stops the subscriptions, lets in-flight requests answer, then closes
// the connection.
func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.inflight.closeAndWait()
	c.conn.Close()
}

func encodeReply(res any, err error) []byte {
	r := Reply{Result: res}
	if err != nil {
		r = Reply{Error: err.Error()}
	}
	data, mErr := json.Marshal(r)
	if mErr != nil {
		data, _ = json.Marshal(Reply{Error: "encode reply: " + mErr.Error()})
	}
	return data
}
