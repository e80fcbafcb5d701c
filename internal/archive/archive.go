package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/closer/internal/outcome"
)

const (
	DefaultFlushInterval = time.Minute
	DefaultBatchSize     = 500
	// maxBuffered caps what a failing bucket can pile up in memory.
	maxBuffered = 50000
)

// Putter is the part of the S3 client the archive uses.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive batches feedback events into JSONL objects under
// feedback/YYYY/MM/DD/ for offline retraining.
type Archive struct {
	client   Putter
	bucket   string
	interval time.Duration
	batch    int
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending []outcome.FeedbackEvent
	full    chan struct{}
}

// NewS3 builds an archive on the default AWS credential chain.
func NewS3(ctx context.Context, bucket, region string, logger *slog.Logger) (*Archive, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(s3.NewFromConfig(cfg), bucket, DefaultFlushInterval, DefaultBatchSize, logger), nil
}

func New(client Putter, bucket string, interval time.Duration, batch int, logger *slog.Logger) *Archive {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Archive{
		client:   client,
		bucket:   bucket,
		interval: interval,
		batch:    batch,
		logger:   logger,
		now:      time.Now,
		full:     make(chan struct{}, 1),
	}
}

// Emit buffers ev. It never touches the network.
func (a *Archive) Emit(_ context.Context, ev outcome.FeedbackEvent) error {
	a.mu.Lock()
	a.pending = append(a.pending, ev)
	n := len(a.pending)
	a.mu.Unlock()

	if n >= a.batch {
		select {
		case a.full <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending returns the number of buffered events.
func (a *Archive) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Run flushes on every tick and whenever a batch fills, and once more when
// ctx is cancelled.
func (a *Archive) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-a.full:
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := a.Flush(fctx); err != nil {
				a.logger.Error("final feedback archive flush failed", "error", err, "pending", a.Pending())
			}
			cancel()
			return
		}
		if err := a.Flush(ctx); err != nil {
			a.logger.Warn("feedback archive flush failed", "error", err, "pending", a.Pending())
		}
	}
}

// Flush writes everything buffered as one object. On failure the events go
// back to the front of the buffer for the next attempt.
func (a *Archive) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range batch {
		if err := enc.Encode(ev); err != nil {
			a.logger.Warn("skipping unencodable feedback event", "id", ev.ID, "error", err)
		}
	}

	key := a.objectKey()
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		a.requeue(batch)
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}

	a.logger.Info("feedback archived", "bucket", a.bucket, "key", key, "events", len(batch))
	return nil
}

func (a *Archive) requeue(batch []outcome.FeedbackEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	merged := append(batch, a.pending...)
	if over := len(merged) - maxBuffered; over > 0 {
		a.logger.Warn("feedback archive buffer full, dropping oldest events", "dropped", over)
		merged = merged[over:]
	}
	a.pending = merged
}

func (a *Archive) objectKey() string {
	t := a.now().UTC()
	return fmt.Sprintf("feedback/%s/%d-%s.jsonl", t.Format("2006/01/02"), t.UnixNano(), uuid.New().String())
}
