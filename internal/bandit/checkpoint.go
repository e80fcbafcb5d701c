package bandit

import (
	"context"
	"log/slog"
	"time"
)

// DefaultCheckpointInterval is how often state is persisted.
const DefaultCheckpointInterval = 30 * time.Second

// ArmStore persists arm snapshots. The store is a checkpoint, not a
// coordination point: only this process writes its experiments.
type ArmStore interface {
	SaveArms(ctx context.Context, arms []Arm) error
}

// CheckpointJob is one piece of state saved on every checkpoint.
type CheckpointJob struct {
	Name string
	Run  func(ctx context.Context) error
}

// ArmsJob saves the allocator's current snapshot to store.
func ArmsJob(a *Allocator, store ArmStore) CheckpointJob {
	return CheckpointJob{
		Name: "arms",
		Run: func(ctx context.Context) error {
			return store.SaveArms(ctx, a.Snapshot())
		},
	}
}

// Checkpointer periodically runs its jobs, and once more on shutdown.
type Checkpointer struct {
	interval time.Duration
	jobs     []CheckpointJob
	logger   *slog.Logger
}

func NewCheckpointer(interval time.Duration, logger *slog.Logger, jobs ...CheckpointJob) *Checkpointer {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	return &Checkpointer{interval: interval, jobs: jobs, logger: logger}
}

// Run blocks until ctx is cancelled, then performs a final checkpoint with a
// fresh bounded context.
func (c *Checkpointer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Checkpoint(ctx)
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			c.Checkpoint(final)
			cancel()
			return
		}
	}
}

// Checkpoint runs every job once. Failures are logged; the next tick retries.
func (c *Checkpointer) Checkpoint(ctx context.Context) {
	for _, job := range c.jobs {
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			c.logger.Error("checkpoint failed", "job", job.Name, "error", err)
			continue
		}
		c.logger.Debug("checkpoint saved", "job", job.Name, "duration_ms", time.Since(start).Milliseconds())
	}
}
