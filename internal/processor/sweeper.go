package processor

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// NewSweeper returns a scheduler that runs Sweep every interval. The caller
// owns the scheduler lifecycle (Start/Shutdown).
func (p *Processor) NewSweeper(interval time.Duration) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := p.Sweep(context.Background()); err != nil {
				p.logger.Error(err, "Upload sweep failed")
			}
		}),
		gocron.WithName("upload-reattempt-sweeper"),
	); err != nil {
		return nil, err
	}

	return scheduler, nil
}

// Sweep re-enqueues uploads that are still incomplete after the reattempt age
// and have attempts left. This covers worker crashes, queue overflow at
// accept time and transient storage failures.
func (p *Processor) Sweep(ctx context.Context) error {
	uploads, err := p.store.IncompleteUploads(ctx, p.config.ReattemptAge, p.config.MaxAttempts, sweepBatchSize)
	if err != nil {
		return err
	}

	for i, upload := range uploads {
		if err := p.Enqueue(upload.ID); err != nil {
			p.logger.Info("Upload queue full during sweep", "remaining", len(uploads)-i)
			return nil
		}
		p.metrics.Reattempts.Inc()
		p.logger.Info("Re-enqueued incomplete upload", "id", upload.ID, "attempts", upload.Attempts)
	}
	return nil
}
