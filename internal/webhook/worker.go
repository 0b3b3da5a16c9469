package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/perret/galley/internal/storage"
)

// JobStore is the slice of the job queue the delivery worker needs.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Deliverer sends a single event to an endpoint. *Notifier satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, endpoint string, ev Event) error
}

// Worker drains notify_webhook jobs. Delivery failures go back to the queue
// for its bounded retry; once attempts are exhausted the failure is logged
// and swallowed — notification state never leaks into request or recipe
// rows, and the original requester never sees it.
type Worker struct {
	store    JobStore
	notifier Deliverer
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a delivery worker. A pollInterval <= 0 defaults to 500ms.
func NewWorker(store JobStore, notifier Deliverer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		notifier: notifier,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for delivery jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("webhook worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single notify_webhook job. Returns true if
// a job was processed, regardless of delivery success.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobNotifyWebhook})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.deliverJob(ctx, job); err != nil {
		w.logger.Warn("webhook delivery failed",
			"job_id", job.ID, "attempt", job.Attempts+1, "max_attempts", job.MaxAttempts, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark webhook job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) deliverJob(ctx context.Context, job *storage.Job) error {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	ev := Event{
		RequestID: payload.RequestID,
		Status:    payload.Status,
		RecipeID:  payload.RecipeID,
		Timestamp: time.Now().UTC(),
	}
	return w.notifier.Deliver(ctx, payload.URL, ev)
}
