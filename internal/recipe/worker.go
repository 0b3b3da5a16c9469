package recipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/perret/galley/internal/ingredient"
	"github.com/perret/galley/internal/storage"
)

// Store is the slice of storage the production worker needs.
type Store interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error

	GetRequest(id string) (storage.Request, error)
	MarkProcessing(id string) error
	MarkFailed(id, errMsg string) error
	FindCompletedByFingerprint(fingerprint string) (storage.Request, error)
	CompleteAllByFingerprint(fingerprint, recipeID string) ([]storage.Request, error)

	SaveRecipe(r storage.Recipe) error
	EnqueueJob(job storage.Job) error
}

// Worker consumes generate_recipe jobs: it invokes the generator, persists
// the recipe, fans completion out to every request sharing the fingerprint,
// and schedules webhook notifications.
type Worker struct {
	store     Store
	generator Generator
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a production worker. A pollInterval <= 0 defaults to 500ms.
func NewWorker(store Store, generator Generator, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		generator: generator,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for generation jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("recipe worker iteration failed", "error", err)
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

// RunOnce claims and processes a single generate_recipe job. Returns true
// if a job was processed, regardless of success or failure.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobGenerateRecipe})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	var payload GeneratePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		// A payload that never parses will never succeed; exhaust it.
		w.logger.Error("invalid generation job payload", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.Process(ctx, payload.RequestID); err != nil {
		w.logger.Warn("recipe generation failed",
			"job_id", job.ID, "request_id", payload.RequestID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// Process runs the production step for one request. It is idempotent and
// safe to invoke more than once for the same id: anything not in PENDING is
// a no-op, and a fingerprint that already has a recipe is resolved without
// another generator call.
func (w *Worker) Process(ctx context.Context, requestID string) error {
	req, err := w.store.GetRequest(requestID)
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.Warn("generation job references missing request", "request_id", requestID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading request: %w", err)
	}
	if req.Status != storage.StatusPending {
		return nil
	}

	// A sibling may have completed between enqueue and now — the degraded
	// submission path makes that possible. This re-check, not the lock, is
	// what keeps production at-most-once per fingerprint.
	if existing, err := w.store.FindCompletedByFingerprint(req.Fingerprint); err == nil {
		w.fanOutCompletion(req.Fingerprint, existing.RecipeID)
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("checking completed siblings: %w", err)
	}

	if err := w.store.MarkProcessing(req.ID); err != nil {
		return fmt.Errorf("marking request processing: %w", err)
	}

	generated, err := w.generator.Generate(ctx, ingredient.Tokens(req.IngredientsCSV))
	if err == nil {
		err = Validate(generated)
	}
	if err != nil {
		return w.failRequest(req, err)
	}

	rec := storage.Recipe{
		ID:              uuid.New().String(),
		Title:           generated.Title,
		Excerpt:         generated.Excerpt,
		Instructions:    generated.Instructions,
		NumberOfPersons: generated.NumberOfPersons,
		TimeToCook:      generated.TimeToCook,
		TimeToPrepare:   generated.TimeToPrepare,
		Ingredients:     make([]storage.Ingredient, len(generated.Items)),
	}
	for i, item := range generated.Items {
		rec.Ingredients[i] = storage.Ingredient{Name: item.Name, Value: item.Value, Measure: item.Measure}
	}
	if err := w.store.SaveRecipe(rec); err != nil {
		return w.failRequest(req, fmt.Errorf("saving recipe: %w", err))
	}

	w.fanOutCompletion(req.Fingerprint, rec.ID)
	w.logger.Info("recipe generated", "request_id", req.ID, "recipe_id", rec.ID)
	return nil
}

// fanOutCompletion resolves every active request sharing the fingerprint to
// COMPLETED and schedules a notification for each one carrying a webhook.
// A joiner that never got its own job resolves here. The store returns the
// rows the bulk update touched, so every resolved request gets its
// notification even when a new sibling arrives mid fan-out.
func (w *Worker) fanOutCompletion(fingerprint, recipeID string) {
	resolved, err := w.store.CompleteAllByFingerprint(fingerprint, recipeID)
	if err != nil {
		w.logger.Error("completing requests by fingerprint", "fingerprint", fingerprint, "error", err)
		return
	}

	for _, req := range resolved {
		if req.WebhookURL == "" {
			continue
		}
		w.scheduleNotification(req.ID, req.WebhookURL, storage.StatusCompleted, recipeID)
	}
}

// failRequest records a terminal failure on the request, schedules a FAILED
// notification if an endpoint is set, and propagates the cause so the job
// queue's bounded retry policy applies.
func (w *Worker) failRequest(req storage.Request, cause error) error {
	if err := w.store.MarkFailed(req.ID, cause.Error()); err != nil {
		w.logger.Error("failed to mark request failed", "request_id", req.ID, "error", err)
	}
	if req.WebhookURL != "" {
		w.scheduleNotification(req.ID, req.WebhookURL, storage.StatusFailed, "")
	}
	return cause
}

// scheduleNotification enqueues a notify_webhook job. Scheduling is
// best-effort: a queue error is logged, never allowed to disturb the
// production bookkeeping that already happened.
func (w *Worker) scheduleNotification(requestID, url string, status storage.RequestStatus, recipeID string) {
	payload, err := json.Marshal(webhookPayload{
		URL:       url,
		RequestID: requestID,
		Status:    string(status),
		RecipeID:  recipeID,
	})
	if err != nil {
		w.logger.Error("marshaling notification payload", "request_id", requestID, "error", err)
		return
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobNotifyWebhook,
		PayloadJSON: string(payload),
	}
	if err := w.store.EnqueueJob(job); err != nil {
		w.logger.Error("enqueueing notification job", "request_id", requestID, "error", err)
	}
}

// webhookPayload mirrors webhook.Payload. Declared locally so the producer
// side does not import the delivery package.
type webhookPayload struct {
	URL       string `json:"url"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	RecipeID  string `json:"recipe_id,omitempty"`
}
