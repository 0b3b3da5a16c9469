// Package dedup owns the submission protocol: it decides, under a
// fingerprint-scoped lock, whether a new submission aliases an existing
// recipe, rides along with in-flight work, or enqueues a fresh generation
// job.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/perret/galley/internal/ingredient"
	"github.com/perret/galley/internal/lock"
	"github.com/perret/galley/internal/recipe"
	"github.com/perret/galley/internal/storage"
)

// Store is the slice of the request store the coordinator needs.
type Store interface {
	CreateRequest(r storage.Request) error
	FindCompletedByFingerprint(fingerprint string) (storage.Request, error)
	ExistsActiveByFingerprint(fingerprint, excludeID string) (bool, error)
	MarkCompleted(id, recipeID string) error
	EnqueueJob(job storage.Job) error
}

// Result is the outcome of a submission. Every submission gets its own
// request id, deduped or not, so each caller can poll its own handle.
type Result struct {
	RequestID string
	Status    storage.RequestStatus
	Deduped   bool
}

// Coordinator serializes the decide-to-enqueue step per fingerprint.
type Coordinator struct {
	store  Store
	locks  lock.Provider
	lease  time.Duration
	wait   time.Duration
	logger *slog.Logger
}

// New creates a Coordinator. Non-positive lease/wait fall back to the
// defaults of 5s and 3s.
func New(store Store, locks lock.Provider, lease, wait time.Duration) *Coordinator {
	if lease <= 0 {
		lease = 5 * time.Second
	}
	if wait <= 0 {
		wait = 3 * time.Second
	}
	return &Coordinator{
		store:  store,
		locks:  locks,
		lease:  lease,
		wait:   wait,
		logger: slog.Default(),
	}
}

// Submit registers a submission and decides whether it triggers work.
//
// Under the fingerprint lock: a COMPLETED sibling with a recipe aliases the
// new request immediately; an active sibling means the in-flight work will
// resolve it via fan-out, so nothing is enqueued; otherwise a generation
// job is enqueued. The job insert happens only after the request row has
// committed, so a worker can never claim a job whose request it cannot see.
//
// If the lock wait expires the degraded path applies: the request is
// created PENDING without enqueueing, on the assumption that the current
// lock holder (or its job) resolves the fingerprint. That is a trade of a
// small starvation risk for availability; the worker-side duplicate
// re-check is the real exactly-once gate.
func (c *Coordinator) Submit(ctx context.Context, rawIngredients, webhookURL string) (Result, error) {
	fingerprint := ingredient.Fingerprint(rawIngredients)

	held, outcome := c.locks.Acquire(ctx, "recipe-req:"+fingerprint, c.lease, c.wait)
	if outcome == lock.TimedOut {
		return c.submitDegraded(rawIngredients, webhookURL, fingerprint)
	}
	defer held.Release()

	id, err := c.createPending(rawIngredients, webhookURL, fingerprint)
	if err != nil {
		return Result{}, err
	}

	if res, ok, err := c.aliasCompleted(id, fingerprint); err != nil {
		return Result{}, err
	} else if ok {
		return res, nil
	}

	active, err := c.store.ExistsActiveByFingerprint(fingerprint, id)
	if err != nil {
		return Result{}, fmt.Errorf("checking active requests: %w", err)
	}
	if active {
		// In-flight work for this fingerprint resolves all sharers when it
		// completes; no new job.
		return Result{RequestID: id, Status: storage.StatusPending, Deduped: true}, nil
	}

	if err := c.enqueueGeneration(id); err != nil {
		return Result{}, err
	}
	return Result{RequestID: id, Status: storage.StatusPending, Deduped: false}, nil
}

// submitDegraded handles a lock-wait timeout: another submitter holds the
// fingerprint, so record the request and let the holder's work resolve it.
func (c *Coordinator) submitDegraded(rawIngredients, webhookURL, fingerprint string) (Result, error) {
	c.logger.Warn("lock wait expired, degraded submission path", "fingerprint", fingerprint)

	id, err := c.createPending(rawIngredients, webhookURL, fingerprint)
	if err != nil {
		return Result{}, err
	}

	if res, ok, err := c.aliasCompleted(id, fingerprint); err != nil {
		return Result{}, err
	} else if ok {
		return res, nil
	}

	return Result{RequestID: id, Status: storage.StatusPending, Deduped: true}, nil
}

func (c *Coordinator) createPending(rawIngredients, webhookURL, fingerprint string) (string, error) {
	id := uuid.New().String()
	err := c.store.CreateRequest(storage.Request{
		ID:             id,
		IngredientsCSV: rawIngredients,
		Fingerprint:    fingerprint,
		Status:         storage.StatusPending,
		WebhookURL:     webhookURL,
	})
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	return id, nil
}

// aliasCompleted resolves the new request against an already-finished
// recipe for the same fingerprint, if one exists.
func (c *Coordinator) aliasCompleted(id, fingerprint string) (Result, bool, error) {
	completed, err := c.store.FindCompletedByFingerprint(fingerprint)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("checking completed requests: %w", err)
	}

	if err := c.store.MarkCompleted(id, completed.RecipeID); err != nil {
		return Result{}, false, fmt.Errorf("aliasing recipe: %w", err)
	}
	return Result{RequestID: id, Status: storage.StatusCompleted, Deduped: true}, true, nil
}

func (c *Coordinator) enqueueGeneration(requestID string) error {
	payload, err := json.Marshal(recipe.GeneratePayload{RequestID: requestID})
	if err != nil {
		return fmt.Errorf("marshaling job payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobGenerateRecipe,
		PayloadJSON: string(payload),
	}
	if err := c.store.EnqueueJob(job); err != nil {
		return fmt.Errorf("enqueueing generation job: %w", err)
	}
	return nil
}
