package recipe

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/perret/galley/internal/ingredient"
	"github.com/perret/galley/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeGenerator counts invocations and returns a canned result or error.
type fakeGenerator struct {
	calls int
	fail  error
	out   Generated
}

func (g *fakeGenerator) Generate(ctx context.Context, items []string) (Generated, error) {
	g.calls++
	if g.fail != nil {
		return Generated{}, g.fail
	}
	return g.out, nil
}

func validGenerated() Generated {
	return Generated{
		Title:           "Herbed Chicken Rice",
		Excerpt:         "A weeknight one-pot dish.",
		Instructions:    []string{"Sear the chicken.", "Add rice and stock.", "Simmer until done."},
		NumberOfPersons: 2,
		TimeToCook:      25,
		TimeToPrepare:   10,
		Items: []Item{
			{Name: "chicken", Value: 400, Measure: "g"},
			{Name: "rice", Value: 200, Measure: "g"},
		},
	}
}

func createPendingRequest(t *testing.T, s *storage.Store, csv, webhookURL string) storage.Request {
	t.Helper()
	req := storage.Request{
		ID:             uuid.New().String(),
		IngredientsCSV: csv,
		Fingerprint:    ingredient.Fingerprint(csv),
		Status:         storage.StatusPending,
		WebhookURL:     webhookURL,
	}
	if err := s.CreateRequest(req); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	return req
}

func enqueueGenerateJob(t *testing.T, s *storage.Store, requestID string) string {
	t.Helper()
	payload, _ := json.Marshal(GeneratePayload{RequestID: requestID})
	id := uuid.New().String()
	if err := s.EnqueueJob(storage.Job{ID: id, Type: storage.JobGenerateRecipe, PayloadJSON: string(payload)}); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	return id
}

func TestRunOnceGeneratesAndFansOut(t *testing.T) {
	store := openTestStore(t)
	gen := &fakeGenerator{out: validGenerated()}
	w := NewWorker(store, gen, time.Millisecond)

	first := createPendingRequest(t, store, "chicken, rice, garlic", "")
	joiner := createPendingRequest(t, store, "GARLIC, chicken,rice", "https://hooks.example.com/done")
	enqueueGenerateJob(t, store, first.ID)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if !done {
		t.Fatal("RunOnce did not process the enqueued job")
	}
	if gen.calls != 1 {
		t.Errorf("generator calls = %d, want 1", gen.calls)
	}

	got1, _ := store.GetRequest(first.ID)
	got2, _ := store.GetRequest(joiner.ID)
	if got1.Status != storage.StatusCompleted || got2.Status != storage.StatusCompleted {
		t.Errorf("statuses = (%s, %s), want both COMPLETED", got1.Status, got2.Status)
	}
	if got1.RecipeID == "" || got1.RecipeID != got2.RecipeID {
		t.Errorf("recipe ids = (%q, %q), want the same non-empty id", got1.RecipeID, got2.RecipeID)
	}

	if n, _ := store.CountRecipes(); n != 1 {
		t.Errorf("recipes = %d, want 1", n)
	}
	rec, err := store.GetRecipe(got1.RecipeID)
	if err != nil {
		t.Fatalf("GetRecipe failed: %v", err)
	}
	if rec.Title != "Herbed Chicken Rice" || len(rec.Ingredients) != 2 {
		t.Errorf("unexpected stored recipe: title=%q ingredients=%d", rec.Title, len(rec.Ingredients))
	}

	// Only the joiner carries a webhook, so exactly one notification.
	if n, _ := store.CountJobs(storage.JobNotifyWebhook, "pending"); n != 1 {
		t.Errorf("pending notification jobs = %d, want 1", n)
	}
}

func TestProcessSkipsNonPendingRequest(t *testing.T) {
	store := openTestStore(t)
	gen := &fakeGenerator{out: validGenerated()}
	w := NewWorker(store, gen, time.Millisecond)

	req := createPendingRequest(t, store, "salmon, dill, lemon", "")
	if err := store.MarkProcessing(req.ID); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	if err := w.Process(context.Background(), req.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0", gen.calls)
	}
	if n, _ := store.CountRecipes(); n != 0 {
		t.Errorf("recipes = %d, want 0", n)
	}
}

func TestProcessMissingRequestIsNoop(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &fakeGenerator{out: validGenerated()}, time.Millisecond)

	if err := w.Process(context.Background(), uuid.New().String()); err != nil {
		t.Fatalf("Process on a missing request should be a no-op, got %v", err)
	}
}

func TestProcessReusesCompletedSibling(t *testing.T) {
	store := openTestStore(t)
	gen := &fakeGenerator{out: validGenerated()}
	w := NewWorker(store, gen, time.Millisecond)

	recipeID := uuid.New().String()
	if err := store.SaveRecipe(storage.Recipe{ID: recipeID, Title: "Dal", NumberOfPersons: 2}); err != nil {
		t.Fatalf("SaveRecipe failed: %v", err)
	}
	sibling := createPendingRequest(t, store, "lentils, cumin, onion", "")
	if err := store.MarkCompleted(sibling.ID, recipeID); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	late := createPendingRequest(t, store, "Onion, LENTILS, cumin", "")
	if err := w.Process(context.Background(), late.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0 when a sibling already produced the recipe", gen.calls)
	}
	got, _ := store.GetRequest(late.ID)
	if got.Status != storage.StatusCompleted || got.RecipeID != recipeID {
		t.Errorf("late request = (%s, %q), want (COMPLETED, %q)", got.Status, got.RecipeID, recipeID)
	}
	if n, _ := store.CountRecipes(); n != 1 {
		t.Errorf("recipes = %d, want 1", n)
	}
}

func TestRunOnceGeneratorFailure(t *testing.T) {
	store := openTestStore(t)
	gen := &fakeGenerator{fail: errors.New("model unavailable")}
	w := NewWorker(store, gen, time.Millisecond)

	req := createPendingRequest(t, store, "squid, chorizo, peppers", "https://hooks.example.com/done")
	jobID := enqueueGenerateJob(t, store, req.ID)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if !done {
		t.Fatal("RunOnce did not process the enqueued job")
	}

	got, _ := store.GetRequest(req.ID)
	if got.Status != storage.StatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "model unavailable") {
		t.Errorf("error message %q does not carry the cause", got.ErrorMessage)
	}
	if n, _ := store.CountRecipes(); n != 0 {
		t.Errorf("recipes = %d, want 0", n)
	}

	// The job goes back to the queue with a recorded attempt.
	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != "pending" || job.Attempts != 1 {
		t.Errorf("job = (%s, attempts=%d), want (pending, 1)", job.Status, job.Attempts)
	}

	// Failure notification is scheduled for the webhook carrier.
	if n, _ := store.CountJobs(storage.JobNotifyWebhook, "pending"); n != 1 {
		t.Errorf("pending notification jobs = %d, want 1", n)
	}
}

func TestProcessRejectsInvalidGeneratorOutput(t *testing.T) {
	store := openTestStore(t)
	bad := validGenerated()
	bad.Title = ""
	gen := &fakeGenerator{out: bad}
	w := NewWorker(store, gen, time.Millisecond)

	req := createPendingRequest(t, store, "rhubarb, custard", "")
	if err := w.Process(context.Background(), req.ID); err == nil {
		t.Fatal("Process accepted an invalid generation result")
	}

	got, _ := store.GetRequest(req.ID)
	if got.Status != storage.StatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if n, _ := store.CountRecipes(); n != 0 {
		t.Errorf("recipes = %d, want 0", n)
	}
}

func TestRunOnceUnparseablePayload(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &fakeGenerator{out: validGenerated()}, time.Millisecond)

	jobID := uuid.New().String()
	if err := store.EnqueueJob(storage.Job{ID: jobID, Type: storage.JobGenerateRecipe, PayloadJSON: "{not json"}); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if !done {
		t.Fatal("RunOnce did not process the enqueued job")
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Attempts != 1 {
		t.Errorf("job attempts = %d, want 1", job.Attempts)
	}
}
