package storage

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newPendingRequest(fingerprint string) Request {
	return Request{
		ID:             uuid.New().String(),
		IngredientsCSV: "chicken, rice, garlic",
		Fingerprint:    fingerprint,
		Status:         StatusPending,
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// migrations are not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestRequestRoundTrip(t *testing.T) {
	s := openTestStore(t)

	r := newPendingRequest("abc123")
	r.WebhookURL = "https://example.com/hook"
	if err := s.CreateRequest(r); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	got, err := s.GetRequest(r.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
	if got.Fingerprint != "abc123" {
		t.Errorf("fingerprint = %s, want abc123", got.Fingerprint)
	}
	if got.WebhookURL != "https://example.com/hook" {
		t.Errorf("webhook = %q", got.WebhookURL)
	}
	if got.RecipeID != "" || got.ErrorMessage != "" {
		t.Errorf("fresh request should have no recipe or error, got %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestGetRequestNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRequest("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMarkProcessingOnlyFromPending(t *testing.T) {
	s := openTestStore(t)

	r := newPendingRequest("fp1")
	if err := s.CreateRequest(r); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkProcessing(r.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	got, _ := s.GetRequest(r.ID)
	if got.Status != StatusProcessing {
		t.Fatalf("status = %s, want PROCESSING", got.Status)
	}

	// A completed request never regresses.
	if err := s.MarkCompleted(r.ID, "recipe-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkProcessing(r.ID); err != nil {
		t.Fatalf("MarkProcessing on completed: %v", err)
	}
	got, _ = s.GetRequest(r.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status regressed to %s", got.Status)
	}
	if got.RecipeID != "recipe-1" {
		t.Errorf("recipe_id = %q, want recipe-1", got.RecipeID)
	}
}

func TestMarkFailedBoundsErrorMessage(t *testing.T) {
	s := openTestStore(t)

	r := newPendingRequest("fp2")
	if err := s.CreateRequest(r); err != nil {
		t.Fatal(err)
	}

	long := strings.Repeat("x", 5000)
	if err := s.MarkFailed(r.ID, long); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	got, _ := s.GetRequest(r.ID)
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if len(got.ErrorMessage) != 1000 {
		t.Errorf("error message length = %d, want 1000", len(got.ErrorMessage))
	}
}

func TestFindCompletedByFingerprint(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.FindCompletedByFingerprint("fp3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	r := newPendingRequest("fp3")
	if err := s.CreateRequest(r); err != nil {
		t.Fatal(err)
	}

	// COMPLETED without a linked recipe does not count.
	pendingTwin := newPendingRequest("fp3")
	if err := s.CreateRequest(pendingTwin); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FindCompletedByFingerprint("fp3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound before completion", err)
	}

	if err := s.MarkCompleted(r.ID, "recipe-9"); err != nil {
		t.Fatal(err)
	}
	got, err := s.FindCompletedByFingerprint("fp3")
	if err != nil {
		t.Fatalf("FindCompletedByFingerprint: %v", err)
	}
	if got.RecipeID != "recipe-9" {
		t.Errorf("recipe_id = %q, want recipe-9", got.RecipeID)
	}
}

func TestExistsActiveByFingerprintExcludes(t *testing.T) {
	s := openTestStore(t)

	r := newPendingRequest("fp4")
	if err := s.CreateRequest(r); err != nil {
		t.Fatal(err)
	}

	// The request itself is excluded.
	active, err := s.ExistsActiveByFingerprint("fp4", r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active {
		t.Error("request should not count itself as an active sibling")
	}

	other := newPendingRequest("fp4")
	if err := s.CreateRequest(other); err != nil {
		t.Fatal(err)
	}
	active, err = s.ExistsActiveByFingerprint("fp4", r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !active {
		t.Error("sibling PENDING request should be reported active")
	}
}

func TestCompleteAllByFingerprint(t *testing.T) {
	s := openTestStore(t)

	a := newPendingRequest("fp5")
	b := newPendingRequest("fp5")
	b.WebhookURL = "https://hooks.example.com/done"
	c := newPendingRequest("fp5")
	other := newPendingRequest("different")
	for _, r := range []Request{a, b, c, other} {
		if err := s.CreateRequest(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MarkProcessing(b.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(c.ID, "boom"); err != nil {
		t.Fatal(err)
	}

	resolved, err := s.CompleteAllByFingerprint("fp5", "recipe-7")
	if err != nil {
		t.Fatalf("CompleteAllByFingerprint: %v", err)
	}
	if len(resolved) != 2 {
		t.Fatalf("resolved %d requests, want 2 (PENDING + PROCESSING)", len(resolved))
	}

	// The returned rows are the ones the update resolved, with the fields a
	// caller needs to schedule notifications.
	byID := map[string]Request{resolved[0].ID: resolved[0], resolved[1].ID: resolved[1]}
	if _, ok := byID[a.ID]; !ok {
		t.Errorf("resolved set is missing request %s", a.ID)
	}
	if got, ok := byID[b.ID]; !ok {
		t.Errorf("resolved set is missing request %s", b.ID)
	} else if got.WebhookURL != b.WebhookURL {
		t.Errorf("resolved row webhook = %q, want %q", got.WebhookURL, b.WebhookURL)
	}

	for _, id := range []string{a.ID, b.ID} {
		got, _ := s.GetRequest(id)
		if got.Status != StatusCompleted || got.RecipeID != "recipe-7" {
			t.Errorf("request %s = %s/%s, want COMPLETED/recipe-7", id, got.Status, got.RecipeID)
		}
	}

	// FAILED is terminal, and other fingerprints are untouched.
	got, _ := s.GetRequest(c.ID)
	if got.Status != StatusFailed {
		t.Errorf("failed request became %s", got.Status)
	}
	got, _ = s.GetRequest(other.ID)
	if got.Status != StatusPending {
		t.Errorf("unrelated request became %s", got.Status)
	}
}

func TestRecipeRoundTrip(t *testing.T) {
	s := openTestStore(t)

	r := Recipe{
		ID:              uuid.New().String(),
		Title:           "Garlic Chicken Rice",
		Excerpt:         "A simple one-pot dinner.",
		Instructions:    []string{"Prep everything.", "Cook it.", "Serve."},
		NumberOfPersons: 2,
		TimeToCook:      20,
		TimeToPrepare:   10,
		Ingredients: []Ingredient{
			{Name: "chicken", Value: 300, Measure: "g"},
			{Name: "rice", Value: 250, Measure: "g"},
			{Name: "garlic", Value: 2, Measure: "cloves"},
		},
	}
	if err := s.SaveRecipe(r); err != nil {
		t.Fatalf("SaveRecipe: %v", err)
	}

	got, err := s.GetRecipe(r.ID)
	if err != nil {
		t.Fatalf("GetRecipe: %v", err)
	}
	if got.Title != r.Title || got.NumberOfPersons != 2 {
		t.Errorf("got %+v", got)
	}
	if len(got.Instructions) != 3 || len(got.Ingredients) != 3 {
		t.Errorf("instructions/ingredients lost: %+v", got)
	}
	if got.Ingredients[0].Name != "chicken" || got.Ingredients[0].Value != 300 {
		t.Errorf("ingredient mismatch: %+v", got.Ingredients[0])
	}

	n, err := s.CountRecipes()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CountRecipes = %d, want 1", n)
	}

	if _, err := s.GetRecipe("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestJobClaimLifecycle(t *testing.T) {
	s := openTestStore(t)

	job := Job{ID: uuid.New().String(), Type: JobGenerateRecipe, PayloadJSON: `{"request_id":"r1"}`}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	claimed, err := s.ClaimNextJob([]string{JobGenerateRecipe})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("claimed = %+v, want job %s", claimed, job.ID)
	}
	if claimed.Status != "running" {
		t.Errorf("claimed status = %s, want running", claimed.Status)
	}

	// A running job cannot be claimed again.
	again, err := s.ClaimNextJob([]string{JobGenerateRecipe})
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Errorf("claimed running job again: %+v", again)
	}

	if err := s.CompleteJob(job.ID); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestJobClaimFiltersByType(t *testing.T) {
	s := openTestStore(t)

	job := Job{ID: uuid.New().String(), Type: JobNotifyWebhook, PayloadJSON: `{}`}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimNextJob([]string{JobGenerateRecipe})
	if err != nil {
		t.Fatal(err)
	}
	if claimed != nil {
		t.Errorf("claimed job of wrong type: %+v", claimed)
	}
}

func TestFailJobRetriesWithBackoffThenFailsPermanently(t *testing.T) {
	s := openTestStore(t)

	job := Job{ID: uuid.New().String(), Type: JobGenerateRecipe, PayloadJSON: `{}`, MaxAttempts: 2}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ClaimNextJob([]string{JobGenerateRecipe}); err != nil {
		t.Fatal(err)
	}
	if err := s.FailJob(job.ID, "generator unavailable"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "pending" {
		t.Fatalf("after first failure status = %s, want pending", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if !got.RunAfter.After(time.Now().Add(time.Second)) {
		t.Errorf("run_after = %v, want backoff into the future", got.RunAfter)
	}

	// Backed-off job is not claimable yet.
	claimed, err := s.ClaimNextJob([]string{JobGenerateRecipe})
	if err != nil {
		t.Fatal(err)
	}
	if claimed != nil {
		t.Error("backed-off job should not be claimable")
	}

	if err := s.FailJob(job.ID, "generator unavailable"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetJob(job.ID)
	if got.Status != "failed" {
		t.Errorf("after exhausting attempts status = %s, want failed", got.Status)
	}
	if got.LastError == "" {
		t.Error("last_error should be recorded")
	}
}
