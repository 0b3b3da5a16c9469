package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RequestStatus is the lifecycle state of a generation request. Transitions
// are monotonic: PENDING → PROCESSING → COMPLETED/FAILED, and a terminal
// state is never left.
type RequestStatus string

const (
	StatusPending    RequestStatus = "PENDING"
	StatusProcessing RequestStatus = "PROCESSING"
	StatusCompleted  RequestStatus = "COMPLETED"
	StatusFailed     RequestStatus = "FAILED"
)

// Request is one submission of an ingredient list. Many requests may share
// the same fingerprint and, once resolved, the same recipe — that
// many-to-one link is what deduplication produces.
type Request struct {
	ID             string
	IngredientsCSV string
	Fingerprint    string
	Status         RequestStatus
	RecipeID       string // set when COMPLETED
	ErrorMessage   string // set when FAILED, truncated to maxErrorLen
	WebhookURL     string // optional notification endpoint
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Ingredient is one line item of a produced recipe.
type Ingredient struct {
	Name    string  `json:"name"`
	Value   float64 `json:"value"`
	Measure string  `json:"measure"`
}

// Recipe is a produced artifact. Immutable once saved.
type Recipe struct {
	ID              string
	Title           string
	Excerpt         string
	Instructions    []string
	NumberOfPersons int
	TimeToCook      int // minutes
	TimeToPrepare   int // minutes
	Ingredients     []Ingredient
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Job types understood by the workers.
const (
	JobGenerateRecipe = "generate_recipe"
	JobNotifyWebhook  = "notify_webhook"
)

// Job is a queued unit of work with bounded retries.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
