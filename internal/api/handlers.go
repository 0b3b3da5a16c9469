// Package api exposes the HTTP surface: submission, polling, and recipe
// retrieval.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/perret/galley/internal/dedup"
	"github.com/perret/galley/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

const (
	minIngredientsLen = 2
	maxIngredientsLen = 3000
	maxWebhookURLLen  = 500
)

// Submitter is the dedup coordinator capability the API needs.
type Submitter interface {
	Submit(ctx context.Context, rawIngredients, webhookURL string) (dedup.Result, error)
}

// RequestReader is the storage capability backing the poll endpoints.
type RequestReader interface {
	GetRequest(id string) (storage.Request, error)
	GetRecipe(id string) (storage.Recipe, error)
}

type Deps struct {
	Coordinator Submitter
	Store       RequestReader
	// Token enables bearer auth on /v1 routes when non-empty.
	Token string
}

// NewHandler builds the router: health plus the versioned recipe API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/recipes/generate", handleGenerate(deps))
		r.Get("/recipes/requests/{id}", handleShowRequest(deps))
		r.Get("/recipes/{id}", handleShowRecipe(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type generateRequest struct {
	Ingredients string `json:"ingredients"`
	WebhookURL  string `json:"webhook_url"`
}

type generateResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Deduped   bool   `json:"deduped"`
	Location  string `json:"location"`
}

func handleGenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if n := utf8.RuneCountInString(req.Ingredients); n < minIngredientsLen || n > maxIngredientsLen {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error",
				"ingredients must be between %d and %d characters", minIngredientsLen, maxIngredientsLen)
			return
		}
		if req.WebhookURL != "" {
			if err := checkWebhookURL(req.WebhookURL); err != nil {
				httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "webhook_url: %v", err)
				return
			}
		}

		result, err := deps.Coordinator.Submit(r.Context(), req.Ingredients, req.WebhookURL)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to submit request: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, generateResponse{
			RequestID: result.RequestID,
			Status:    string(result.Status),
			Deduped:   result.Deduped,
			Location:  "/v1/recipes/requests/" + result.RequestID,
		})
	}
}

// checkWebhookURL verifies the URL's shape only. The address-safety policy
// runs at delivery time, so a submission with a hostile endpoint still
// succeeds — it just never gets notified.
func checkWebhookURL(raw string) error {
	if utf8.RuneCountInString(raw) > maxWebhookURLLen {
		return errors.New("must not exceed 500 characters")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("must be a valid URL")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an absolute http or https URL")
	}
	return nil
}

type requestResponse struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Recipe       *recipeResource `json:"recipe,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

func handleShowRequest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		req, err := deps.Store.GetRequest(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "request not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load request: %v", err)
			return
		}

		resp := requestResponse{ID: req.ID, Status: string(req.Status)}
		if req.Status == storage.StatusCompleted && req.RecipeID != "" {
			recipe, err := deps.Store.GetRecipe(req.RecipeID)
			if err == nil {
				resp.Recipe = toRecipeResource(recipe)
			} else if !errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to load recipe: %v", err)
				return
			}
		} else {
			resp.ErrorMessage = req.ErrorMessage
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type recipeResource struct {
	ID              string               `json:"id"`
	Title           string               `json:"title"`
	Excerpt         string               `json:"excerpt"`
	Instructions    []string             `json:"instructions"`
	NumberOfPersons int                  `json:"numberOfPersons"`
	TimeToCook      int                  `json:"timeToCook"`
	TimeToPrepare   int                  `json:"timeToPrepare"`
	Ingredients     []storage.Ingredient `json:"ingredients"`
}

func toRecipeResource(r storage.Recipe) *recipeResource {
	return &recipeResource{
		ID:              r.ID,
		Title:           r.Title,
		Excerpt:         r.Excerpt,
		Instructions:    r.Instructions,
		NumberOfPersons: r.NumberOfPersons,
		TimeToCook:      r.TimeToCook,
		TimeToPrepare:   r.TimeToPrepare,
		Ingredients:     r.Ingredients,
	}
}

func handleShowRecipe(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		recipe, err := deps.Store.GetRecipe(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "recipe not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load recipe: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toRecipeResource(recipe))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
