package recipe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaBaseURL = "http://127.0.0.1:11434"
	// Local models can be slow on first load, so the chat bound is generous.
	defaultOllamaTimeout = 2 * time.Minute
)

// OllamaConfig carries the tunables for the local-model generator.
type OllamaConfig struct {
	BaseURL  string // empty means 127.0.0.1:11434
	Model    string
	Language string
	Timeout  time.Duration // per-generation bound; <= 0 means 2m
}

// OllamaGenerator asks a local Ollama instance for a recipe. It speaks the
// same prompt contract as the OpenAI generator, with format "json" forcing
// structured output.
type OllamaGenerator struct {
	cfg        OllamaConfig
	httpClient *http.Client
}

// NewOllamaGenerator creates a generator from cfg, filling in defaults for
// unset fields.
func NewOllamaGenerator(cfg OllamaConfig) *OllamaGenerator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "llama3.1"
	}
	if cfg.Language == "" {
		cfg.Language = "English (British)"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultOllamaTimeout
	}
	return &OllamaGenerator{
		cfg: cfg,
		// Per-call deadlines come from the context in chat; no client-level
		// timeout on top.
		httpClient: &http.Client{Timeout: 0},
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
}

func (g *OllamaGenerator) Generate(ctx context.Context, ingredients []string) (Generated, error) {
	clean := make([]string, 0, len(ingredients))
	for _, ing := range ingredients {
		if ing = strings.TrimSpace(ing); ing != "" {
			clean = append(clean, ing)
		}
	}
	if len(clean) == 0 {
		return Generated{}, fmt.Errorf("ingredient list must not be empty")
	}

	content, err := g.chat(ctx, []ollamaMessage{
		{Role: "system", Content: systemPrompt(g.cfg.Language)},
		{Role: "user", Content: userPrompt(clean)},
	})
	if err != nil {
		return Generated{}, err
	}
	return parseRecipe(content)
}

func (g *OllamaGenerator) chat(ctx context.Context, messages []ollamaMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(ollamaChatRequest{
		Model:    g.cfg.Model,
		Messages: messages,
		Stream:   false,
		Format:   "json",
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama chat returned %d", resp.StatusCode)
	}

	var cr ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if cr.Message.Content == "" {
		return "", fmt.Errorf("ollama returned an empty completion")
	}
	return cr.Message.Content, nil
}

// IsRunning reports whether the Ollama server answers its tags endpoint.
// Used at startup to fail fast on a misconfigured provider.
func (g *OllamaGenerator) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
