package recipe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	openAITimeout        = 60 * time.Second
	maxRetries           = 3
	initialBackoff       = 500 * time.Millisecond
)

// OpenAIConfig carries the tunables for the OpenAI-backed generator. The
// recipe language is an explicit setting, never ambient process state.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string // empty means api.openai.com
	Model       string
	Temperature float64
	MaxTokens   int
	Language    string // e.g. "English (British)", "German (formal)"
}

// OpenAIGenerator asks a chat-completions endpoint for a recipe as a JSON
// object and maps it into Generated.
type OpenAIGenerator struct {
	cfg        OpenAIConfig
	httpClient *http.Client
}

// NewOpenAIGenerator creates a generator from cfg, filling in defaults for
// unset fields.
func NewOpenAIGenerator(cfg OpenAIConfig) *OpenAIGenerator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1200
	}
	if cfg.Language == "" {
		cfg.Language = "English (British)"
	}
	return &OpenAIGenerator{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: openAITimeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// recipePayload mirrors the JSON object the model is instructed to return.
// Ingredients stays raw so insertion order (predominance) can be preserved.
type recipePayload struct {
	Success         bool            `json:"success"`
	Error           string          `json:"error"`
	Title           string          `json:"title"`
	Ingredients     json.RawMessage `json:"ingredients"`
	Excerpt         string          `json:"excerpt"`
	Instructions    []string        `json:"instructions"`
	PreparationTime int             `json:"preparation_time"`
	CookTime        int             `json:"cook_time"`
}

func (g *OpenAIGenerator) Generate(ctx context.Context, ingredients []string) (Generated, error) {
	clean := make([]string, 0, len(ingredients))
	for _, ing := range ingredients {
		if ing = strings.TrimSpace(ing); ing != "" {
			clean = append(clean, ing)
		}
	}
	if len(clean) == 0 {
		return Generated{}, fmt.Errorf("ingredient list must not be empty")
	}

	req := chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(g.cfg.Language)},
			{Role: "user", Content: userPrompt(clean)},
		},
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	}
	req.ResponseFormat.Type = "json_object"

	content, err := g.chat(ctx, req)
	if err != nil {
		return Generated{}, err
	}
	return parseRecipe(content)
}

// chat posts the completion request, retrying rate-limit responses with
// exponential backoff.
func (g *OpenAIGenerator) chat(ctx context.Context, req chatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		content, retryable, err := g.doChat(ctx, body)
		if err == nil {
			return content, nil
		}
		if !retryable {
			return "", err
		}
		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", fmt.Errorf("chat completion failed after %d attempts: %w", maxRetries, lastErr)
}

func (g *OpenAIGenerator) doChat(ctx context.Context, body []byte) (content string, retryable bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", false, fmt.Errorf("calling chat completions: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", false, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", true, fmt.Errorf("rate limited (429): %s", strings.TrimSpace(string(respBody)))
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("chat completions returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return "", false, fmt.Errorf("decoding response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", false, fmt.Errorf("chat response has no choices")
	}
	choice := cr.Choices[0]
	if choice.FinishReason != "" && choice.FinishReason != "stop" {
		return "", false, fmt.Errorf("model did not finish the response (finish_reason=%s)", choice.FinishReason)
	}
	return choice.Message.Content, false, nil
}

// parseRecipe maps the model's JSON object into Generated. The model
// answers for two people, so number_of_persons is fixed accordingly.
func parseRecipe(content string) (Generated, error) {
	var p recipePayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return Generated{}, fmt.Errorf("model returned invalid JSON: %w", err)
	}
	if !p.Success {
		if p.Error != "" {
			return Generated{}, fmt.Errorf("model declined to generate a recipe: %s", p.Error)
		}
		return Generated{}, fmt.Errorf("model indicated generation was not successful")
	}

	pairs, err := orderedPairs(p.Ingredients)
	if err != nil {
		return Generated{}, fmt.Errorf("parsing ingredients: %w", err)
	}
	items := make([]Item, 0, len(pairs))
	for _, pair := range pairs {
		value, measure := parseMeasure(pair.measure)
		items = append(items, Item{Name: lowerFirst(pair.name), Value: value, Measure: measure})
	}

	instructions := make([]string, 0, len(p.Instructions))
	for _, step := range p.Instructions {
		if step != "" {
			instructions = append(instructions, step)
		}
	}

	return Generated{
		Title:           p.Title,
		Excerpt:         p.Excerpt,
		Instructions:    instructions,
		NumberOfPersons: 2,
		TimeToCook:      p.CookTime,
		TimeToPrepare:   p.PreparationTime,
		Items:           items,
	}, nil
}

type measurePair struct {
	name    string
	measure string
}

// orderedPairs decodes a JSON object of name -> measure while keeping the
// model's key order, which lists ingredients roughly by predominance.
func orderedPairs(raw json.RawMessage) ([]measurePair, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("ingredients is not a JSON object")
	}

	var pairs []measurePair
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected ingredients key %v", keyTok)
		}
		var measure string
		if err := dec.Decode(&measure); err != nil {
			return nil, fmt.Errorf("ingredient %q has a non-string measure: %w", key, err)
		}
		pairs = append(pairs, measurePair{name: key, measure: measure})
	}
	return pairs, nil
}

var measureRe = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*(\D+)?\s*$`)

// parseMeasure splits a measure string like "250 g", "1 EL", "2 cloves", or
// "" into a numeric value and a unit label. Non-numeric descriptions such as
// "to taste" come back as (0, description).
func parseMeasure(q string) (float64, string) {
	q = strings.TrimSpace(q)
	if q == "" {
		return 0, ""
	}
	q = strings.ReplaceAll(q, ",", ".")

	m := measureRe.FindStringSubmatch(q)
	if m == nil {
		return 0, q
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, q
	}
	measure := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || r == ' ' || r == '.' || r == '%' {
			return r
		}
		return -1
	}, m[2])
	measure = strings.Join(strings.Fields(measure), " ")
	return value, measure
}

func lowerFirst(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

func systemPrompt(language string) string {
	return `You are a helpful assistant. You are a chef with extensive knowledge of various cuisines.
Your task is to generate a recipe based on ingredients from "Input Ingredients:" and return "Output recipe:" as a JSON object.

The provided ingredients are separated by commas.
Number of Ingredients: Use between 2 and 20 ingredients.
Non-edible Ingredients: Ignore inedible ingredients (e.g., "candles").
Typos: If an ingredient has a typo, map it to the closest valid ingredient and proceed.

The recipe must be written in this language: ` + language + `.
If an ingredient is too broad (e.g., "meat"), you may pick a specific type that fits best.
Prefer using all provided ingredients; you may drop up to 33% if it improves the recipe. You may add minor extras but keep the provided ones as the main focus.
Aim for a healthy recipe.
Measures must be for two people.

The JSON must contain ONLY: "success", "title", "ingredients", "excerpt", "instructions", "preparation_time", "cook_time".
- "success": boolean.
- "title": max 15 words.
- "ingredients": object { name -> measure string }, listed roughly by predominance; example values: "250 g", "1 tbsp", "2 cloves", "300 ml", "" if seasoning. The measure string must not be longer than 45 characters.
- "excerpt": 15-50 words.
- "instructions": array of step strings (at most 20).
- "preparation_time": integer minutes.
- "cook_time": integer minutes.

On error, return {"success": false, "error": "...reason..."} with at least 2 sentences.

Output must be valid JSON, no trailing commas.`
}

func userPrompt(ingredients []string) string {
	return `Input Ingredients: Pasta, Broccoli, Walnuts
Output recipe: {
  "success": true,
  "title": "Creamy Pasta with Broccoli and Walnuts",
  "ingredients": {
    "Pasta": "250 g",
    "Broccoli": "400 g",
    "Walnuts": "40 g",
    "Parmesan, grated": "40 g",
    "Olive oil": "1 tbsp",
    "Garlic clove": "1",
    "Small onion or shallot": "1",
    "Vegetable stock": "300 ml",
    "Salt and pepper": ""
  },
  "excerpt": "Nearly everyone loves pasta, and this vegetarian sauce variation pairs tender broccoli with toasted walnuts for a quick, satisfying dinner.",
  "instructions": [
    "Peel and finely chop the onion and garlic.",
    "Wash the broccoli and cut it into small florets.",
    "Heat the olive oil in a pan and soften the onion and garlic.",
    "Meanwhile cook the pasta in salted water until al dente.",
    "Add the broccoli and stock to the pan and simmer until tender.",
    "Blend part of the sauce until creamy and return it to the pan.",
    "Toss the drained pasta with the sauce and top with walnuts and Parmesan.",
    "Enjoy!"
  ],
  "preparation_time": 15,
  "cook_time": 20
}

Input Ingredients: ` + strings.Join(ingredients, ", ") + `
Output recipe:`
}
