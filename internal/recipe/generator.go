// Package recipe turns ingredient lists into recipes: the Generator
// capability, its OpenAI and static implementations, and the worker that
// drives generation jobs through the request lifecycle.
package recipe

import (
	"context"
	"fmt"
	"math"
	"unicode/utf8"
)

// Item is one generated ingredient line: a name, a numeric quantity, and a
// free-form unit label ("g", "ml", "cloves", or empty for seasoning).
type Item struct {
	Name    string
	Value   float64
	Measure string
}

// Generated is the structured output of a generation call, before it is
// persisted as a recipe.
type Generated struct {
	Title           string
	Excerpt         string
	Instructions    []string
	NumberOfPersons int
	TimeToCook      int // minutes
	TimeToPrepare   int // minutes
	Items           []Item
}

// Generator produces a recipe from a trimmed, non-empty ingredient list.
// Implementations may fail; the caller treats any error as a generation
// failure subject to the job queue's bounded retry.
type Generator interface {
	Generate(ctx context.Context, ingredients []string) (Generated, error)
}

// GeneratePayload is the JSON body of a generate_recipe job.
type GeneratePayload struct {
	RequestID string `json:"request_id"`
}

const (
	maxTitleLen   = 200
	maxItemName   = 100
	maxMeasureLen = 45
)

// Validate rejects structurally invalid generator output before it is
// persisted. Malformed output is a generation failure, not a stored recipe.
func Validate(g Generated) error {
	if g.Title == "" {
		return fmt.Errorf("recipe title is empty")
	}
	if utf8.RuneCountInString(g.Title) > maxTitleLen {
		return fmt.Errorf("recipe title exceeds %d characters", maxTitleLen)
	}
	if g.NumberOfPersons < 1 {
		return fmt.Errorf("number of persons must be at least 1, got %d", g.NumberOfPersons)
	}
	if g.TimeToCook < 0 || g.TimeToPrepare < 0 {
		return fmt.Errorf("cook/prepare times must not be negative")
	}
	if len(g.Instructions) == 0 {
		return fmt.Errorf("recipe has no instructions")
	}
	for i, item := range g.Items {
		if item.Name == "" {
			return fmt.Errorf("ingredient %d has an empty name", i)
		}
		if utf8.RuneCountInString(item.Name) > maxItemName {
			return fmt.Errorf("ingredient %q name exceeds %d characters", item.Name, maxItemName)
		}
		if utf8.RuneCountInString(item.Measure) > maxMeasureLen {
			return fmt.Errorf("ingredient %q measure exceeds %d characters", item.Name, maxMeasureLen)
		}
		if math.IsNaN(item.Value) || math.IsInf(item.Value, 0) || item.Value < 0 {
			return fmt.Errorf("ingredient %q has invalid quantity %v", item.Name, item.Value)
		}
	}
	return nil
}
