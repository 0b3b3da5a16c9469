package recipe

import (
	"context"
	"fmt"
	"strings"
)

// StaticGenerator produces a deterministic recipe without any external
// call. It backs the "static" generator provider for offline operation and
// is what the tests run against.
type StaticGenerator struct{}

func (StaticGenerator) Generate(_ context.Context, ingredients []string) (Generated, error) {
	if len(ingredients) == 0 {
		return Generated{}, fmt.Errorf("ingredient list must not be empty")
	}

	items := make([]Item, 0, len(ingredients))
	for _, ing := range ingredients {
		items = append(items, Item{Name: ing, Value: 100, Measure: "g"})
	}

	return Generated{
		Title:   "Recipe with " + strings.Join(ingredients, ", "),
		Excerpt: "Auto-generated demo recipe.",
		Instructions: []string{
			"Prepare all ingredients.",
			"Combine thoughtfully.",
			"Cook until done.",
			"Serve and enjoy.",
		},
		NumberOfPersons: 2,
		TimeToCook:      15,
		TimeToPrepare:   8,
		Items:           items,
	}, nil
}
