// Package ingredient normalizes free-form ingredient lists into a stable
// canonical form and fingerprint. Two lists that differ only in case,
// whitespace, item order, or duplicate separators map to the same
// fingerprint, which is what the deduplication layer keys on.
package ingredient

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Canonicalize returns the normalized form of a comma-separated ingredient
// list: tokens trimmed, lower-cased, empties dropped, sorted with a
// locale-insensitive natural ordering, and rejoined with ", ".
// An empty or all-whitespace input yields "".
func Canonicalize(raw string) string {
	parts := strings.Split(raw, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		items = append(items, p)
	}

	// Collators are not safe for concurrent use, so build one per call.
	// language.Und keeps the ordering locale-independent; Numeric gives
	// natural ordering ("2 eggs" before "10 eggs").
	c := collate.New(language.Und, collate.Numeric)
	c.SortStrings(items)

	return strings.Join(items, ", ")
}

// Fingerprint returns the SHA-256 hex digest of the canonical form of raw.
// It is deterministic: semantically identical inputs always collide.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(Canonicalize(raw)))
	return hex.EncodeToString(sum[:])
}

// Tokens splits raw into trimmed, non-empty ingredient tokens in their
// original order and casing. This is what gets handed to the generator.
func Tokens(raw string) []string {
	parts := strings.Split(raw, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		tokens = append(tokens, p)
	}
	return tokens
}
