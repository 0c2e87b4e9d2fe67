// Package venue resolves free-text location strings to canonical venues.
package venue

import (
	"context"
	"regexp"
	"strings"

	appLog "scenecal/internal/log"
	"scenecal/internal/model"
)

// FuzzyMatchThreshold is the minimum similarity ratio for accepting a
// non-exact match. Below it the resolver returns no match rather than
// guessing.
const FuzzyMatchThreshold = 0.85

var (
	punctRe = regexp.MustCompile(`[^\w\s]`)
	wsRe    = regexp.MustCompile(`\s+`)
)

// Normalize lowercases, strips punctuation to whitespace, and collapses
// runs of whitespace. Aliases are stored in this form.
func Normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = punctRe.ReplaceAllString(text, " ")
	text = wsRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Directory is the slice of storage the resolver needs.
type Directory interface {
	GetAliasByNormalized(ctx context.Context, normalized string) (*model.VenueAlias, error)
	ListVenueAliases(ctx context.Context) ([]model.VenueAlias, error)
	ListVenues(ctx context.Context) ([]model.Venue, error)
}

// Resolver maps location text to venue ids.
type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve finds the venue for a free-text location string.
//
// Layer 1 (deterministic, always first): exact match of the normalized
// text against the alias table, then against normalized venue names.
// Layer 2 (fuzzy, only when layer 1 misses): edit-distance similarity
// against every alias and venue name; the best candidate wins only at or
// above FuzzyMatchThreshold.
//
// Returns nil when the text is blank or nothing qualifies.
func (r *Resolver) Resolve(ctx context.Context, locationText string) (*int64, error) {
	if strings.TrimSpace(locationText) == "" {
		return nil, nil
	}

	norm := Normalize(locationText)

	alias, err := r.dir.GetAliasByNormalized(ctx, norm)
	if err != nil {
		return nil, err
	}
	if alias != nil {
		return &alias.VenueID, nil
	}

	venues, err := r.dir.ListVenues(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range venues {
		if Normalize(v.Name) == norm {
			id := v.ID
			return &id, nil
		}
	}

	var (
		bestID    *int64
		bestRatio float64
	)

	aliases, err := r.dir.ListVenueAliases(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range aliases {
		ratio := similarityRatio(norm, a.AliasNormalized)
		if ratio > bestRatio && ratio >= FuzzyMatchThreshold {
			bestRatio = ratio
			id := a.VenueID
			bestID = &id
		}
	}
	for _, v := range venues {
		ratio := similarityRatio(norm, Normalize(v.Name))
		if ratio > bestRatio && ratio >= FuzzyMatchThreshold {
			bestRatio = ratio
			id := v.ID
			bestID = &id
		}
	}

	if bestID != nil {
		appLog.Info("fuzzy venue match",
			"location_text", locationText,
			"venue_id", *bestID,
			"similarity", bestRatio,
		)
	}
	return bestID, nil
}

// similarityRatio computes an edit-distance based similarity in [0, 1]:
// 1 - levenshtein(a, b) / max(len(a), len(b)).
func similarityRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
