// Package catalog validates the descriptive fields of a prediction market:
// title, description, category, resolution source and resolution date.
// None of these fields affect matching or settlement.
package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Supported market categories.
const (
	CategoryCrypto        = "crypto"
	CategoryPolitics      = "politics"
	CategorySports        = "sports"
	CategoryAI            = "ai"
	CategoryEntertainment = "entertainment"

	// CategoryAll is accepted by listing filters and matches every category.
	CategoryAll = "all"
)

var validCategories = map[string]bool{
	CategoryCrypto:        true,
	CategoryPolitics:      true,
	CategorySports:        true,
	CategoryAI:            true,
	CategoryEntertainment: true,
}

// dateRegex matches a calendar date: YYYY-MM-DD.
var dateRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

var (
	ErrMissingField          = errors.New("catalog: missing required field")
	ErrInvalidCategory       = errors.New("catalog: unsupported category")
	ErrInvalidResolutionDate = errors.New("catalog: invalid resolution date")
)

// Descriptor is the descriptive half of a market.
type Descriptor struct {
	Title            string `json:"title"`
	Description      string `json:"description"`
	Category         string `json:"category"`
	ResolutionSource string `json:"resolution_source"`
	ResolutionDate   string `json:"resolution_date"`
}

// Validate trims and checks every field, returning the normalized
// descriptor. Categories are matched case-insensitively.
func Validate(d Descriptor) (Descriptor, error) {
	d.Title = strings.TrimSpace(d.Title)
	d.Description = strings.TrimSpace(d.Description)
	d.Category = strings.ToLower(strings.TrimSpace(d.Category))
	d.ResolutionSource = strings.TrimSpace(d.ResolutionSource)
	d.ResolutionDate = strings.TrimSpace(d.ResolutionDate)

	for _, f := range []struct{ name, value string }{
		{"title", d.Title},
		{"description", d.Description},
		{"category", d.Category},
		{"resolution_source", d.ResolutionSource},
		{"resolution_date", d.ResolutionDate},
	} {
		if f.value == "" {
			return Descriptor{}, fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}

	if !validCategories[d.Category] {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrInvalidCategory, d.Category)
	}

	if _, err := ParseResolutionDate(d.ResolutionDate); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// ParseResolutionDate parses a YYYY-MM-DD resolution date.
func ParseResolutionDate(s string) (time.Time, error) {
	if !dateRegex.MatchString(s) {
		return time.Time{}, fmt.Errorf("%w: %s (expected YYYY-MM-DD)", ErrInvalidResolutionDate, s)
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidResolutionDate, s)
	}
	return t, nil
}

// CategoryFilter converts a listing query value into a store filter.
// Empty and "all" select every category.
func CategoryFilter(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == CategoryAll {
		return "", nil
	}
	if !validCategories[s] {
		return "", fmt.Errorf("%w: %s", ErrInvalidCategory, s)
	}
	return s, nil
}

// Categories returns the supported categories in display order.
func Categories() []string {
	return []string{CategoryCrypto, CategoryPolitics, CategorySports, CategoryAI, CategoryEntertainment}
}
