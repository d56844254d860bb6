// Package canonical derives deterministic catalog ids from display names.
package canonical

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/snapetech/xcdiscovery/internal/catalog"
)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases and trims text, collapses every run of characters outside
// [a-z0-9] to a single "_" and trims leading/trailing "_".
// Slugify("VIP | FORMULA 1") == "vip_formula_1". Empty input is a ValidationError.
// The result may be "" when text has no ASCII letters or digits; callers that
// need an id must reject that case.
func Slugify(text string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return "", &catalog.ValidationError{Reason: "cannot derive id from empty text"}
	}
	s = nonSlug.ReplaceAllString(s, "_")
	return strings.Trim(s, "_"), nil
}

// ID is Slugify for callers that need a usable id: it also rejects text that
// slugifies to "".
func ID(text string) (string, error) {
	s, err := Slugify(text)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", &catalog.ValidationError{Reason: fmt.Sprintf("display name %q has no id characters", text)}
	}
	return s, nil
}
