// Package template renders subject and body templates by substituting
// {Field} placeholders with values from a recipient record.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Rendering errors
var (
	ErrMissingField       = errors.New("template references unknown field")
	ErrInvalidPlaceholder = errors.New("template placeholder is malformed")
)

var placeholderRegex = regexp.MustCompile(`\{([^{}]+)\}`)

// Render substitutes every {Field} placeholder in tmpl with the
// record's value for that field. Literal text around placeholders is
// preserved unchanged. Returns ErrMissingField (wrapped, naming the
// first missing field) when a placeholder has no value in the record;
// callers are expected to fall back to the raw template and warn.
func Render(tmpl string, record map[string]string) (string, error) {
	var missing, malformed string
	out := placeholderRegex.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		// Format-spec syntax like {Name:d} or {Name!r} is not a field
		// lookup; treat it as a malformed template, not a missing field,
		// so it is never silently mailed out unrendered.
		if strings.ContainsAny(name, ":!") {
			if malformed == "" {
				malformed = name
			}
			return m
		}
		value, ok := record[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return value
	})
	if malformed != "" {
		return "", fmt.Errorf("%w: {%s}", ErrInvalidPlaceholder, malformed)
	}
	if missing != "" {
		return "", fmt.Errorf("%w: %s", ErrMissingField, missing)
	}
	return out, nil
}
