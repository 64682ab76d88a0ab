// Package address extracts a usable email address from free-form text.
package address

import "regexp"

var emailRegex = regexp.MustCompile(`[\w.-]+@[\w.-]+\.\w+`)

// Extract returns the first syntactically valid email address found in
// value, which may contain a display name or other surrounding text
// (e.g. "Jane Doe <jane@x.com>"). The second return is false when no
// address is present. Deliverability is not checked.
func Extract(value string) (string, bool) {
	if value == "" {
		return "", false
	}
	match := emailRegex.FindString(value)
	if match == "" {
		return "", false
	}
	return match, true
}
