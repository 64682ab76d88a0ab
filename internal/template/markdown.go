package template

import (
	"regexp"
	"strings"
)

// The body supports a small markdown subset only: bold, http(s) links,
// line breaks and double spaces. Anything else is passed through as
// literal text, including links with non-http schemes.
var (
	boldRegex = regexp.MustCompile(`\*\*(.*?)\*\*`)
	linkRegex = regexp.MustCompile(`\[(.*?)\]\((https?://[^\s)]+)\)`)
)

const linkStyle = `color:#1a73e8; text-decoration:underline;`

// ConvertBody converts rendered body text to an inline-styled HTML
// document. Subjects never go through this conversion.
func ConvertBody(text string) string {
	if text == "" {
		return ""
	}
	text = boldRegex.ReplaceAllString(text, "<b>${1}</b>")
	text = linkRegex.ReplaceAllString(text, `<a href="${2}" style="`+linkStyle+`" target="_blank">${1}</a>`)
	text = strings.ReplaceAll(text, "\n", "<br>")
	text = strings.ReplaceAll(text, "  ", "&nbsp;&nbsp;")

	var b strings.Builder
	b.WriteString(`<html><body style="font-family: 'Google Sans', Arial, sans-serif; font-size: 14px; line-height: 1.6;">`)
	b.WriteString(text)
	b.WriteString(`</body></html>`)
	return b.String()
}
