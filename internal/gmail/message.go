package gmail

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// Message building errors
var (
	ErrInvalidHeader = errors.New("header value contains control characters")
)

// checkHeader rejects values that would break out of their header line.
// Recipient fields flow into the subject via template rendering, and a
// quoted CSV cell may legally contain CRLF; letting one through would
// inject arbitrary headers into the outgoing message.
func checkHeader(name, value string) error {
	for _, r := range value {
		if r == '\r' || r == '\n' || (r < 0x20 && r != '\t') || r == 0x7f {
			return fmt.Errorf("%w: %s", ErrInvalidHeader, name)
		}
	}
	return nil
}

// buildHTMLMessage assembles the raw RFC 822 text for an HTML message.
// Follow-up replies carry In-Reply-To and References so the receiving
// client threads them onto the prior message. Header values containing
// CR, LF or other control characters are rejected; the record fails
// instead of a corrupted message going out.
func buildHTMLMessage(from string, msg Outgoing) (string, error) {
	for _, h := range []struct{ name, value string }{
		{"From", from},
		{"To", msg.To},
		{"Subject", msg.Subject},
		{"In-Reply-To", msg.InReplyTo},
	} {
		if err := checkHeader(h.name, h.value); err != nil {
			return "", fmt.Errorf("gmail: %w", err)
		}
	}

	headers := []string{
		"From: " + from,
		"To: " + msg.To,
		"Subject: " + encodeHeaderWord(msg.Subject),
	}
	if msg.InReplyTo != "" {
		headers = append(headers,
			"In-Reply-To: "+msg.InReplyTo,
			"References: "+msg.InReplyTo,
		)
	}
	headers = append(headers,
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
		"",
		msg.HTMLBody,
	)
	return strings.Join(headers, "\r\n"), nil
}

// encodeHeaderWord RFC 2047-encodes a header value when it contains
// non-ASCII text; plain ASCII passes through unchanged.
func encodeHeaderWord(value string) string {
	return mime.QEncoding.Encode("UTF-8", value)
}

// buildAttachmentMessage assembles a multipart message with a plain
// text body and one file attachment, returned already base64-encoded
// for the API.
func buildAttachmentMessage(from, to, subject, body, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("gmail: failed to read attachment: %w", err)
	}
	name := filepath.Base(path)

	boundary := "boundary_mailmerge_backup"
	content := strings.Join([]string{
		"From: " + from,
		"To: " + to,
		"Subject: " + encodeHeaderWord(subject),
		"MIME-Version: 1.0",
		"Content-Type: multipart/mixed; boundary=" + boundary,
		"",
		"--" + boundary,
		"Content-Type: text/plain; charset=UTF-8",
		"Content-Transfer-Encoding: 7bit",
		"",
		body,
		"",
		"--" + boundary,
		`Content-Type: text/csv; charset=UTF-8; name="` + name + `"`,
		"Content-Transfer-Encoding: base64",
		`Content-Disposition: attachment; filename="` + name + `"`,
		"",
		base64.StdEncoding.EncodeToString(data),
		"",
		"--" + boundary + "--",
	}, "\r\n")

	return encodeMessage(content), nil
}

// encodeMessage encodes raw RFC 822 text the way the API expects.
func encodeMessage(content string) string {
	return base64.URLEncoding.EncodeToString([]byte(content))
}
