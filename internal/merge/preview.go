package merge

import (
	"errors"
	"fmt"

	"github.com/mailmerge/mailmerge/internal/table"
	"github.com/mailmerge/mailmerge/internal/template"
)

// PreviewResult is the rendered first-row preview.
type PreviewResult struct {
	Subject  string
	BodyHTML string
	// Warning is set when a placeholder had no matching field and the
	// raw template was used instead
	Warning string
}

// Preview renders the subject and HTML body for the first row of the
// table, applying the same missing-field fallback the batch loop uses.
func Preview(tbl *table.Table, subjectTmpl, bodyTmpl string) (PreviewResult, error) {
	if tbl.Len() == 0 {
		return PreviewResult{}, fmt.Errorf("recipient table has no rows to preview")
	}
	record := tbl.Record(0)
	var out PreviewResult

	subject, err := template.Render(subjectTmpl, record)
	if errors.Is(err, template.ErrMissingField) {
		subject = subjectTmpl
		out.Warning = err.Error()
	} else if err != nil {
		return PreviewResult{}, err
	}
	out.Subject = subject

	body, err := template.Render(bodyTmpl, record)
	if errors.Is(err, template.ErrMissingField) {
		body = bodyTmpl
		if out.Warning == "" {
			out.Warning = err.Error()
		}
	} else if err != nil {
		return PreviewResult{}, err
	}
	out.BodyHTML = template.ConvertBody(body)
	return out, nil
}
