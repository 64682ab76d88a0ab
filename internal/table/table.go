// Package table holds the recipient list loaded from an uploaded CSV
// and the per-recipient tracking columns mutated as a merge run
// proceeds.
package table

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Managed tracking columns, added to the table if missing
const (
	ColEmail        = "Email"
	ColThreadID     = "ThreadId"
	ColRfcMessageID = "RfcMessageId"
	ColStatus       = "Status"
)

// Table errors
var (
	ErrNoEmailColumn = errors.New("recipient file has no Email column")
	ErrEmptyFile     = errors.New("recipient file is empty")
)

// Status is the per-record delivery status. A record moves from
// Pending to exactly one terminal state within a run.
type Status string

const (
	StatusPending Status = "Pending"
	StatusSent    Status = "Sent"
	StatusDraft   Status = "Draft"
	StatusSkipped Status = "Skipped"
	StatusError   Status = "Error"
)

// ParseStatus maps a stored cell value to a Status. Empty and unknown
// values read as Pending.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusSent, StatusDraft, StatusSkipped, StatusError:
		return Status(s)
	default:
		return StatusPending
	}
}

// Table is the in-memory recipient list. Row identity is position,
// stable for the duration of a run.
type Table struct {
	Columns []string
	rows    []map[string]string
}

// Load reads a recipient CSV from path. The file must be UTF-8 or
// latin-1; anything unreadable aborts before any run state is created.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipient file: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses recipient CSV data. Managed tracking columns are
// appended to the schema when the upload lacks them.
func Read(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipient file: %w", err)
	}
	if !utf8.Valid(data) {
		// Same fallback the upload path has always had: try latin-1
		// before giving up on the file.
		data, err = charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode recipient file: %w", err)
		}
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse recipient file: %w", err)
	}
	if len(records) == 0 || len(records[0]) == 0 {
		return nil, ErrEmptyFile
	}

	header := records[0]
	hasEmail := false
	for _, col := range header {
		if col == ColEmail {
			hasEmail = true
		}
	}
	if !hasEmail {
		return nil, ErrNoEmailColumn
	}

	t := &Table{Columns: append([]string(nil), header...)}
	for _, managed := range []string{ColThreadID, ColRfcMessageID, ColStatus} {
		if !t.hasColumn(managed) {
			t.Columns = append(t.Columns, managed)
		}
	}

	for _, rec := range records[1:] {
		row := make(map[string]string, len(t.Columns))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		for _, col := range t.Columns {
			if _, ok := row[col]; !ok {
				row[col] = ""
			}
		}
		t.rows = append(t.rows, row)
	}
	return t, nil
}

func (t *Table) hasColumn(name string) bool {
	for _, col := range t.Columns {
		if col == name {
			return true
		}
	}
	return false
}

// Len returns the number of recipient rows
func (t *Table) Len() int {
	return len(t.rows)
}

// Get returns the value of a column for row i
func (t *Table) Get(i int, col string) string {
	return t.rows[i][col]
}

// Set stores a value in a column for row i
func (t *Table) Set(i int, col, value string) {
	t.rows[i][col] = value
}

// Status returns the delivery status of row i
func (t *Table) Status(i int) Status {
	return ParseStatus(t.rows[i][ColStatus])
}

// SetStatus records the delivery status of row i
func (t *Table) SetStatus(i int, s Status) {
	t.rows[i][ColStatus] = string(s)
}

// Record returns row i as a field map for template rendering
func (t *Table) Record(i int) map[string]string {
	out := make(map[string]string, len(t.rows[i]))
	for k, v := range t.rows[i] {
		out[k] = v
	}
	return out
}

// PendingIndices returns the rows still eligible for processing.
// Records already Sent or Draft stay excluded across runs; Skipped and
// Error records are retried on a later run.
func (t *Table) PendingIndices() []int {
	var pending []int
	for i := range t.rows {
		switch t.Status(i) {
		case StatusSent, StatusDraft:
		default:
			pending = append(pending, i)
		}
	}
	return pending
}

// Save writes the table, including updated tracking columns, to path
func (t *Table) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(t.Columns); err != nil {
		return fmt.Errorf("failed to write output header: %w", err)
	}
	for _, row := range t.rows {
		rec := make([]string, len(t.Columns))
		for i, col := range t.Columns {
			rec[i] = row[col]
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("failed to write output row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush output file: %w", err)
	}
	return nil
}

var unsafeLabelChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// OutputFileName builds the timestamped name for the persisted table,
// with the label sanitized for filesystem use.
func OutputFileName(label string, now time.Time) string {
	safe := unsafeLabelChars.ReplaceAllString(label, "_")
	return fmt.Sprintf("Updated_%s_%s.csv", safe, now.Format("20060102_150405"))
}
