// Package merge drives the batch mail-merge loop: it walks pending
// recipient rows in table order, renders and delivers one message per
// row, and records the outcome back into the table.
package merge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mailmerge/mailmerge/internal/address"
	"github.com/mailmerge/mailmerge/internal/gmail"
	"github.com/mailmerge/mailmerge/internal/history"
	"github.com/mailmerge/mailmerge/internal/logger"
	"github.com/mailmerge/mailmerge/internal/recovery"
	"github.com/mailmerge/mailmerge/internal/retry"
	"github.com/mailmerge/mailmerge/internal/table"
	"github.com/mailmerge/mailmerge/internal/template"
)

// Mailer is the set of provider operations the runner consumes.
// *gmail.Client implements it; tests substitute a fake.
type Mailer interface {
	Send(ctx context.Context, msg gmail.Outgoing) (gmail.SendResult, error)
	CreateDraft(ctx context.Context, msg gmail.Outgoing) error
	MessageIDHeader(ctx context.Context, id string) (string, error)
	EnsureLabel(ctx context.Context, name string) (string, error)
	AddLabel(ctx context.Context, messageIDs []string, labelID string) error
	SendFileToSelf(ctx context.Context, subject, body, path string) error
}

// Options are the per-run merge settings.
type Options struct {
	Mode            Mode
	SubjectTemplate string
	BodyTemplate    string
	LabelName       string
	Delay           time.Duration
	SendCap         int
	DraftCap        int
	OutputDir       string
}

// cap returns the per-run item cap for the chosen mode.
func (o Options) cap() int {
	if o.Mode == ModeDraft {
		return o.DraftCap
	}
	return o.SendCap
}

// RecordError describes one failed record.
type RecordError struct {
	Row     int
	Address string
	Message string
}

// Summary is the end-of-run report.
type Summary struct {
	RunID      string
	State      State
	Mode       Mode
	Sent       int
	Drafted    int
	Skipped    []string
	Errors     []RecordError
	OutputFile string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Runner executes merge runs. Processing is strictly sequential with a
// single provider call outstanding at a time; the jittered inter-send
// delay is the rate limiter.
type Runner struct {
	mailer  Mailer
	marker  *recovery.Store
	journal *history.Store
	log     *logger.Logger

	now       func() time.Time
	sleep     func(time.Duration)
	idPoll    retry.Config
	labelPoll retry.Config
}

// NewRunner creates a Runner. journal may be nil to skip run journaling.
func NewRunner(mailer Mailer, marker *recovery.Store, journal *history.Store, log *logger.Logger) *Runner {
	return &Runner{
		mailer:  mailer,
		marker:  marker,
		journal: journal,
		log:     log.WithComponent("merge"),
		now:     time.Now,
		sleep:   time.Sleep,
		idPoll: retry.Config{
			Attempts: 6,
			MinWait:  time.Second,
			MaxWait:  2 * time.Second,
		},
		labelPoll: retry.Config{
			Attempts: 3,
			MinWait:  time.Second,
			MaxWait:  2 * time.Second,
		},
	}
}

// Run processes pending rows of tbl until the per-run cap is reached or
// the pending set is exhausted, then persists the updated table, writes
// the completion marker and journal entry, and returns the summary.
// Per-record failures are isolated; only an unwritable output table
// fails the run itself.
func (r *Runner) Run(ctx context.Context, tbl *table.Table, opts Options) (*Summary, error) {
	summary := &Summary{
		RunID:     uuid.NewString(),
		State:     StateRunning,
		Mode:      opts.Mode,
		StartedAt: r.now(),
	}
	log := r.log.WithRunID(summary.RunID)

	pending := tbl.PendingIndices()
	log.Info().
		Str("mode", string(opts.Mode)).
		Int("pending", len(pending)).
		Int("cap", opts.cap()).
		Msg("merge run started")

	var labelID string
	if opts.Mode != ModeDraft {
		id, err := r.mailer.EnsureLabel(ctx, opts.LabelName)
		if err != nil {
			log.Warn().Err(err).Str("label", opts.LabelName).Msg("label unavailable, sent messages will not be labeled")
		} else {
			labelID = id
		}
	}

	var sentIDs []string
	processed := 0
	for _, idx := range pending {
		if processed >= opts.cap() {
			break
		}
		if ctx.Err() != nil {
			break
		}

		addr, ok := address.Extract(tbl.Get(idx, table.ColEmail))
		if !ok {
			tbl.SetStatus(idx, table.StatusSkipped)
			summary.Skipped = append(summary.Skipped, tbl.Get(idx, table.ColEmail))
			log.Warn().Int("row", idx).Msg("no address found, record skipped")
			continue
		}

		msg, renderErr := r.buildMessage(tbl, idx, addr, opts, log)
		if renderErr != nil {
			tbl.SetStatus(idx, table.StatusError)
			summary.Errors = append(summary.Errors, RecordError{Row: idx, Address: addr, Message: renderErr.Error()})
			log.Error().Err(renderErr).Int("row", idx).Str("to", addr).Msg("render failed")
			continue
		}

		start := r.now()
		if opts.Mode == ModeDraft {
			if err := r.mailer.CreateDraft(ctx, msg); err != nil {
				tbl.SetStatus(idx, table.StatusError)
				summary.Errors = append(summary.Errors, RecordError{Row: idx, Address: addr, Message: err.Error()})
				log.Error().Err(err).Int("row", idx).Str("to", addr).Msg("draft creation failed")
				continue
			}
			tbl.SetStatus(idx, table.StatusDraft)
			summary.Drafted++
		} else {
			res, err := r.mailer.Send(ctx, msg)
			if err != nil {
				tbl.SetStatus(idx, table.StatusError)
				summary.Errors = append(summary.Errors, RecordError{Row: idx, Address: addr, Message: err.Error()})
				log.Error().Err(err).Int("row", idx).Str("to", addr).Msg("send failed")
				continue
			}
			tbl.Set(idx, table.ColThreadID, res.ThreadID)
			tbl.Set(idx, table.ColRfcMessageID, r.messageIDFor(ctx, res))
			tbl.SetStatus(idx, table.StatusSent)
			summary.Sent++
			if labelID != "" {
				sentIDs = append(sentIDs, res.ID)
			}
		}
		processed++
		log.RecordProcessed(idx, addr, string(tbl.Status(idx)), r.now().Sub(start))

		r.sleep(r.jitteredDelay(opts.Delay))
	}

	r.complete(ctx, tbl, opts, summary, sentIDs, labelID, log)
	if summary.OutputFile == "" {
		return summary, fmt.Errorf("merge run %s finished but output table could not be written", summary.RunID)
	}
	return summary, nil
}

// buildMessage renders the subject and body for one row. A template
// referencing a field the row lacks falls back to the raw template with
// a warning; the record still goes out.
func (r *Runner) buildMessage(tbl *table.Table, idx int, addr string, opts Options, log *logger.Logger) (gmail.Outgoing, error) {
	record := tbl.Record(idx)

	subject, err := template.Render(opts.SubjectTemplate, record)
	if errors.Is(err, template.ErrMissingField) {
		log.Warn().Err(err).Int("row", idx).Msg("subject left unrendered")
		subject = opts.SubjectTemplate
	} else if err != nil {
		return gmail.Outgoing{}, err
	}

	body, err := template.Render(opts.BodyTemplate, record)
	if errors.Is(err, template.ErrMissingField) {
		log.Warn().Err(err).Int("row", idx).Msg("body left unrendered")
		body = opts.BodyTemplate
	} else if err != nil {
		return gmail.Outgoing{}, err
	}

	msg := gmail.Outgoing{
		To:       addr,
		Subject:  subject,
		HTMLBody: template.ConvertBody(body),
	}

	if opts.Mode == ModeFollowUp {
		threadID := tbl.Get(idx, table.ColThreadID)
		rfcID := tbl.Get(idx, table.ColRfcMessageID)
		if threadID != "" && rfcID != "" {
			msg.ThreadID = threadID
			msg.InReplyTo = rfcID
		} else {
			// Missing thread linkage degrades to an unthreaded send
			// instead of failing the record.
			log.Warn().Int("row", idx).Msg("follow-up without thread linkage, sending unthreaded")
		}
	}
	return msg, nil
}

// messageIDFor polls for the canonical Message-ID header of a sent
// message, falling back to the provider id when Gmail never surfaces it.
func (r *Runner) messageIDFor(ctx context.Context, res gmail.SendResult) string {
	header, ok := retry.Poll(ctx, r.idPoll, func(ctx context.Context) (string, bool, error) {
		h, err := r.mailer.MessageIDHeader(ctx, res.ID)
		return h, h != "", err
	})
	if !ok {
		return res.ID
	}
	return header
}

// complete runs the end-of-run steps: batched labeling, table persist,
// backup email, completion marker and journal entry. Everything except
// the table persist is best-effort.
func (r *Runner) complete(ctx context.Context, tbl *table.Table, opts Options, summary *Summary, sentIDs []string, labelID string, log *logger.Logger) {
	if opts.Mode != ModeDraft && len(sentIDs) > 0 && labelID != "" {
		_, ok := retry.Poll(ctx, r.labelPoll, func(ctx context.Context) (struct{}, bool, error) {
			err := r.mailer.AddLabel(ctx, sentIDs, labelID)
			return struct{}{}, err == nil, err
		})
		if !ok {
			log.Warn().Int("messages", len(sentIDs)).Msg("labeling failed")
		}
	}

	finished := r.now()
	name := table.OutputFileName(opts.LabelName, finished)
	path := filepath.Join(opts.OutputDir, name)
	if err := tbl.Save(path); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to persist updated table")
	} else {
		summary.OutputFile = path

		backupSubject := fmt.Sprintf("Mail Merge Backup CSV - %s", finished.Format("2006-01-02 15:04"))
		if err := r.mailer.SendFileToSelf(ctx, backupSubject, "Attached is the backup CSV for your mail merge run.", path); err != nil {
			log.Warn().Err(err).Msg("backup email failed")
		}

		if err := r.marker.Write(recovery.Marker{CompletedAt: finished, OutputFile: path}); err != nil {
			log.Warn().Err(err).Msg("failed to write completion marker")
		}
	}

	summary.State = StateCompleted
	summary.FinishedAt = finished

	if r.journal != nil {
		err := r.journal.Record(ctx, history.Run{
			ID:          summary.RunID,
			StartedAt:   summary.StartedAt,
			CompletedAt: finished,
			Mode:        string(opts.Mode),
			Label:       opts.LabelName,
			OutputFile:  summary.OutputFile,
			Sent:        summary.Sent + summary.Drafted,
			Skipped:     len(summary.Skipped),
			Errors:      len(summary.Errors),
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to journal merge run")
		}
	}

	log.Info().
		Int("sent", summary.Sent).
		Int("drafted", summary.Drafted).
		Int("skipped", len(summary.Skipped)).
		Int("errors", len(summary.Errors)).
		Str("output", summary.OutputFile).
		Msg("merge run completed")
}

// jitteredDelay spreads the configured delay by ±10% so sends do not
// land on a fixed cadence.
func (r *Runner) jitteredDelay(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	low := float64(delay) * 0.9
	return time.Duration(low + rand.Float64()*float64(delay)*0.2)
}
