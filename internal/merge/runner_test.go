package merge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailmerge/mailmerge/internal/gmail"
	"github.com/mailmerge/mailmerge/internal/logger"
	"github.com/mailmerge/mailmerge/internal/recovery"
	"github.com/mailmerge/mailmerge/internal/retry"
	"github.com/mailmerge/mailmerge/internal/table"
)

// fakeMailer implements Mailer in memory.
type fakeMailer struct {
	sent    []gmail.Outgoing
	drafts  []gmail.Outgoing
	labeled [][]string
	backups []string

	sendErrFor   map[string]error // keyed by recipient address
	draftErr     error
	ensureErr    error
	labelErr     error
	headerFor    map[string]string // keyed by message id
	ensureCalled bool
	nextID       int
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{
		sendErrFor: map[string]error{},
		headerFor:  map[string]string{},
	}
}

func (f *fakeMailer) Send(_ context.Context, msg gmail.Outgoing) (gmail.SendResult, error) {
	// Same contract as the real adapter: header values must not
	// contain line breaks.
	if strings.ContainsAny(msg.Subject, "\r\n") || strings.ContainsAny(msg.To, "\r\n") {
		return gmail.SendResult{}, gmail.ErrInvalidHeader
	}
	if err := f.sendErrFor[msg.To]; err != nil {
		return gmail.SendResult{}, err
	}
	f.nextID++
	f.sent = append(f.sent, msg)
	return gmail.SendResult{
		ID:       fmt.Sprintf("msg-%d", f.nextID),
		ThreadID: fmt.Sprintf("thread-%d", f.nextID),
	}, nil
}

func (f *fakeMailer) CreateDraft(_ context.Context, msg gmail.Outgoing) error {
	if f.draftErr != nil {
		return f.draftErr
	}
	f.drafts = append(f.drafts, msg)
	return nil
}

func (f *fakeMailer) MessageIDHeader(_ context.Context, id string) (string, error) {
	return f.headerFor[id], nil
}

func (f *fakeMailer) EnsureLabel(_ context.Context, name string) (string, error) {
	f.ensureCalled = true
	if f.ensureErr != nil {
		return "", f.ensureErr
	}
	return "label-1", nil
}

func (f *fakeMailer) AddLabel(_ context.Context, ids []string, labelID string) error {
	if f.labelErr != nil {
		return f.labelErr
	}
	f.labeled = append(f.labeled, ids)
	return nil
}

func (f *fakeMailer) SendFileToSelf(_ context.Context, subject, body, path string) error {
	f.backups = append(f.backups, path)
	return nil
}

func newTestRunner(t *testing.T, mailer Mailer) *Runner {
	t.Helper()
	marker := recovery.NewStore(filepath.Join(t.TempDir(), "done.json"))
	r := NewRunner(mailer, marker, nil, logger.New("disabled", "console"))
	r.sleep = func(time.Duration) {}
	r.idPoll = retry.Config{Attempts: 2}
	r.labelPoll = retry.Config{Attempts: 1}
	return r
}

func testOptions(t *testing.T, mode Mode) Options {
	t.Helper()
	return Options{
		Mode:            mode,
		SubjectTemplate: "Hello {Name}",
		BodyTemplate:    "Dear {Name},\n**Welcome**",
		LabelName:       "Mail Merge Sent",
		Delay:           0,
		SendCap:         50,
		DraftCap:        110,
		OutputDir:       t.TempDir(),
	}
}

func loadTable(t *testing.T, csv string) *table.Table {
	t.Helper()
	tbl, err := table.Read(strings.NewReader(csv))
	require.NoError(t, err)
	return tbl
}

func TestRunSendsAllPending(t *testing.T) {
	mailer := newFakeMailer()
	r := newTestRunner(t, mailer)
	tbl := loadTable(t, "Email,Name\na@x.com,Amy\nb@y.com,Bob\n")

	summary, err := r.Run(context.Background(), tbl, testOptions(t, ModeNew))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Sent)
	assert.Equal(t, StateCompleted, summary.State)
	assert.Len(t, mailer.sent, 2)
	assert.Equal(t, "Hello Amy", mailer.sent[0].Subject)
	assert.Contains(t, mailer.sent[0].HTMLBody, "<b>Welcome</b>")
	assert.Equal(t, table.StatusSent, tbl.Status(0))
	assert.Equal(t, "thread-1", tbl.Get(0, table.ColThreadID))
	assert.Empty(t, tbl.PendingIndices())
}

func TestRunRespectsCap(t *testing.T) {
	mailer := newFakeMailer()
	r := newTestRunner(t, mailer)
	tbl := loadTable(t, "Email,Name\na@x.com,A\nb@y.com,B\nc@z.com,C\n")

	opts := testOptions(t, ModeNew)
	opts.SendCap = 2

	summary, err := r.Run(context.Background(), tbl, opts)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Sent)
	assert.Equal(t, table.StatusSent, tbl.Status(0))
	assert.Equal(t, table.StatusSent, tbl.Status(1))
	assert.Equal(t, table.StatusPending, tbl.Status(2))
	assert.Equal(t, []int{2}, tbl.PendingIndices())
}

func TestRunSkipsRecordsWithoutAddress(t *testing.T) {
	mailer := newFakeMailer()
	r := newTestRunner(t, mailer)
	tbl := loadTable(t, "Email,Name\nnot an email,A\nb@y.com,B\n")

	summary, err := r.Run(context.Background(), tbl, testOptions(t, ModeNew))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, []string{"not an email"}, summary.Skipped)
	assert.Equal(t, table.StatusSkipped, tbl.Status(0))
	assert.Len(t, mailer.sent, 1)
}

func TestRunMissingFieldFallsBackToRawTemplate(t *testing.T) {
	mailer := newFakeMailer()
	r := newTestRunner(t, mailer)
	tbl := loadTable(t, "Email,Name\na@x.com,Amy\n")

	opts := testOptions(t, ModeNew)
	opts.SubjectTemplate = "Hello {Nmae}"

	summary, err := r.Run(context.Background(), tbl, opts)
	require.NoError(t, err)

	// The batch continues with the unrendered template.
	assert.Equal(t, 1, summary.Sent)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, "Hello {Nmae}", mailer.sent[0].Subject)
}

func TestRunHeaderBreakingFieldMarksRecordError(t *testing.T) {
	mailer := newFakeMailer()
	r := newTestRunner(t, mailer)
	// A quoted CSV cell may legally span lines; rendered into the
	// subject it must fail that record, not go out as extra headers.
	tbl := loadTable(t, "Email,Name\na@x.com,\"Jane\r\nBcc: attacker@evil.com\"\nb@y.com,Bob\n")

	summary, err := r.Run(context.Background(), tbl, testOptions(t, ModeNew))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Sent)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "a@x.com", summary.Errors[0].Address)
	assert.Equal(t, table.StatusError, tbl.Status(0))
	assert.Equal(t, table.StatusSent, tbl.Status(1))
}

func TestRunMalformedTemplateMarksRecordError(t *testing.T) {
	mailer := newFakeMailer()
	r := newTestRunner(t, mailer)
	tbl := loadTable(t, "Email,Name\na@x.com,Amy\nb@y.com,Bob\n")

	opts := testOptions(t, ModeNew)
	opts.SubjectTemplate = "Hello {Name:d}"

	summary, err := r.Run(context.Background(), tbl, opts)
	require.NoError(t, err)

	// The malformed template never reaches the provider; the batch
	// continues with the remaining records.
	assert.Zero(t, summary.Sent)
	require.Len(t, summary.Errors, 2)
	assert.Equal(t, table.StatusError, tbl.Status(0))
	assert.Equal(t, table.StatusError, tbl.Status(1))
	assert.Empty(t, mailer.sent)
}

func TestRunIsolatesProviderErrors(t *testing.T) {
	mailer := newFakeMailer()
	mailer.sendErrFor["a@x.com"] = errors.New("rate limited")
	r := newTestRunner(t, mailer)
	tbl := loadTable(t, "Email,Name\na@x.com,A\nb@y.com,B\n")

	summary, err := r.Run(context.Background(), tbl, testOptions(t, ModeNew))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Sent)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "a@x.com", summary.Errors[0].Address)
	assert.Contains(t, summary.Errors[0].Message, "rate limited")
	assert.Equal(t, table.StatusError, tbl.Status(0))
	assert.Equal(t, table.StatusSent, tbl.Status(1))
}

func TestRunFollowUpThreadsOntoPriorMessage(t *testing.T) {
	mailer := newFakeMailer()
	r := newTestRunner(t, mailer)
	tbl := loadTable(t, "Email,Name,ThreadId,RfcMessageId,Status\na@x.com,A,t-9,<m9@mail>,\n")

	summary, err := r.Run(context.Background(), tbl, testOptions(t, ModeFollowUp))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Sent)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "t-9", mailer.sent[0].ThreadID)
	assert.Equal(t, "<m9@mail>", mailer.sent[0].InReplyTo)
}

func TestRunFollowUpWithoutLinkageSendsUnthreaded(t *testing.T) {
	mailer := newFakeMailer()
	r := newTestRunner(t, mailer)
	tbl := loadTable(t, "Email,Name,ThreadId,RfcMessageId,Status\na@x.com,A,,,\n")

	summary, err := r.Run(context.Background(), tbl, testOptions(t, ModeFollowUp))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Sent)
	require.Len(t, mailer.sent, 1)
	assert.Empty(t, mailer.sent[0].ThreadID)
	assert.Empty(t, mailer.sent[0].InReplyTo)
}

func TestRunDraftMode(t *testing.T) {
	mailer := newFakeMailer()
	r := newTestRunner(t, mailer)
	tbl := loadTable(t, "Email,Name\na@x.com,A\nb@y.com,B\n")

	summary, err := r.Run(context.Background(), tbl, testOptions(t, ModeDraft))
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Sent)
	assert.Equal(t, 2, summary.Drafted)
	assert.Len(t, mailer.drafts, 2)
	assert.Equal(t, table.StatusDraft, tbl.Status(0))
	// Draft mode never touches labels
	assert.False(t, mailer.ensureCalled)
	assert.Empty(t, mailer.labeled)
}

func TestRunDraftModeUsesDraftCap(t *testing.T) {
	mailer := newFakeMailer()
	r := newTestRunner(t, mailer)
	tbl := loadTable(t, "Email\na@x.com\nb@y.com\nc@z.com\n")

	opts := testOptions(t, ModeDraft)
	opts.SubjectTemplate = "Hi"
	opts.BodyTemplate = "Hi"
	opts.DraftCap = 1
	opts.SendCap = 50

	summary, err := r.Run(context.Background(), tbl, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Drafted)
	assert.Len(t, tbl.PendingIndices(), 2)
}

func TestRunIdempotentOnTerminalTable(t *testing.T) {
	mailer := newFakeMailer()
	r := newTestRunner(t, mailer)
	tbl := loadTable(t, "Email,Status\na@x.com,Sent\nb@y.com,Draft\n")

	summary, err := r.Run(context.Background(), tbl, testOptions(t, ModeNew))
	require.NoError(t, err)

	assert.Zero(t, summary.Sent)
	assert.Zero(t, summary.Drafted)
	assert.Empty(t, summary.Skipped)
	assert.Empty(t, summary.Errors)
	assert.Empty(t, mailer.sent)
}

func TestRunMessageIDHeaderPoll(t *testing.T) {
	mailer := newFakeMailer()
	mailer.headerFor["msg-1"] = "<canonical-1@mail.gmail.com>"
	r := newTestRunner(t, mailer)
	tbl := loadTable(t, "Email\na@x.com\nb@y.com\n")

	opts := testOptions(t, ModeNew)
	opts.SubjectTemplate = "Hi"
	opts.BodyTemplate = "Hi"

	_, err := r.Run(context.Background(), tbl, opts)
	require.NoError(t, err)

	// First message has a canonical header; the second never does and
	// falls back to the provider id.
	assert.Equal(t, "<canonical-1@mail.gmail.com>", tbl.Get(0, table.ColRfcMessageID))
	assert.Equal(t, "msg-2", tbl.Get(1, table.ColRfcMessageID))
}

func TestRunAppliesLabelOnce(t *testing.T) {
	mailer := newFakeMailer()
	r := newTestRunner(t, mailer)
	tbl := loadTable(t, "Email\na@x.com\nb@y.com\n")

	opts := testOptions(t, ModeNew)
	opts.SubjectTemplate = "Hi"
	opts.BodyTemplate = "Hi"

	_, err := r.Run(context.Background(), tbl, opts)
	require.NoError(t, err)

	require.Len(t, mailer.labeled, 1)
	assert.Equal(t, []string{"msg-1", "msg-2"}, mailer.labeled[0])
}

func TestRunLabelFailureIsNonFatal(t *testing.T) {
	mailer := newFakeMailer()
	mailer.labelErr = errors.New("batchModify quota")
	r := newTestRunner(t, mailer)
	tbl := loadTable(t, "Email\na@x.com\n")

	opts := testOptions(t, ModeNew)
	opts.SubjectTemplate = "Hi"
	opts.BodyTemplate = "Hi"

	summary, err := r.Run(context.Background(), tbl, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
}

func TestRunEnsureLabelFailureStillSends(t *testing.T) {
	mailer := newFakeMailer()
	mailer.ensureErr = errors.New("labels api down")
	r := newTestRunner(t, mailer)
	tbl := loadTable(t, "Email\na@x.com\n")

	opts := testOptions(t, ModeNew)
	opts.SubjectTemplate = "Hi"
	opts.BodyTemplate = "Hi"

	summary, err := r.Run(context.Background(), tbl, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	assert.Empty(t, mailer.labeled)
}

func TestRunPersistsTableAndMarker(t *testing.T) {
	mailer := newFakeMailer()
	markerPath := filepath.Join(t.TempDir(), "done.json")
	marker := recovery.NewStore(markerPath)
	r := NewRunner(mailer, marker, nil, logger.New("disabled", "console"))
	r.sleep = func(time.Duration) {}
	r.idPoll = retry.Config{Attempts: 1}
	r.labelPoll = retry.Config{Attempts: 1}

	tbl := loadTable(t, "Email,Name\na@x.com,Amy\n")

	summary, err := r.Run(context.Background(), tbl, testOptions(t, ModeNew))
	require.NoError(t, err)
	require.NotEmpty(t, summary.OutputFile)

	reloaded, err := table.Load(summary.OutputFile)
	require.NoError(t, err)
	assert.Equal(t, table.StatusSent, reloaded.Status(0))

	m, found, err := marker.Read()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, summary.OutputFile, m.OutputFile)

	require.Len(t, mailer.backups, 1)
	assert.Equal(t, summary.OutputFile, mailer.backups[0])
}

func TestPreview(t *testing.T) {
	tbl := loadTable(t, "Email,Name\na@x.com,Amy\n")

	p, err := Preview(tbl, "Hello {Name}", "**Hi {Name}**")
	require.NoError(t, err)
	assert.Equal(t, "Hello Amy", p.Subject)
	assert.Contains(t, p.BodyHTML, "<b>Hi Amy</b>")
	assert.Empty(t, p.Warning)
}

func TestPreviewMissingFieldWarns(t *testing.T) {
	tbl := loadTable(t, "Email,Name\na@x.com,Amy\n")

	p, err := Preview(tbl, "Hello {Nmae}", "Hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello {Nmae}", p.Subject)
	assert.Contains(t, p.Warning, "Nmae")
}

func TestPreviewMalformedTemplateFails(t *testing.T) {
	tbl := loadTable(t, "Email,Name\na@x.com,Amy\n")

	_, err := Preview(tbl, "Hello {Name:d}", "Hi")
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"new", "followup", "draft"} {
		mode, err := ParseMode(valid)
		require.NoError(t, err)
		assert.Equal(t, valid, string(mode))
	}
	_, err := ParseMode("blast")
	assert.Error(t, err)
}
