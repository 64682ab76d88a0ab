package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	started := time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC)
	first := Run{
		ID:          "run-1",
		StartedAt:   started,
		CompletedAt: started.Add(10 * time.Minute),
		Mode:        "new",
		Label:       "Mail Merge Sent",
		OutputFile:  "/tmp/Updated_Mail_Merge_Sent_20240309_151000.csv",
		Sent:        42,
		Skipped:     3,
		Errors:      1,
	}
	require.NoError(t, store.Record(ctx, first))

	second := first
	second.ID = "run-2"
	second.StartedAt = started.Add(time.Hour)
	second.CompletedAt = started.Add(2 * time.Hour)
	require.NoError(t, store.Record(ctx, second))

	runs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// Most recent first
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, "run-1", runs[1].ID)
	assert.Equal(t, 42, runs[1].Sent)
	assert.Equal(t, 3, runs[1].Skipped)
	assert.Equal(t, 1, runs[1].Errors)
	assert.True(t, runs[1].StartedAt.Equal(started))
}

func TestListEmpty(t *testing.T) {
	store := openTestStore(t)

	runs, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
}
