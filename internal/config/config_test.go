package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMerge() MergeConfig {
	return MergeConfig{
		SubjectTemplate: "Hello {Name}",
		BodyTemplate:    "Dear {Name},",
		LabelName:       "Mail Merge Sent",
		Delay:           25 * time.Second,
		Mode:            "new",
		SendCap:         50,
		DraftCap:        110,
	}
}

func TestMergeConfigValidate(t *testing.T) {
	cfg := validMerge()
	require.NoError(t, cfg.Validate())

	cfg = validMerge()
	cfg.Mode = "broadcast"
	assert.Error(t, cfg.Validate())

	cfg = validMerge()
	cfg.SubjectTemplate = ""
	assert.Error(t, cfg.Validate())

	cfg = validMerge()
	cfg.SendCap = 0
	assert.Error(t, cfg.Validate())
}

func TestMergeConfigValidateClampsDelay(t *testing.T) {
	cfg := validMerge()
	cfg.Delay = 2 * time.Second

	require.NoError(t, cfg.Validate())
	assert.Equal(t, MinDelay, cfg.Delay)
}

func TestStatePaths(t *testing.T) {
	st := StateConfig{Dir: "/var/lib/mailmerge"}
	assert.Equal(t, "/var/lib/mailmerge/mailmerge_done.json", st.MarkerPath())
	assert.Equal(t, "/var/lib/mailmerge/mailmerge_history.db", st.HistoryPath())
}
