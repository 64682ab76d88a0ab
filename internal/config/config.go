package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MinDelay is the smallest allowed inter-send delay. Gmail throttles
// senders that burst; anything below this risks the account being
// flagged, so configured values are clamped up to it.
const MinDelay = 20 * time.Second

// Config holds all configuration for the application
type Config struct {
	Log   LogConfig   `mapstructure:"log"`
	Gmail GmailConfig `mapstructure:"gmail"`
	Merge MergeConfig `mapstructure:"merge"`
	State StateConfig `mapstructure:"state"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// GmailConfig holds Gmail API configuration
type GmailConfig struct {
	// CredentialsJSON is the service account credentials JSON content
	CredentialsJSON string `mapstructure:"credentials_json"`
	// ClientID for OAuth2 token-based auth (alternative to service account)
	ClientID string `mapstructure:"client_id"`
	// ClientSecret for OAuth2 token-based auth
	ClientSecret string `mapstructure:"client_secret"`
	// RefreshToken for OAuth2 token-based auth
	RefreshToken string `mapstructure:"refresh_token"`
	// SenderAddress is the "From" email address
	SenderAddress string `mapstructure:"sender_address"`
	// SenderName is the display name for the sender
	SenderName string `mapstructure:"sender_name"`
}

// MergeConfig holds the per-run merge settings
type MergeConfig struct {
	// SubjectTemplate is the subject line with {Field} placeholders
	SubjectTemplate string `mapstructure:"subject_template"`
	// BodyTemplate is the body text with {Field} placeholders and
	// the limited markdown subset (bold, links, line breaks)
	BodyTemplate string `mapstructure:"body_template"`
	// LabelName is the Gmail label applied to sent messages
	LabelName string `mapstructure:"label_name"`
	// Delay is the inter-send delay, clamped to MinDelay
	Delay time.Duration `mapstructure:"delay"`
	// Mode is the send mode: "new", "followup" or "draft"
	Mode string `mapstructure:"mode"`
	// SendCap is the per-run cap for new/followup sends
	SendCap int `mapstructure:"send_cap"`
	// DraftCap is the per-run cap for draft creation
	DraftCap int `mapstructure:"draft_cap"`
	// OutputDir is where the updated recipient CSV is written
	OutputDir string `mapstructure:"output_dir"`
}

// StateConfig holds paths for cross-invocation state
type StateConfig struct {
	// Dir is the directory holding the completion marker and run journal
	Dir string `mapstructure:"dir"`
}

// MarkerPath returns the completion marker file path
func (c StateConfig) MarkerPath() string {
	return filepath.Join(c.Dir, "mailmerge_done.json")
}

// HistoryPath returns the run journal database path
func (c StateConfig) HistoryPath() string {
	return filepath.Join(c.Dir, "mailmerge_history.db")
}

// Validate checks the merge settings and clamps the delay to the
// provider-safe floor
func (c *MergeConfig) Validate() error {
	switch c.Mode {
	case "new", "followup", "draft":
	default:
		return fmt.Errorf("invalid merge mode %q (expected new, followup or draft)", c.Mode)
	}
	if c.SubjectTemplate == "" {
		return fmt.Errorf("merge subject template is required")
	}
	if c.BodyTemplate == "" {
		return fmt.Errorf("merge body template is required")
	}
	if c.SendCap <= 0 || c.DraftCap <= 0 {
		return fmt.Errorf("per-run caps must be positive")
	}
	if c.Delay < MinDelay {
		c.Delay = MinDelay
	}
	return nil
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	// Set config file name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/mailmerge")

	// Set defaults
	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Bind environment variables
	v.SetEnvPrefix("MAILMERGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Gmail defaults
	v.SetDefault("gmail.sender_address", "")
	v.SetDefault("gmail.sender_name", "")

	// Merge defaults
	v.SetDefault("merge.subject_template", "")
	v.SetDefault("merge.body_template", "")
	v.SetDefault("merge.label_name", "Mail Merge Sent")
	v.SetDefault("merge.delay", "20s")
	v.SetDefault("merge.mode", "new")
	v.SetDefault("merge.send_cap", 50)
	v.SetDefault("merge.draft_cap", 110)
	v.SetDefault("merge.output_dir", os.TempDir())

	// State defaults
	v.SetDefault("state.dir", os.TempDir())
}
