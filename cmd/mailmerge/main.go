package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailmerge/mailmerge/internal/config"
	"github.com/mailmerge/mailmerge/internal/gmail"
	"github.com/mailmerge/mailmerge/internal/history"
	"github.com/mailmerge/mailmerge/internal/logger"
	"github.com/mailmerge/mailmerge/internal/merge"
	"github.com/mailmerge/mailmerge/internal/recovery"
	"github.com/mailmerge/mailmerge/internal/table"
)

var rootCmd = &cobra.Command{
	Use:   "mailmerge",
	Short: "Gmail mail merge with follow-up replies, draft save and resume support",
}

var runCmd = &cobra.Command{
	Use:   "run [recipients.csv]",
	Short: "Run the mail merge over a recipient CSV",
	Args:  cobra.ExactArgs(1),
	RunE:  runMerge,
}

var previewCmd = &cobra.Command{
	Use:   "preview [recipients.csv]",
	Short: "Render the templates against the first recipient row",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreview,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the previous run's result, if any",
	RunE:  runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the completion marker for a new run",
	RunE:  runReset,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past merge runs",
	RunE:  runHistory,
}

var (
	flagSubject  string
	flagBodyFile string
	flagLabel    string
	flagMode     string
	flagDelay    time.Duration
)

func init() {
	for _, cmd := range []*cobra.Command{runCmd, previewCmd} {
		cmd.Flags().StringVar(&flagSubject, "subject", "", "subject template with {Field} placeholders")
		cmd.Flags().StringVar(&flagBodyFile, "body-file", "", "file holding the body template")
	}
	runCmd.Flags().StringVar(&flagLabel, "label", "", "Gmail label applied to sent messages")
	runCmd.Flags().StringVar(&flagMode, "mode", "", "send mode: new, followup or draft")
	runCmd.Flags().DurationVar(&flagDelay, "delay", 0, "inter-send delay")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// applyFlags layers command-line flags over the loaded configuration.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("subject") {
		cfg.Merge.SubjectTemplate = flagSubject
	}
	if cmd.Flags().Changed("body-file") {
		body, err := os.ReadFile(flagBodyFile)
		if err != nil {
			return fmt.Errorf("failed to read body template: %w", err)
		}
		cfg.Merge.BodyTemplate = string(body)
	}
	if cmd.Flags().Changed("label") {
		cfg.Merge.LabelName = flagLabel
	}
	if cmd.Flags().Changed("mode") {
		cfg.Merge.Mode = flagMode
	}
	if cmd.Flags().Changed("delay") {
		cfg.Merge.Delay = flagDelay
	}
	return nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Merge.Validate(); err != nil {
		return err
	}
	mode, err := merge.ParseMode(cfg.Merge.Mode)
	if err != nil {
		return err
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	marker := recovery.NewStore(cfg.State.MarkerPath())
	if m, found, err := marker.Read(); err != nil {
		return err
	} else if found {
		fmt.Printf("Previous mail merge completed %s.\n", m.CompletedAt.Format(time.RFC1123))
		fmt.Printf("Updated CSV: %s\n", m.OutputFile)
		fmt.Println("Run `mailmerge reset` to start a new run.")
		return nil
	}

	tbl, err := table.Load(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := gmail.NewClient(ctx, cfg.Gmail)
	if err != nil {
		return err
	}

	var journal *history.Store
	if journal, err = history.Open(cfg.State.HistoryPath()); err != nil {
		log.Warn().Err(err).Msg("run journal unavailable")
		journal = nil
	} else {
		defer journal.Close()
	}

	runner := merge.NewRunner(client, marker, journal, log)
	summary, err := runner.Run(ctx, tbl, merge.Options{
		Mode:            mode,
		SubjectTemplate: cfg.Merge.SubjectTemplate,
		BodyTemplate:    cfg.Merge.BodyTemplate,
		LabelName:       cfg.Merge.LabelName,
		Delay:           cfg.Merge.Delay,
		SendCap:         cfg.Merge.SendCap,
		DraftCap:        cfg.Merge.DraftCap,
		OutputDir:       cfg.Merge.OutputDir,
	})
	if summary != nil {
		printSummary(summary)
	}
	return err
}

func printSummary(s *merge.Summary) {
	fmt.Printf("Mail merge %s\n", s.State)
	fmt.Printf("  Sent:    %d\n", s.Sent)
	fmt.Printf("  Drafted: %d\n", s.Drafted)
	fmt.Printf("  Skipped: %d\n", len(s.Skipped))
	fmt.Printf("  Errors:  %d\n", len(s.Errors))
	for _, addr := range s.Skipped {
		fmt.Printf("    skipped: %q (no address found)\n", addr)
	}
	for _, re := range s.Errors {
		fmt.Printf("    error: %s (row %d): %s\n", re.Address, re.Row, re.Message)
	}
	if s.OutputFile != "" {
		fmt.Printf("Updated CSV: %s\n", s.OutputFile)
	}
}

func runPreview(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	tbl, err := table.Load(args[0])
	if err != nil {
		return err
	}

	p, err := merge.Preview(tbl, cfg.Merge.SubjectTemplate, cfg.Merge.BodyTemplate)
	if err != nil {
		return err
	}
	if p.Warning != "" {
		fmt.Fprintf(os.Stderr, "Warning: %s (raw template shown)\n", p.Warning)
	}
	fmt.Printf("Subject: %s\n\n%s\n", p.Subject, p.BodyHTML)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	m, found, err := recovery.NewStore(cfg.State.MarkerPath()).Read()
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("No completed run. Ready for a new merge.")
		return nil
	}
	fmt.Printf("Previous mail merge completed %s.\n", m.CompletedAt.Format(time.RFC1123))
	fmt.Printf("Updated CSV: %s\n", m.OutputFile)
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := recovery.NewStore(cfg.State.MarkerPath()).Reset(); err != nil {
		return err
	}
	fmt.Println("Completion marker cleared. Ready for a new run.")
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	journal, err := history.Open(cfg.State.HistoryPath())
	if err != nil {
		return err
	}
	defer journal.Close()

	runs, err := journal.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No merge runs recorded yet.")
		return nil
	}
	for _, run := range runs {
		fmt.Printf("%s  %-8s  sent=%d skipped=%d errors=%d  %s\n",
			run.CompletedAt.Local().Format("2006-01-02 15:04"),
			run.Mode, run.Sent, run.Skipped, run.Errors, run.OutputFile)
	}
	return nil
}
