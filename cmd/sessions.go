package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/parley-sh/parley/internal/config"
	"github.com/parley-sh/parley/internal/storage"
	"github.com/parley-sh/parley/internal/transcript"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored agent sessions",
	Long:  "List the stored transcripts the claude CLI has written, most recent first.",
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().String("project", "", "Only show sessions for this project directory")
	sessionsCmd.Flags().Int("limit", 20, "Maximum number of sessions to show")
}

func runSessions(cmd *cobra.Command, _ []string) error {
	project, _ := cmd.Flags().GetString("project")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, _, err := storage.NewSQLiteDB(cfg.DBFile())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	index := transcript.NewIndex("", storage.NewSQLiteTranscriptStore(db), discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := index.Rescan(ctx); err != nil {
		return fmt.Errorf("scanning transcripts: %w", err)
	}

	summaries := index.List(ctx, project)
	if len(summaries) == 0 {
		fmt.Println("No stored sessions found.")
		return nil
	}
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("SESSION", "PROJECT", "LAST ACTIVITY", "MSGS", "PREVIEW")

	for _, s := range summaries {
		t.Row(
			shorten(s.SessionID, 12),
			shorten(s.ProjectPath, 32),
			s.LastActivity.Local().Format("2006-01-02 15:04"),
			fmt.Sprintf("%d", s.MessageCount),
			shorten(s.Preview, 48),
		)
	}
	fmt.Println(t)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shorten(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
