package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/parley-sh/parley/internal/claude"
	"github.com/parley-sh/parley/internal/config"
	"github.com/parley-sh/parley/internal/storage"
)

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the local environment",
	Long:  "Verify the claude CLI, data directory, database, and MCP registry are usable.",
	RunE:  runDoctor,
}

type check struct {
	name string
	run  func(*config.AppConfig) (string, error)
}

func runDoctor(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	checks := []check{
		{"claude CLI", checkAgentCLI},
		{"data directory", checkDataDir},
		{"database", checkDatabase},
		{"MCP registry", checkMCPRegistry},
	}

	failures := 0
	for _, c := range checks {
		detail, err := c.run(cfg)
		if err != nil {
			failures++
			fmt.Printf("%s %-16s %s\n", failStyle.Render("✗"), c.name, failStyle.Render(err.Error()))
			continue
		}
		fmt.Printf("%s %-16s %s\n", passStyle.Render("✓"), c.name, dimStyle.Render(detail))
	}

	if failures > 0 {
		return fmt.Errorf("%d check(s) failed", failures)
	}
	fmt.Println(dimStyle.Render("\nAll checks passed."))
	return nil
}

func checkAgentCLI(cfg *config.AppConfig) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	v, err := claude.CheckCLI(ctx, cfg.ClaudeBinary)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s (min %s)", cfg.ClaudeBinary, v, claude.MinCLIVersion), nil
}

func checkDataDir(cfg *config.AppConfig) (string, error) {
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return "", fmt.Errorf("creating %s: %w", cfg.DataDir, err)
	}
	probe := filepath.Join(cfg.DataDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return "", fmt.Errorf("%s is not writable: %w", cfg.DataDir, err)
	}
	os.Remove(probe)
	return cfg.DataDir, nil
}

func checkDatabase(cfg *config.AppConfig) (string, error) {
	db, fresh, err := storage.NewSQLiteDB(cfg.DBFile())
	if err != nil {
		return "", err
	}
	defer db.Close()
	if fresh {
		return cfg.DBFile() + " (created)", nil
	}
	return cfg.DBFile(), nil
}

func checkMCPRegistry(cfg *config.AppConfig) (string, error) {
	registry, err := config.LoadMCPRegistry(cfg.MCPsFile())
	if err != nil {
		return "", err
	}
	n := len(registry.All())
	if n == 0 {
		return "no servers configured", nil
	}
	return fmt.Sprintf("%d server(s)", n), nil
}
