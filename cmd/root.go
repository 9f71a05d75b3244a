// Package cmd defines the parley command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parley-sh/parley/internal/build"
)

var rootCmd = &cobra.Command{
	Use:     "parley",
	Short:   "Interactive agent chat runtime",
	Long:    "Parley runs interactive Claude agent chat sessions behind an HTTP/SSE gateway.",
	Version: build.String(),
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(sessionsCmd)
}
