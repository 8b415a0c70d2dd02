package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Vigil is a security enforcement service",
	Long: `A security enforcement service providing request rate limiting,
session concurrency enforcement with origin binding, and timed incident
escalation.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
