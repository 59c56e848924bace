package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "scrubd",
	Short: "scrubd - document redaction pipeline with a tamper-evident ledger",
	Long: `scrubd watches an inbox for PDFs and images, redacts personal data,
signs and archives the result, and records every step in a hash-chained ledger.

Run "scrubd start" to launch the daemon; the other commands talk to it over
its local management API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(jobCmd, auditCmd, verifyCmd, exportCmd)
	rootCmd.AddCommand(deadLetterCmd, policyCmd, alarmCmd, statsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
