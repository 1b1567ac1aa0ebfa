package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "analyzer-orch",
		Short: "Analysis Orchestrator - distributed analysis pipeline manager",
		Long: `Analysis Orchestrator coordinates generation and analysis of applications
across pools of worker services. It allocates application slots, fans
pipeline definitions out into bounded-concurrency jobs, dispatches work
over websockets, and consolidates per-service findings.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
