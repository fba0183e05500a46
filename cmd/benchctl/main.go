package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	serverURL string
	verbose   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "benchctl",
		Short: "Benchmark evaluation and snapshot management CLI",
		Long: `benchctl evaluates detector output against ground-truth datasets and
manages the versioned snapshot store: submit runs, inspect history,
compare versions, and roll back the current snapshot.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Benchmark service base URL")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkoutCmd())
	rootCmd.AddCommand(compareCmd())
	rootCmd.AddCommand(timeseriesCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
