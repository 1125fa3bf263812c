package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "usagemeter",
		Short:         "LLM usage ingestion, statistics and alerting",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to config file (default usagemeter.yaml, CONFIG env wins)")

	root.AddCommand(
		newServeCmd(),
		newStatsCmd(),
		newHistoryCmd(),
		newIngestCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
