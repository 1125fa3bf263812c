package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/snow-ghost/usagemeter/pkg/cost"
	"github.com/snow-ghost/usagemeter/pkg/usage"
	"github.com/spf13/cobra"
)

func newIngestCmd() *cobra.Command {
	var (
		rec       usage.Record
		costStr   string
		timestamp string
		failed    bool
		actor     string
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Append one usage record to the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec.Succeeded = !failed
			rec.Timestamp = time.Now()
			if timestamp != "" {
				ts, err := time.Parse(time.RFC3339, timestamp)
				if err != nil {
					return fmt.Errorf("%w: timestamp: %v", usage.ErrInvalidRecord, err)
				}
				rec.Timestamp = ts
			}
			if costStr != "" {
				c, err := usage.ParseMicros(costStr)
				if err != nil {
					return fmt.Errorf("%w: %v", usage.ErrInvalidRecord, err)
				}
				rec.Cost = c
			}

			rt, err := openReadOnly(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.Background()) }()

			stored, err := rt.engine.Ingest(cmd.Context(), actor, rec)
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "Recorded %s: %s/%s, %s tokens, cost %s\n",
				stored.ID, stored.Provider, stored.Model,
				humanize.Comma(stored.TotalTokens()),
				cost.FormatCostHeader(stored.Cost, rt.cfg.PriceTable().Currency()))
			return nil
		},
	}

	cmd.Flags().StringVar(&rec.ID, "id", "", "record ID (generated when empty)")
	cmd.Flags().StringVar(&rec.Provider, "provider", "", "provider name")
	cmd.Flags().StringVar(&rec.Model, "model", "", "model name")
	cmd.Flags().Int64Var(&rec.TokensIn, "tokens-in", 0, "input tokens")
	cmd.Flags().Int64Var(&rec.TokensOut, "tokens-out", 0, "output tokens")
	cmd.Flags().StringVar(&costStr, "cost", "", "cost as a decimal; priced from the config when empty")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "record time (RFC3339), default now")
	cmd.Flags().BoolVar(&failed, "failed", false, "mark the call as failed")
	cmd.Flags().StringVar(&rec.SessionID, "session", "", "session ID")
	cmd.Flags().StringVar(&actor, "actor", "cli", "audit actor")
	return cmd
}
