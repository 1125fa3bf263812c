package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/snow-ghost/usagemeter/pkg/calendar"
	"github.com/snow-ghost/usagemeter/pkg/usage"
	"github.com/spf13/cobra"
)

// openReadOnly loads the config and wires a quiet runtime for one-shot commands
func openReadOnly(cmd *cobra.Command) (*runtime, error) {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Driver != "sqlite" {
		fmt.Fprintln(os.Stderr, "note: memory store is empty outside a running server; configure store.driver: sqlite")
	}
	cfg.Logging.Level = "warn"
	return newRuntime(cmd.Context(), cfg, path)
}

func newStatsCmd() *cobra.Command {
	var (
		rangeName string
		model     string
		provider  string
		start     string
		end       string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show usage statistics for a time range",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := calendar.ParseRange(rangeName)
			if err != nil {
				return err
			}
			spec := calendar.FilterSpec{Range: kind}.Scoped(model, provider)
			if spec.Start, err = parseTime(start); err != nil {
				return err
			}
			if spec.End, err = parseTime(end); err != nil {
				return err
			}

			rt, err := openReadOnly(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.Background()) }()

			res, err := rt.engine.Query(cmd.Context(), spec)
			if err != nil {
				return err
			}
			return printStats(os.Stdout, res)
		},
	}

	cmd.Flags().StringVarP(&rangeName, "range", "r", "today", "today, this_week, this_month, this_year, all or custom")
	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&start, "start", "", "custom range start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "custom range end (RFC3339)")
	return cmd
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", usage.ErrInvalidRange, err)
	}
	return t, nil
}

func printStats(out io.Writer, res usage.StatsResult) error {
	if res.RecordCount == 0 {
		fmt.Fprintln(out, "No usage data found.")
		return nil
	}

	fmt.Fprintf(out, "Window:   %s .. %s\n", res.From.Format(time.RFC3339), res.To.Format(time.RFC3339))
	fmt.Fprintf(out, "Records:  %s (%s errors, %.1f%% error rate)\n",
		humanize.Comma(res.RecordCount), humanize.Comma(res.ErrorCount), res.ErrorRate()*100)
	fmt.Fprintf(out, "Tokens:   %s (in %s, out %s, avg %s)\n",
		humanize.Comma(res.TotalTokens), humanize.Comma(res.TokensIn), humanize.Comma(res.TokensOut),
		humanize.CommafWithDigits(res.AverageTokens(), 1))
	fmt.Fprintf(out, "Cost:     %s\n\n", res.TotalCost)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DIMENSION\tNAME\tRECORDS\tERRORS\tTOKENS\tCOST")
	for _, dim := range []struct {
		name string
		subs map[string]usage.Subtotal
	}{{"model", res.ByModel}, {"provider", res.ByProvider}} {
		for _, name := range sortedKeys(dim.subs) {
			s := dim.subs[name]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", dim.name, name,
				humanize.Comma(s.RecordCount), humanize.Comma(s.ErrorCount), humanize.Comma(s.Tokens), s.Cost)
		}
	}
	return w.Flush()
}

func sortedKeys(m map[string]usage.Subtotal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show cumulative totals over every stored record",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openReadOnly(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.Background()) }()

			return printHistory(os.Stdout, rt.engine.HistoricalSnapshot())
		},
	}
}

func printHistory(out io.Writer, total usage.CumulativeTotal) error {
	if total.TotalRecords == 0 {
		fmt.Fprintln(out, "No usage data found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Records\t%s\n", humanize.Comma(total.TotalRecords))
	fmt.Fprintf(w, "Tokens\t%s\n", humanize.Comma(total.TotalTokens))
	fmt.Fprintf(w, "Cost\t%s\n", total.TotalCost)
	fmt.Fprintf(w, "Models\t%d\n", total.UniqueModels)
	fmt.Fprintf(w, "Providers\t%d\n", total.UniqueProviders)
	fmt.Fprintf(w, "First seen\t%s (%s)\n", total.FirstSeen.Format(time.RFC3339), humanize.Time(total.FirstSeen))
	fmt.Fprintf(w, "Last seen\t%s (%s)\n", total.LastSeen.Format(time.RFC3339), humanize.Time(total.LastSeen))
	return w.Flush()
}
