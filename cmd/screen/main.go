// Command screen runs one screener funnel from the command line and prints
// the final tiers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"equity-screener/config"
	"equity-screener/internal/app"
	"equity-screener/internal/candidate"
	"equity-screener/internal/logging"
	"equity-screener/internal/pipeline"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "screen",
		Short:         "Run the equity screener pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "config file (default config.json, or CONFIG_FILE)")
	root.PersistentFlags().String("run-id", "", "run id; defaults to <type>-YYYY-MM-DD")
	root.PersistentFlags().StringSlice("symbols", nil, "restrict the universe to these symbols")
	root.PersistentFlags().Bool("json", false, "print the full result as JSON")

	root.AddCommand(newRunCmd(candidate.TypeSwing, "Swing trades: days to weeks, daily primary timeframe"))
	root.AddCommand(newRunCmd(candidate.TypeLongterm, "Longterm positions: weeks to months, weekly primary timeframe"))
	return root
}

func newRunCmd(typ candidate.ScreenerType, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(typ),
		Short: short,
		Example: fmt.Sprintf(`  screen %s
  screen %s --symbols INFY,TCS,RELIANCE
  screen %s --run-id backfill-1 --json`, typ, typ, typ),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			runID, _ := cmd.Flags().GetString("run-id")
			symbols, _ := cmd.Flags().GetStringSlice("symbols")
			asJSON, _ := cmd.Flags().GetBool("json")

			if configFile != "" {
				os.Setenv("CONFIG_FILE", configFile)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger := logging.New(&logging.Config{
				Level:      cfg.Logging.Level,
				Output:     "stderr",
				JSONFormat: cfg.Logging.JSONFormat,
				Component:  "screen",
			})
			logging.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			req := pipeline.Request{Type: typ, Symbols: normalizeSymbols(symbols)}
			if runID != "" {
				req.RunID = &runID
			}
			res, err := a.Pipeline.Run(ctx, req)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					*pipeline.Result
					Selected []*candidate.Candidate `json:"selected"`
				}{res, res.Selected()})
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// printResult writes the run summary and the selected candidates by tier
func printResult(w io.Writer, res *pipeline.Result) {
	run := res.Run
	fmt.Fprintf(w, "Run %s (%s) %s\n", run.Key, run.Type, run.Status)
	fmt.Fprintf(w, "Universe %d  Candidates %d  Selected %d  AI calls %d (cached %d, failed %d)\n\n",
		run.UniverseSize, run.Candidates, run.Selected, run.AICalls, run.AICacheHits, run.AIFailures)

	selected := res.Selected()
	if len(selected) == 0 {
		fmt.Fprintln(w, "No candidates selected.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tRANK\tSYMBOL\tSECTOR\tSETUP\tSCORE\tENTRY\tSTOP\tTARGET\tQTY\tR:R\tAI")
	for _, c := range selected {
		sel, ok := c.Selection()
		if !ok {
			continue
		}
		entry, stop, target, qty, rr := "-", "-", "-", "-", "-"
		if p, ok := c.Plan(); ok {
			entry = fmt.Sprintf("%.2f", p.Entry)
			stop = fmt.Sprintf("%.2f", p.StopLoss)
			target = fmt.Sprintf("%.2f", p.TakeProfit)
			qty = fmt.Sprintf("%d", p.Quantity)
			rr = fmt.Sprintf("%.1f", p.RiskReward)
		}
		ai := "-"
		if r, ok := c.AI(); ok {
			ai = fmt.Sprintf("%.1f %s", r.Confidence, r.Status)
		}
		sector := c.Sector
		if sector == "" {
			sector = "-"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%.1f\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sel.Tier, sel.Rank, c.Instrument.Symbol, sector, c.Status(), sel.CombinedScore,
			entry, stop, target, qty, rr, ai)
	}
	tw.Flush()
}
