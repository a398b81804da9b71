package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"

	"github.com/spf13/cobra"

	"github.com/finopsctl/billingpipe/internal/pipeline"
	"github.com/finopsctl/billingpipe/pkg/billing"
	"github.com/finopsctl/billingpipe/pkg/config"
	"github.com/finopsctl/billingpipe/pkg/logger"
	"github.com/finopsctl/billingpipe/pkg/state"
)

var version = "0.1.0"

type rootFlags struct {
	configFile string
	vendor     string
	logLevel   string
}

type rangeFlags struct {
	start string
	end   string
}

func (r rangeFlags) parse() (billing.Period, billing.Period, error) {
	var start, end billing.Period
	var err error
	if r.start != "" {
		if start, err = billing.ParsePeriod(r.start); err != nil {
			return start, end, fmt.Errorf("invalid --start: %w", err)
		}
	}
	if r.end != "" {
		if end, err = billing.ParsePeriod(r.end); err != nil {
			return start, end, fmt.Errorf("invalid --end: %w", err)
		}
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return start, end, fmt.Errorf("--end %s precedes --start %s", end, start)
	}
	return start, end, nil
}

func main() {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "billingpipe",
		Short: "Incremental cloud billing pipeline",
		Long: `billingpipe discovers cloud billing exports in object storage, stages
their data files locally, loads them into DuckDB with idempotent
partition replacement, exports sorted Parquet, and syncs it to BigQuery.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logger.Config{Level: flags.logLevel, Encoding: "console"})
		},
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "config.toml", "Path to TOML configuration file")
	root.PersistentFlags().StringVar(&flags.vendor, "vendor", billing.VendorAWS, "Billing vendor (aws or azure)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("billingpipe v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(newDiscoverCmd(flags))
	root.AddCommand(newExtractCmd(flags))
	root.AddCommand(newLoadCmd(flags))
	root.AddCommand(newExportCmd(flags))
	root.AddCommand(newSyncCmd(flags))
	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newStatusCmd(flags))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

// withOrchestrator builds the orchestrator for the selected vendor, runs
// fn, and tears everything down afterwards.
func withOrchestrator(flags *rootFlags, fn func(ctx context.Context, o *pipeline.Orchestrator) error) error {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return err
	}
	ctx := context.Background()
	orch, err := pipeline.New(ctx, cfg, flags.vendor)
	if err != nil {
		return err
	}
	defer orch.Close()
	return fn(ctx, orch)
}

func newDiscoverCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Discover billing manifests in the source bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(flags, func(ctx context.Context, o *pipeline.Orchestrator) error {
				manifests, err := o.Discover(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Discovered %d new manifest(s)\n", len(manifests))
				for _, m := range manifests {
					fmt.Printf("  %s  %s  %d file(s)\n", m.Period, m.ID, m.FileCount())
				}
				return nil
			})
		},
	}
}

func newExtractCmd(flags *rootFlags) *cobra.Command {
	var rng rangeFlags
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Download data files for discovered manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := rng.parse()
			if err != nil {
				return err
			}
			return withOrchestrator(flags, func(ctx context.Context, o *pipeline.Orchestrator) error {
				stats, err := o.Extract(ctx, pipeline.Options{Start: start, End: end})
				if err != nil {
					return err
				}
				fmt.Printf("Staged %d of %d manifest(s), %d file(s) downloaded, %d error(s)\n",
					stats.ManifestsStaged, stats.ManifestsProcessed, stats.FilesDownloaded, stats.Errors)
				if failed := stats.ManifestsProcessed - stats.ManifestsStaged; failed > 0 {
					return fmt.Errorf("%d manifest(s) failed to stage", failed)
				}
				return nil
			})
		},
	}
	addRangeFlags(cmd, &rng)
	return cmd
}

func newLoadCmd(flags *rootFlags) *cobra.Command {
	var rng rangeFlags
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load staged data files into DuckDB",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := rng.parse()
			if err != nil {
				return err
			}
			return withOrchestrator(flags, func(ctx context.Context, o *pipeline.Orchestrator) error {
				summary, err := o.Load(ctx, pipeline.Options{Start: start, End: end})
				if err != nil {
					return err
				}
				fmt.Printf("Loaded %d/%d manifest(s), %d row(s)\n",
					summary.Loaded, summary.Total, summary.RowsLoaded)
				if summary.Failed > 0 {
					return fmt.Errorf("%d manifest(s) failed to load", summary.Failed)
				}
				return nil
			})
		},
	}
	addRangeFlags(cmd, &rng)
	return cmd
}

func newExportCmd(flags *rootFlags) *cobra.Command {
	var rng rangeFlags
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export loaded partitions to Parquet",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := rng.parse()
			if err != nil {
				return err
			}
			return withOrchestrator(flags, func(ctx context.Context, o *pipeline.Orchestrator) error {
				results, err := o.Export(ctx, pipeline.Options{Start: start, End: end, Overwrite: overwrite})
				if err != nil {
					return err
				}
				if failed := printResults(results); failed > 0 {
					return fmt.Errorf("%d export(s) failed", failed)
				}
				return nil
			})
		},
	}
	addRangeFlags(cmd, &rng)
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Re-export files that already exist")
	return cmd
}

func newSyncCmd(flags *rootFlags) *cobra.Command {
	var rng rangeFlags
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync exported Parquet files to BigQuery",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := rng.parse()
			if err != nil {
				return err
			}
			return withOrchestrator(flags, func(ctx context.Context, o *pipeline.Orchestrator) error {
				results, err := o.Sync(ctx, pipeline.Options{Start: start, End: end, Overwrite: overwrite})
				if err != nil {
					return err
				}
				if failed := printResults(results); failed > 0 {
					return fmt.Errorf("%d partition(s) failed to sync", failed)
				}
				return nil
			})
		},
	}
	addRangeFlags(cmd, &rng)
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Re-sync partitions the warehouse already has")
	return cmd
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var rng rangeFlags
	var dryRun, monthly, overwrite bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline (discover, extract, load, export, sync)",
		Long: `Run every pipeline stage in order. With --monthly, each billing month is
loaded, exported, and truncated before the next one starts, bounding the
local database size.

Example:
  billingpipe run --config config.toml --vendor aws --start 2024-01 --end 2024-03`,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := rng.parse()
			if err != nil {
				return err
			}
			opts := pipeline.Options{
				Start:     start,
				End:       end,
				DryRun:    dryRun,
				Overwrite: overwrite,
				Monthly:   monthly,
			}
			return withOrchestrator(flags, func(ctx context.Context, o *pipeline.Orchestrator) error {
				summary, err := o.Run(ctx, opts)
				if err != nil {
					return err
				}
				printSummary(summary)
				if summary.Failed > 0 || summary.SyncFailed > 0 {
					return fmt.Errorf("run %s finished with failures", summary.RunID)
				}
				return nil
			})
		},
	}
	addRangeFlags(cmd, &rng)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be processed without downloading or loading")
	cmd.Flags().BoolVar(&monthly, "monthly", false, "Process one billing month at a time, truncating between months")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Reprocess partitions that are already loaded")
	return cmd
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show manifest states, recent runs, and table statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(flags, func(ctx context.Context, o *pipeline.Orchestrator) error {
				st, err := o.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(flags.vendor, st)
				return nil
			})
		},
	}
}

func addRangeFlags(cmd *cobra.Command, rng *rangeFlags) {
	cmd.Flags().StringVar(&rng.start, "start", "", "Earliest billing period to process (YYYY-MM)")
	cmd.Flags().StringVar(&rng.end, "end", "", "Latest billing period to process (YYYY-MM)")
}

// printResults prints per-item outcomes sorted by key and returns the
// failure count.
func printResults[V ~string](results map[string]V) int {
	var failed int
	for _, key := range sortedKeys(results) {
		fmt.Printf("  %s  %s\n", key, results[key])
		if string(results[key]) == "failed" {
			failed++
		}
	}
	return failed
}

func printSummary(s pipeline.Summary) {
	header := "Run"
	if s.DryRun {
		header = "Dry run"
	}
	fmt.Printf("%s %s (%s)\n", header, s.RunID, s.Vendor)
	fmt.Printf("  discovered: %d  staged: %d  loaded: %d  failed: %d\n",
		s.Discovered, s.Staged, s.Loaded, s.Failed)
	fmt.Printf("  rows loaded: %d  exported: %d  synced: %d  sync failed: %d\n",
		s.RowsLoaded, s.Exported, s.Synced, s.SyncFailed)
	if len(s.Periods) > 0 {
		fmt.Printf("  periods: %v\n", s.Periods)
	}
}

func printStatus(vendor string, st pipeline.Status) {
	fmt.Printf("Vendor: %s\n", vendor)
	fmt.Println("Manifests:")
	states := make([]string, 0, len(st.Manifests))
	for s := range st.Manifests {
		states = append(states, string(s))
	}
	sort.Strings(states)
	if len(states) == 0 {
		fmt.Println("  none")
	}
	for _, s := range states {
		fmt.Printf("  %-12s %d\n", s, st.Manifests[state.State(s)])
	}
	if st.TableInfo != nil {
		fmt.Printf("Table %s: %d row(s), %d column(s)\n",
			st.TableInfo.Table, st.TableInfo.RowCount, st.TableInfo.ColumnCount)
		if st.TableInfo.MinDate != nil && st.TableInfo.MaxDate != nil {
			fmt.Printf("  period range: %s to %s\n",
				st.TableInfo.MinDate.Format("2006-01"), st.TableInfo.MaxDate.Format("2006-01"))
		}
	} else {
		fmt.Println("Table: not created yet")
	}
	fmt.Println("Recent runs:")
	if len(st.Runs) == 0 {
		fmt.Println("  none")
	}
	for _, r := range st.Runs {
		fmt.Printf("  %s  %s  %-10s %d row(s)  started %s\n",
			r.RunID, r.Vendor, r.Status, r.RowsLoaded, r.StartedAt.Format("2006-01-02 15:04"))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
