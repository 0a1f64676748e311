package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/bibcluster/internal/cli"
)

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "stats does not accept positional arguments")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel, pool, cfg, err := connectReadPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	dayStart, dayEnd := utcDayBounds(defaultUTCDay())

	stats, err := pool.QueryClusterStats(ctx, cfg.ProcessingVersion, dayStart, dayEnd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query cluster stats: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(stats); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	totalRows := [][]string{
		{"live_clusters", fmt.Sprintf("%d", stats.Totals.LiveClusters)},
		{"deleted_clusters", fmt.Sprintf("%d", stats.Totals.DeletedClusters)},
		{"bibs", fmt.Sprintf("%d", stats.Totals.Bibs)},
		{"orphan_bibs", fmt.Sprintf("%d", stats.Totals.OrphanBibs)},
		{"match_points", fmt.Sprintf("%d", stats.Totals.MatchPoints)},
	}
	if err := writeTable([]string{"total", "value"}, totalRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render totals table: %v\n", err)
		return 1
	}

	fmt.Println()
	backlogRows := [][]string{
		{"processing_version", fmt.Sprintf("%d", stats.ProcessingVersion)},
		{"outdated_bibs", fmt.Sprintf("%d", stats.Backlog.OutdatedBibs)},
		{"source_records_required", fmt.Sprintf("%d", stats.Backlog.SourceRecordsRequired)},
		{"clusters_created_today", fmt.Sprintf("%d", stats.Backlog.ClustersCreatedToday)},
		{"clusters_soft_deleted_today", fmt.Sprintf("%d", stats.Backlog.ClustersSoftDeletedToday)},
	}
	if err := writeTable([]string{"metric", "value"}, backlogRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render backlog table: %v\n", err)
		return 1
	}

	return 0
}
