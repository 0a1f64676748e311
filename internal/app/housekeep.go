package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/bibcluster/internal/cli"
)

func runHousekeep(args []string) int {
	fs := flag.NewFlagSet("housekeep", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Minute, "Command timeout")
	indexPath := fs.String("index", "", "Search index directory to update (empty leaves indexing to the running server)")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}
	// Positional ids are queued ahead of the backlog scan.
	ids, err := parseUUIDArgs(fs.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rt, err := newRuntime(ctx, envLoader, runtimeOptions{
		IndexPath: *indexPath,
		WithIndex: strings.TrimSpace(*indexPath) != "",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.Close()
	defer rt.drain(10 * time.Second)

	for _, id := range ids {
		rt.scheduler.Prioritise(id.String())
	}

	result, err := rt.scheduler.Tick(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Housekeeping failed: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(result); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
	} else {
		rows := [][]string{
			{"ran", fmt.Sprintf("%t", result.Ran)},
			{"source", result.Source},
			{"candidates", fmt.Sprintf("%d", result.Candidates)},
			{"processed", fmt.Sprintf("%d", result.Processed)},
			{"failed", fmt.Sprintf("%d", result.Failed)},
			{"discarded", fmt.Sprintf("%d", result.Discarded)},
			{"skipped", fmt.Sprintf("%d", result.Skipped)},
			{"completed", fmt.Sprintf("%t", result.Completed)},
		}
		if err := writeTable([]string{"metric", "value"}, rows); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
			return 1
		}
	}

	if result.Failed > 0 {
		return 1
	}
	return 0
}
