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
	"horse.fit/bibcluster/internal/db"
)

func runShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
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
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: bibcluster show [flags] <cluster-id>")
		return 2
	}
	ids, err := parseUUIDArgs(fs.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rt, err := newRuntime(ctx, envLoader, runtimeOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.Close()

	detail, err := rt.service.DescribeCluster(ctx, ids[0])
	if errors.Is(err, db.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "cluster %s not found\n", ids[0])
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load cluster: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(detail); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	header := [][]string{
		{"cluster_id", detail.ID.String()},
		{"title", detail.Title},
		{"selected_bib", uuidPtrString(detail.SelectedBib)},
		{"deleted", fmt.Sprintf("%t", detail.IsDeleted)},
		{"outdated", fmt.Sprintf("%t", detail.Outdated)},
		{"created", formatUTCTimestamp(detail.DateCreated)},
		{"updated", formatUTCTimestamp(detail.DateUpdated)},
	}
	if err := writeTable([]string{"field", "value"}, header); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}

	fmt.Println()
	rows := make([][]string, 0, len(detail.Bibs))
	for _, bib := range detail.Bibs {
		marker := ""
		if bib.Selected {
			marker = "*"
		}
		rows = append(rows, []string{
			marker,
			bib.ID.String(),
			bib.DerivedType,
			fmt.Sprintf("%d", bib.ProcessingVersion),
			fmt.Sprintf("%d", bib.MetadataScore),
			truncateForTable(bib.Title, 48),
			truncateForTable(strings.Join(bib.MatchPoints, " "), 64),
		})
	}
	if err := writeTable([]string{"", "bib_id", "type", "version", "score", "title", "match_points"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}
