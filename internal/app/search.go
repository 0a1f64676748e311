package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"horse.fit/bibcluster/internal/search"
)

func runSearch(args []string) int {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	apiURL := fs.String("api", defaultAPIURL, "Base URL of a running bibcluster server")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	query := fs.String("query", "", "Free text matched against cluster and bib titles")
	derivedType := fs.String("derived-type", "", "Optional derived type filter")
	matchPoint := fs.String("match-point", "", "Optional exact match point filter, e.g. id:OCLC:12345")
	language := fs.String("language", "", "Optional title language filter, e.g. en or de")
	outdated := fs.Bool("outdated", false, "Only clusters holding bibs below the live processing version")
	limit := fs.Int("limit", 20, "Maximum clusters to return")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "search does not accept positional arguments")
		return 2
	}
	if *limit <= 0 || *limit > 200 {
		fmt.Fprintln(os.Stderr, "--limit must be between 1 and 200")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	client, err := newAPIClient(*apiURL, *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	params := url.Values{}
	if q := strings.TrimSpace(*query); q != "" {
		params.Set("q", q)
	}
	if v := strings.TrimSpace(*derivedType); v != "" {
		params.Set("derived_type", v)
	}
	if v := strings.TrimSpace(*matchPoint); v != "" {
		params.Set("match_point", v)
	}
	if v := strings.TrimSpace(*language); v != "" {
		params.Set("language", v)
	}
	if *outdated {
		params.Set("outdated", "true")
	}
	params.Set("limit", strconv.Itoa(*limit))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var result search.SearchResult
	if err := client.do(ctx, http.MethodGet, "/search", params, &result); err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(result); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		rows = append(rows, []string{
			hit.ID,
			fmt.Sprintf("%.3f", hit.Score),
			fmt.Sprintf("%d", hit.BibCount),
			strings.Join(hit.DerivedTypes, ","),
			hit.Language,
			fmt.Sprintf("%t", hit.Outdated),
			truncateForTable(hit.Title, 72),
		})
	}
	if err := writeTable([]string{"cluster_id", "score", "bibs", "types", "lang", "outdated", "title"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	fmt.Printf("\n%d of %d clusters\n", len(result.Hits), result.Total)
	return 0
}

func runPrioritise(args []string) int {
	fs := flag.NewFlagSet("prioritise", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	apiURL := fs.String("api", defaultAPIURL, "Base URL of a running bibcluster server")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: bibcluster prioritise [flags] <cluster-id>...")
		return 2
	}
	ids, err := parseUUIDArgs(fs.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	client, err := newAPIClient(*apiURL, *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	exitCode := 0
	for _, id := range ids {
		var out struct {
			Queued bool `json:"queued"`
		}
		if err := client.do(ctx, http.MethodPost, "/clusters/"+id.String()+"/reprocess", nil, &out); err != nil {
			fmt.Fprintf(os.Stderr, "cluster_id=%s: %v\n", id, err)
			exitCode = 1
			continue
		}
		fmt.Printf("cluster_id=%s queued=%t\n", id, out.Queued)
	}
	return exitCode
}
