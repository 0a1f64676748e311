package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/bibcluster/internal/cli"
	"horse.fit/bibcluster/internal/db"
	payloadschema "horse.fit/bibcluster/schema"
)

type clusterLineResult struct {
	Line      int    `json:"line"`
	BibID     string `json:"bib_id,omitempty"`
	ClusterID string `json:"cluster_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type pendingBib struct {
	line int
	bib  *db.Bib
}

// bibFromPayload maps a validated payload to the stored bib. A payload
// without processing_version is taken to be current.
func bibFromPayload(payload *payloadschema.BibPayload, liveVersion int) *db.Bib {
	version := liveVersion
	if payload.ProcessingVersion != nil {
		version = *payload.ProcessingVersion
	}

	identifiers := make([]db.BibIdentifier, 0, len(payload.Identifiers))
	for _, identifier := range payload.Identifiers {
		identifiers = append(identifiers, db.BibIdentifier{
			Namespace:  strings.TrimSpace(identifier.Namespace),
			Value:      strings.TrimSpace(identifier.Value),
			Confidence: identifier.Confidence,
		})
	}

	return &db.Bib{
		ID:                payload.BibID(),
		Title:             strings.TrimSpace(payload.Title),
		BlockingTitle:     payload.NormalizedBlockingTitle(),
		DerivedType:       strings.TrimSpace(payload.DerivedType),
		ProcessingVersion: version,
		MetadataScore:     payload.MetadataScore,
		SourceSystemID:    payload.SourceSystem(),
		SourceRecordID:    strings.TrimSpace(payload.SourceRecordID),
		Identifiers:       identifiers,
	}
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	input := fs.String("input", "-", "Bib payload JSON lines file, - for stdin")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "validate does not accept positional arguments")
		return 2
	}

	reader, err := openInput(*input)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer reader.Close()

	valid, invalid := 0, 0
	err = forEachLine(reader, func(lineNo int, line []byte) error {
		if _, err := payloadschema.ValidateBibPayload(json.RawMessage(line)); err != nil {
			invalid++
			fmt.Fprintf(os.Stderr, "line %d: %v\n", lineNo, err)
			return nil
		}
		valid++
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	fmt.Printf("valid=%d invalid=%d\n", valid, invalid)
	if invalid > 0 {
		return 1
	}
	return 0
}

func runCluster(args []string) int {
	fs := flag.NewFlagSet("cluster", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Minute, "Command timeout")
	input := fs.String("input", "-", "Bib payload JSON lines file, - for stdin")
	batchSize := fs.Int("batch", 200, "Bibs clustered concurrently per batch")
	markSource := fs.Bool("mark-source", true, "Record the outcome on the bib's source records")
	indexPath := fs.String("index", "", "Search index directory to update (empty leaves indexing to the running server)")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "cluster does not accept positional arguments")
		return 2
	}
	if *batchSize <= 0 {
		fmt.Fprintln(os.Stderr, "--batch must be > 0")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	reader, err := openInput(*input)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer reader.Close()

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

	results := make([]clusterLineResult, 0)
	failed := 0
	batch := make([]pendingBib, 0, *batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		bibs := make([]*db.Bib, len(batch))
		for i, pending := range batch {
			bibs[i] = pending.bib
		}
		clustered, clusterErr := rt.service.ClusterBibs(ctx, bibs)
		if clusterErr != nil {
			rt.logger.Warn().Err(clusterErr).Int("batch", len(batch)).Msg("some bibs failed to cluster")
		}
		for i, pending := range batch {
			result := clusterLineResult{Line: pending.line, BibID: pending.bib.ID.String()}
			state, info := db.ProcessingStateSuccess, ""
			if clustered[i] == nil {
				failed++
				state, info = db.ProcessingStateFailure, "clustering failed"
				result.Error = info
			} else {
				result.ClusterID = uuidPtrString(clustered[i].ContributesTo)
			}
			if *markSource {
				if err := rt.pool.MarkSourceRecordProcessed(ctx, *pending.bib, state, info); err != nil {
					rt.logger.Warn().Err(err).Str("bib_id", pending.bib.ID.String()).Msg("record source processing outcome failed")
				}
			}
			results = append(results, result)
		}
		batch = batch[:0]
	}

	err = forEachLine(reader, func(lineNo int, line []byte) error {
		payload, err := payloadschema.ValidateBibPayload(json.RawMessage(line))
		if err != nil {
			failed++
			results = append(results, clusterLineResult{Line: lineNo, Error: err.Error()})
			return nil
		}

		bib := bibFromPayload(payload, rt.service.ProcessingVersion())
		if err := rt.pool.UpsertBib(ctx, bib); err != nil {
			failed++
			results = append(results, clusterLineResult{Line: lineNo, BibID: bib.ID.String(), Error: err.Error()})
			return nil
		}

		batch = append(batch, pendingBib{line: lineNo, bib: bib})
		if len(batch) >= *batchSize {
			flush()
		}
		return ctx.Err()
	})
	if err == nil {
		flush()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cluster failed: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(results); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
	} else {
		rows := make([][]string, 0, len(results))
		for _, result := range results {
			rows = append(rows, []string{
				fmt.Sprintf("%d", result.Line),
				result.BibID,
				result.ClusterID,
				truncateForTable(result.Error, 80),
			})
		}
		if err := writeTable([]string{"line", "bib_id", "cluster_id", "error"}, rows); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
			return 1
		}
	}

	if failed > 0 {
		return 1
	}
	return 0
}
