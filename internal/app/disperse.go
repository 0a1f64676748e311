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

func runDisperse(args []string) int {
	fs := flag.NewFlagSet("disperse", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	indexPath := fs.String("index", "", "Search index directory to update (empty leaves indexing to the running server)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: bibcluster disperse [flags] <cluster-id>...")
		return 2
	}
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

	exitCode := 0
	for _, id := range ids {
		if _, err := rt.service.DisperseAndRecluster(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "cluster_id=%s dispersal failed: %v\n", id, err)
			exitCode = 1
			continue
		}
		fmt.Printf("cluster_id=%s dispersed\n", id)
	}
	return exitCode
}
