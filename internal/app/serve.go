package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"horse.fit/bibcluster/internal/cli"
	"horse.fit/bibcluster/internal/httpapi"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "0.0.0.0", "Host interface to bind")
	port := fs.Int("port", 8090, "HTTP port")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	indexPath := fs.String("index", "", "Search index directory (default SEARCH_INDEX_PATH, - for in-memory)")
	reindex := fs.Bool("reindex", false, "Rebuild the search index from the database before serving")
	noHousekeeping := fs.Bool("no-housekeeping", false, "Do not run the housekeeping loop in this process")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		cancel()
	}()

	rt, err := newRuntime(ctx, envLoader, runtimeOptions{IndexPath: *indexPath, WithIndex: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.Close()
	defer rt.drain(*shutdownTimeout)

	docs, err := rt.index.DocumentCount()
	if err != nil {
		rt.logger.Warn().Err(err).Msg("read search index size failed")
	}
	if *reindex || docs == 0 {
		start := time.Now()
		indexed, err := rt.reindexAll(ctx)
		if err != nil {
			rt.logger.Error().Err(err).Int("indexed", indexed).Msg("search index rebuild failed")
			fmt.Fprintf(os.Stderr, "Search index rebuild failed: %v\n", err)
			return 1
		}
		rt.logger.Info().Int("indexed", indexed).Dur("duration", time.Since(start)).Msg("search index rebuilt")
	}

	deps := httpapi.Dependencies{
		Clusters: rt.service,
		Search:   rt.index,
		Stats:    rt.pool,
		Database: rt.pool,
	}
	housekeepingEnabled := rt.cfg.HousekeepingEnabled && !*noHousekeeping
	if housekeepingEnabled {
		deps.Housekeeping = rt.scheduler
	}

	srv := httpapi.NewServer(deps, rt.logger, httpapi.Options{
		TokenHash:       rt.cfg.OpsTokenHash,
		Host:            *host,
		Port:            *port,
		ReadTimeout:     *readTimeout,
		WriteTimeout:    *writeTimeout,
		ShutdownTimeout: *shutdownTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if housekeepingEnabled {
		g.Go(func() error {
			return rt.scheduler.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		rt.logger.Error().Err(err).Str("host", *host).Int("port", *port).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}

	return 0
}
