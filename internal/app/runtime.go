package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/bibcluster/internal/cli"
	"horse.fit/bibcluster/internal/clustering"
	"horse.fit/bibcluster/internal/config"
	"horse.fit/bibcluster/internal/db"
	"horse.fit/bibcluster/internal/housekeeping"
	"horse.fit/bibcluster/internal/logging"
	"horse.fit/bibcluster/internal/search"
	"horse.fit/bibcluster/internal/txn"
)

const reindexPageSize = 1000

type runtimeOptions struct {
	// IndexPath overrides SEARCH_INDEX_PATH. "-" keeps the index in memory.
	IndexPath string
	// WithIndex opens the search index. Only serve opens it by default; the
	// index is file locked, so one-shot commands leave it to the running
	// server unless given an explicit path.
	WithIndex bool
}

// runtime is the wired engine shared by the commands that touch clusters.
type runtime struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *db.Pool
	commits   *txn.Registry
	queue     *housekeeping.PriorityQueue
	service   *clustering.Service
	index     *search.ClusterIndex
	scheduler *housekeeping.Scheduler
}

func loadConfig(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func newRuntime(ctx context.Context, envLoader *cli.EnvLoader, opts runtimeOptions) (*runtime, error) {
	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		return nil, err
	}

	strategy, err := clustering.ParseStrategy(cfg.Strategy())
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("database connection failed")
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		commits: txn.NewRegistry(logger),
		queue:   housekeeping.NewPriorityQueue(),
	}

	var indexer clustering.Indexer
	if opts.WithIndex {
		indexPath := cfg.SearchIndexPath
		if opts.IndexPath != "" {
			indexPath = opts.IndexPath
		}
		if indexPath == "-" {
			indexPath = ""
		}
		// The loader closes over rt so the index can read clusters through the
		// service built below.
		index, err := search.NewClusterIndex(search.Options{
			DataPath:    indexPath,
			OpenTimeout: cfg.SearchIndexOpenTimeout,
			Loader: search.LoaderFunc(func(ctx context.Context, clusterID uuid.UUID) (*clustering.ClusterDetail, error) {
				return rt.service.DescribeCluster(ctx, clusterID)
			}),
			Logger: logger,
		})
		if err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("failed to open search index: %w", err)
		}
		rt.index = index
		indexer = index
	}

	service, err := clustering.NewService(clustering.Options{
		Store:                     pool,
		Sources:                   pool,
		Indexer:                   indexer,
		Commits:                   rt.commits,
		Reprocessing:              rt.queue,
		Strategy:                  strategy,
		ProcessingVersion:         cfg.ProcessingVersion,
		Identifiers:               cfg.ClusteringIdentifierList(),
		DeeperComparisonThreshold: cfg.DeeperComparisonThreshold,
		Concurrency:               cfg.ClusteringConcurrency,
		Logger:                    logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.service = service

	scheduler, err := housekeeping.NewScheduler(housekeeping.Options{
		Clusters:      service,
		Locker:        db.NewAdvisoryLocker(pool, logger),
		Queue:         rt.queue,
		LockName:      cfg.HousekeepingLockName,
		Interval:      cfg.HousekeepingInterval,
		BatchSize:     cfg.HousekeepingBatchSize,
		Concurrency:   cfg.HousekeepingConcurrency,
		RatePerSecond: cfg.HousekeepingRatePerSecond,
		Logger:        logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.scheduler = scheduler

	return rt, nil
}

// drain waits for scheduled after-commit work before the process exits.
func (rt *runtime) drain(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := rt.commits.Wait(ctx); err != nil {
		rt.logger.Warn().Err(err).Int("pending", rt.commits.Pending()).Msg("after-commit work still pending at exit")
	}
}

func (rt *runtime) Close() {
	if rt == nil {
		return
	}
	if rt.index != nil {
		if err := rt.index.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("close search index failed")
		}
	}
	if rt.pool != nil {
		_ = rt.pool.Close()
	}
}

// reindexAll rebuilds the search index from every live cluster.
func (rt *runtime) reindexAll(ctx context.Context) (int, error) {
	if rt.index == nil {
		return 0, fmt.Errorf("search index is not open")
	}

	total := 0
	after := uuid.Nil
	for {
		ids, err := rt.pool.ListLiveClusterIDs(ctx, after, reindexPageSize)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}
		indexed, err := rt.index.Reindex(ctx, ids)
		total += indexed
		if err != nil {
			return total, err
		}
		after = ids[len(ids)-1]
	}
}
