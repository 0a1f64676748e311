// Package clustering assigns bibs to cluster records, merges clusters that
// describe the same work and disperses clusters that need rebuilding.
package clustering

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"horse.fit/bibcluster/internal/db"
	"horse.fit/bibcluster/internal/txn"
)

const defaultConcurrency = 4

type Options struct {
	Store   Store
	Sources SourceRecordService
	// Indexer is optional; without one no index side effects are scheduled.
	Indexer Indexer
	Commits *txn.Registry
	// Reprocessing receives stale cluster ids after commit. Optional.
	Reprocessing ReprocessingQueue

	Strategy                  Strategy
	ProcessingVersion         int
	Identifiers               []string
	DeeperComparisonThreshold float64
	Concurrency               int

	Logger zerolog.Logger
}

type Service struct {
	store        Store
	sources      SourceRecordService
	indexer      Indexer
	commits      *txn.Registry
	reprocessing ReprocessingQueue

	strategy    Strategy
	liveVersion int
	concurrency int
	generator   *MatchPointGenerator
	comparison  DeeperComparison
	locks       *keyedLocks[uuid.UUID]
	valueLocks  *keyedLocks[string]

	logger zerolog.Logger
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("clustering store is required")
	}
	if opts.Sources == nil {
		return nil, fmt.Errorf("source record service is required")
	}
	if opts.Commits == nil {
		return nil, fmt.Errorf("commit registry is required")
	}
	if len(opts.Identifiers) == 0 {
		return nil, fmt.Errorf("at least one clustering identifier namespace is required")
	}

	strategy := opts.Strategy
	if strategy == 0 {
		strategy = StrategyImproved
	}
	threshold := opts.DeeperComparisonThreshold
	if threshold <= 0 {
		threshold = DefaultDeeperComparisonThreshold
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Service{
		store:        opts.Store,
		sources:      opts.Sources,
		indexer:      opts.Indexer,
		commits:      opts.Commits,
		reprocessing: opts.Reprocessing,
		strategy:     strategy,
		liveVersion:  opts.ProcessingVersion,
		concurrency:  concurrency,
		generator:    NewMatchPointGenerator(opts.Identifiers),
		comparison:   DeeperComparison{Threshold: threshold},
		locks:        newClusterLocks(),
		valueLocks:   newValueLocks(),
		logger:       opts.Logger.With().Str("component", "clustering").Str("strategy", strategy.String()).Logger(),
	}, nil
}

func (s *Service) Strategy() Strategy { return s.strategy }

// ProcessingVersion is the live version bibs are compared against.
func (s *Service) ProcessingVersion() int { return s.liveVersion }

// ClusterBib assigns bib to a cluster, merging any other clusters it matches,
// and reconciles its match points. It runs in its own unit of work, which is a
// savepoint when ctx already carries a transaction.
func (s *Service) ClusterBib(ctx context.Context, bib *db.Bib) (*db.Bib, error) {
	if bib == nil {
		return nil, fmt.Errorf("bib is nil")
	}
	if bib.ID == uuid.Nil {
		return nil, fmt.Errorf("bib id is required")
	}

	var unlock, unlockValues func()
	defer func() {
		if unlock != nil {
			unlock()
		}
		if unlockValues != nil {
			unlockValues()
		}
	}()

	previous := bib.ContributesTo
	err := s.inUnitOfWork(ctx, func(ctx context.Context) error {
		points := s.generator.Generate(*bib)
		if len(points) == 0 {
			s.logger.Error().
				Str("bib_id", bib.ID.String()).
				Int("identifiers", len(bib.Identifiers)).
				Msg("bib produced no match points; it will get a new cluster")
		}

		// Bibs sharing a value must not both see "no cluster yet" and each
		// create one. The storage lock covers other processes and lives until
		// the transaction ends; the local one covers savepoints sharing it.
		values := distinctValues(points)
		if err := s.store.LockMatchPointValues(ctx, bib.DerivedType, values); err != nil {
			return err
		}
		unlockValues = s.valueLocks.lock(valueLockKeys(bib.DerivedType, values)...)

		current, err := s.currentCluster(ctx, *bib)
		if err != nil {
			return err
		}

		matched, err := s.matchClusters(ctx, *bib, points)
		if err != nil {
			return err
		}
		if s.strategy == StrategyImproved {
			matched, err = s.filterOutdatedAndReprocess(ctx, matched, current)
			if err != nil {
				return err
			}
		}

		ranked := rankClusters(matched, current)
		lockIDs := make([]uuid.UUID, 0, len(ranked))
		for _, r := range ranked {
			lockIDs = append(lockIDs, r.cluster.ID)
		}
		unlock = s.locks.lock(lockIDs...)

		cluster, absorbed, err := s.reduce(ctx, ranked)
		if err != nil {
			return err
		}

		created := cluster == nil
		if created {
			cluster = s.newClusterFor(*bib, current)
		}
		if err := s.store.SaveCluster(ctx, cluster); err != nil {
			return err
		}

		clusterID := cluster.ID
		bib.ContributesTo = &clusterID
		if err := s.store.SaveBib(ctx, bib); err != nil {
			return err
		}

		if err := s.ReconcileMatchPoints(ctx, points, *bib); err != nil {
			return err
		}

		if _, err := s.electSelectedBib(ctx, cluster, nil); err != nil {
			return err
		}

		op := indexUpdate
		if created {
			op = indexAdd
		}
		if err := s.scheduleIndex(ctx, op, cluster.ID); err != nil {
			return err
		}

		s.logger.Debug().
			Str("bib_id", bib.ID.String()).
			Str("cluster_id", cluster.ID.String()).
			Int("match_points", len(points)).
			Int("candidates", len(ranked)).
			Int("absorbed", len(absorbed)).
			Bool("created", created).
			Msg("clustered bib")
		return nil
	})
	if err != nil {
		bib.ContributesTo = previous
		return nil, fmt.Errorf("cluster bib bib_id=%s: %w", bib.ID, err)
	}
	return bib, nil
}

// ClusterBibByID loads a stored bib and clusters it.
func (s *Service) ClusterBibByID(ctx context.Context, id uuid.UUID) (*db.Bib, error) {
	bib, err := s.store.FindBib(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.ClusterBib(ctx, bib)
}

// ClusterBibs clusters independent bibs on a bounded worker pool. Every bib
// is attempted; the failures are joined into the returned error and the
// corresponding result slots are nil.
func (s *Service) ClusterBibs(ctx context.Context, bibs []*db.Bib) ([]*db.Bib, error) {
	results := make([]*db.Bib, len(bibs))
	errs := make([]error, len(bibs))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, bib := range bibs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			clustered, err := s.ClusterBib(ctx, bib)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = clustered
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// currentCluster resolves the cluster bib already contributes to. A reference
// to a missing or deleted cluster is a data problem: it is logged and the bib
// is treated as unclustered.
func (s *Service) currentCluster(ctx context.Context, bib db.Bib) (*db.ClusterRecord, error) {
	if bib.ContributesTo == nil {
		return nil, nil
	}
	cluster, err := s.store.FindCluster(ctx, *bib.ContributesTo)
	switch {
	case errors.Is(err, db.ErrNotFound):
		s.logger.Warn().
			Str("bib_id", bib.ID.String()).
			Str("cluster_id", bib.ContributesTo.String()).
			Msg("bib references a cluster that does not exist")
		return nil, nil
	case err != nil:
		return nil, err
	case cluster.IsDeleted:
		s.logger.Warn().
			Str("bib_id", bib.ID.String()).
			Str("cluster_id", cluster.ID.String()).
			Msg("bib references a deleted cluster")
		return nil, nil
	default:
		return cluster, nil
	}
}

func (s *Service) newClusterFor(bib db.Bib, current *db.ClusterRecord) *db.ClusterRecord {
	if current == nil && bib.ContributesTo != nil {
		s.logger.Warn().
			Str("bib_id", bib.ID.String()).
			Str("previous_cluster_id", bib.ContributesTo.String()).
			Msg("creating a new cluster for a bib that already referenced one; check for duplicated clusters")
	}
	selected := bib.ID
	return &db.ClusterRecord{
		ID:          uuid.New(),
		Title:       bib.Title,
		SelectedBib: &selected,
	}
}

// inUnitOfWork runs fn through the store and waits until the commit-scoped
// callbacks registered inside it have been run or handed to the enclosing
// unit of work.
func (s *Service) inUnitOfWork(ctx context.Context, fn func(ctx context.Context) error) error {
	var uow txn.UnitOfWork
	err := s.store.Transact(ctx, func(ctx context.Context) error {
		uow = txn.FromContext(ctx)
		return fn(ctx)
	})
	if settleErr := s.commits.Settle(context.WithoutCancel(ctx), uow); settleErr != nil {
		s.logger.Warn().Err(settleErr).Msg("commit callbacks did not settle")
	}
	return err
}

type indexOp int

const (
	indexAdd indexOp = iota
	indexUpdate
	indexDelete
)

func (op indexOp) String() string {
	switch op {
	case indexAdd:
		return "add"
	case indexUpdate:
		return "update"
	default:
		return "delete"
	}
}

// scheduleIndex queues a search index change for after commit.
func (s *Service) scheduleIndex(ctx context.Context, op indexOp, clusterID uuid.UUID) error {
	if s.indexer == nil {
		return nil
	}
	return s.commits.OnCommittal(ctx, func(ctx context.Context) error {
		var err error
		switch op {
		case indexAdd:
			err = s.indexer.Add(ctx, clusterID)
		case indexUpdate:
			err = s.indexer.Update(ctx, clusterID)
		default:
			err = s.indexer.Delete(ctx, clusterID)
		}
		if err != nil {
			return fmt.Errorf("index %s cluster_id=%s: %w", op, clusterID, err)
		}
		return nil
	})
}
