package clustering

import (
	"context"

	"github.com/google/uuid"

	"horse.fit/bibcluster/internal/db"
)

// UnitOfWorkRunner runs fn in a transaction, or in a savepoint when ctx
// already carries one. The live unit of work is published on fn's context
// for txn.Registry.
type UnitOfWorkRunner interface {
	Transact(ctx context.Context, fn func(ctx context.Context) error) error
}

type BibRepository interface {
	FindBib(ctx context.Context, id uuid.UUID) (*db.Bib, error)
	FindBibs(ctx context.Context, ids []uuid.UUID) ([]db.Bib, error)
	ListBibsForCluster(ctx context.Context, clusterID uuid.UUID) ([]db.Bib, error)
	SaveBib(ctx context.Context, bib *db.Bib) error
}

type ClusterRepository interface {
	FindCluster(ctx context.Context, id uuid.UUID) (*db.ClusterRecord, error)
	LockClusters(ctx context.Context, ids []uuid.UUID) ([]db.ClusterRecord, error)
	SaveCluster(ctx context.Context, cluster *db.ClusterRecord) error
	SoftDeleteCluster(ctx context.Context, id uuid.UUID) error
	FindClustersByMatchPoints(ctx context.Context, derivedType string, values []string) ([]db.ClusterRecord, error)
	FindOutdatedClusterIDs(ctx context.Context, ids []uuid.UUID, liveVersion int) ([]uuid.UUID, error)
	ListOutdatedClusterIDs(ctx context.Context, liveVersion, limit int) ([]uuid.UUID, error)
}

type MatchPointRepository interface {
	ListMatchPointsForBib(ctx context.Context, bibID uuid.UUID) ([]db.MatchPoint, error)
	DeleteMatchPoints(ctx context.Context, bibID uuid.UUID, values []string) error
	InsertMatchPoints(ctx context.Context, points []db.MatchPoint) error
	FindMatchPointsInClusters(ctx context.Context, values []string, clusterIDs []uuid.UUID, excludeBibID uuid.UUID) ([]db.MatchPoint, error)
	// LockMatchPointValues blocks until no other transaction holds any of the
	// values for derivedType, and keeps them until the current one ends.
	LockMatchPointValues(ctx context.Context, derivedType string, values []string) error
}

// Store is the storage the clustering engine needs. *db.Pool implements it.
type Store interface {
	UnitOfWorkRunner
	BibRepository
	ClusterRepository
	MatchPointRepository
}

// SourceRecordService re-queues the raw host records behind a bib for the
// ingest pipeline.
type SourceRecordService interface {
	FindSourceRecordIDsForBib(ctx context.Context, bib db.Bib) ([]uuid.UUID, error)
	RequireProcessing(ctx context.Context, sourceRecordID uuid.UUID) error
}

// Indexer is the shared search index. Calls are only made after the unit of
// work that changed the cluster has committed.
type Indexer interface {
	Add(ctx context.Context, clusterID uuid.UUID) error
	Update(ctx context.Context, clusterID uuid.UUID) error
	Delete(ctx context.Context, clusterID uuid.UUID) error
}

// ReprocessingQueue accepts cluster ids that need housekeeping attention.
type ReprocessingQueue interface {
	Prioritise(id string) bool
}

var (
	_ Store               = (*db.Pool)(nil)
	_ SourceRecordService = (*db.Pool)(nil)
)
