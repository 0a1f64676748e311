// Package search keeps a bleve full-text index of live clusters. It is the
// shared search index clustering updates after each committed change.
package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/bibcluster/internal/clustering"
	"horse.fit/bibcluster/internal/db"
)

// mappingVersion changes whenever buildIndexMapping does; an index written
// with another version is rebuilt on open.
const mappingVersion = "2"

const defaultOpenTimeout = 5 * time.Second

// ClusterLoader reads the current state of a cluster for indexing.
type ClusterLoader interface {
	DescribeCluster(ctx context.Context, clusterID uuid.UUID) (*clustering.ClusterDetail, error)
}

// LoaderFunc adapts a function to ClusterLoader.
type LoaderFunc func(ctx context.Context, clusterID uuid.UUID) (*clustering.ClusterDetail, error)

func (f LoaderFunc) DescribeCluster(ctx context.Context, clusterID uuid.UUID) (*clustering.ClusterDetail, error) {
	return f(ctx, clusterID)
}

type Options struct {
	// DataPath is the directory holding the index. Empty keeps the index in
	// memory.
	DataPath string
	// OpenTimeout bounds the wait for the index file lock, which another
	// process may hold. Zero means five seconds.
	OpenTimeout time.Duration
	Loader      ClusterLoader
	Logger      zerolog.Logger
}

// ClusterIndex implements clustering.Indexer on top of bleve. All methods are
// safe for concurrent use.
type ClusterIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	loader ClusterLoader
	logger zerolog.Logger
}

var _ clustering.Indexer = (*ClusterIndex)(nil)

func NewClusterIndex(opts Options) (*ClusterIndex, error) {
	if opts.Loader == nil {
		return nil, fmt.Errorf("search index loader is required")
	}
	logger := opts.Logger.With().Str("component", "search_index").Logger()

	if opts.DataPath == "" {
		index, err := bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create in-memory index: %w", err)
		}
		return &ClusterIndex{index: index, loader: opts.Loader, logger: logger}, nil
	}

	timeout := opts.OpenTimeout
	if timeout <= 0 {
		timeout = defaultOpenTimeout
	}
	index, indexPath, err := openOrCreate(opts.DataPath, timeout, logger)
	if err != nil {
		return nil, err
	}
	return &ClusterIndex{index: index, path: indexPath, loader: opts.Loader, logger: logger}, nil
}

func openOrCreate(dataPath string, timeout time.Duration, logger zerolog.Logger) (bleve.Index, string, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, "", fmt.Errorf("create index directory: %w", err)
	}
	indexPath := filepath.Join(dataPath, "clusters.bleve")
	versionPath := filepath.Join(dataPath, "clusters.version")
	runtimeConfig := map[string]interface{}{"bolt_timeout": timeout.String()}

	rebuild := false
	if _, err := os.Stat(indexPath); err == nil {
		existing, readErr := os.ReadFile(versionPath)
		switch {
		case readErr != nil:
			logger.Info().Str("new_version", mappingVersion).Msg("search index has no version file; rebuilding")
			rebuild = true
		case string(existing) != mappingVersion:
			logger.Info().
				Str("old_version", string(existing)).
				Str("new_version", mappingVersion).
				Msg("search index mapping changed; rebuilding")
			rebuild = true
		default:
			index, openErr := bleve.OpenUsing(indexPath, runtimeConfig)
			if openErr != nil {
				return nil, "", fmt.Errorf("open index %s (is a server holding it?): %w", indexPath, openErr)
			}
			logger.Info().Str("path", indexPath).Msg("opened search index")
			return index, indexPath, nil
		}
	}

	if rebuild {
		if err := os.RemoveAll(indexPath); err != nil {
			return nil, "", fmt.Errorf("remove old index: %w", err)
		}
	}

	index, err := bleve.NewUsing(indexPath, buildIndexMapping(), bleve.Config.DefaultIndexType, bleve.Config.DefaultKVStore, runtimeConfig)
	if err != nil {
		return nil, "", fmt.Errorf("create index: %w", err)
	}
	if err := os.WriteFile(versionPath, []byte(mappingVersion), 0o644); err != nil {
		logger.Warn().Err(err).Msg("failed to write search index version file")
	}
	logger.Info().Str("path", indexPath).Str("mapping_version", mappingVersion).Msg("created search index")
	return index, indexPath, nil
}

func (i *ClusterIndex) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.index.Close()
}

// Add indexes a newly created cluster.
func (i *ClusterIndex) Add(ctx context.Context, clusterID uuid.UUID) error {
	return i.refresh(ctx, clusterID)
}

// Update re-reads a cluster and replaces its document. A cluster that is gone
// or soft-deleted is removed instead.
func (i *ClusterIndex) Update(ctx context.Context, clusterID uuid.UUID) error {
	return i.refresh(ctx, clusterID)
}

func (i *ClusterIndex) Delete(_ context.Context, clusterID uuid.UUID) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if err := i.index.Delete(clusterID.String()); err != nil {
		return fmt.Errorf("delete cluster document cluster_id=%s: %w", clusterID, err)
	}
	return nil
}

func (i *ClusterIndex) refresh(ctx context.Context, clusterID uuid.UUID) error {
	detail, err := i.loader.DescribeCluster(ctx, clusterID)
	if errors.Is(err, db.ErrNotFound) {
		i.logger.Debug().Str("cluster_id", clusterID.String()).Msg("cluster vanished before indexing; removing document")
		return i.Delete(ctx, clusterID)
	}
	if err != nil {
		return fmt.Errorf("load cluster for indexing cluster_id=%s: %w", clusterID, err)
	}
	if detail.IsDeleted {
		return i.Delete(ctx, clusterID)
	}

	doc := NewClusterDocument(detail)
	i.mu.RLock()
	defer i.mu.RUnlock()
	if err := i.index.Index(doc.ID, doc.ToMap()); err != nil {
		return fmt.Errorf("index cluster document cluster_id=%s: %w", clusterID, err)
	}
	return nil
}

// Reindex refreshes the documents of ids in one bleve batch.
func (i *ClusterIndex) Reindex(ctx context.Context, ids []uuid.UUID) (int, error) {
	const batchSize = 500

	indexed := 0
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))

		i.mu.RLock()
		batch := i.index.NewBatch()
		i.mu.RUnlock()

		for _, id := range ids[start:end] {
			detail, err := i.loader.DescribeCluster(ctx, id)
			if errors.Is(err, db.ErrNotFound) || (err == nil && detail.IsDeleted) {
				batch.Delete(id.String())
				continue
			}
			if err != nil {
				return indexed, fmt.Errorf("load cluster for reindex cluster_id=%s: %w", id, err)
			}
			doc := NewClusterDocument(detail)
			if err := batch.Index(doc.ID, doc.ToMap()); err != nil {
				return indexed, fmt.Errorf("batch index cluster_id=%s: %w", id, err)
			}
			indexed++
		}

		i.mu.RLock()
		err := i.index.Batch(batch)
		i.mu.RUnlock()
		if err != nil {
			return indexed, fmt.Errorf("commit reindex batch %d-%d: %w", start, end, err)
		}
	}
	return indexed, nil
}

func (i *ClusterIndex) DocumentCount() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.index.DocCount()
}
