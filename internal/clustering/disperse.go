package clustering

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"horse.fit/bibcluster/internal/db"
)

const maxDisperseAttempts = 3

// DisperseAndRecluster undoes a cluster: every bib except the preserved one is
// orphaned and its source records are flagged for reprocessing, so ingest
// re-derives the grouping through ClusterBib. It is idempotent and is retried
// on transient storage conflicts.
func (s *Service) DisperseAndRecluster(ctx context.Context, clusterID uuid.UUID) (uuid.UUID, error) {
	var err error
	for attempt := 1; attempt <= maxDisperseAttempts; attempt++ {
		err = s.disperse(ctx, clusterID)
		if err == nil || !db.IsRetryable(err) {
			break
		}
		s.logger.Warn().
			Err(err).
			Str("cluster_id", clusterID.String()).
			Int("attempt", attempt).
			Msg("dispersal hit a transient conflict; retrying")
	}
	if err != nil {
		return clusterID, fmt.Errorf("disperse cluster cluster_id=%s: %w", clusterID, err)
	}
	return clusterID, nil
}

func (s *Service) disperse(ctx context.Context, clusterID uuid.UUID) error {
	var unlock func()
	defer func() {
		if unlock != nil {
			unlock()
		}
	}()

	return s.inUnitOfWork(ctx, func(ctx context.Context) error {
		unlock = s.locks.lock(clusterID)
		locked, err := s.store.LockClusters(ctx, []uuid.UUID{clusterID})
		if err != nil {
			return err
		}
		if len(locked) == 0 {
			return db.ErrNotFound
		}
		cluster := locked[0]
		if cluster.IsDeleted {
			s.logger.Debug().Str("cluster_id", clusterID.String()).Msg("cluster already deleted; nothing to disperse")
			return nil
		}

		bibs, err := s.store.ListBibsForCluster(ctx, clusterID)
		if err != nil {
			return err
		}
		bibs = s.checkOrphanedBibs(clusterID, bibs)

		if len(bibs) == 0 {
			if err := s.store.SoftDeleteCluster(ctx, clusterID); err != nil {
				return err
			}
			s.logger.Info().Str("cluster_id", clusterID.String()).Msg("soft-deleted empty cluster")
			return s.scheduleIndex(ctx, indexDelete, clusterID)
		}

		preserved := preservedBib(cluster, bibs)
		orphaned := 0
		for i := range bibs {
			bib := bibs[i]
			if bib.ID == preserved.ID {
				continue
			}
			bib.ContributesTo = nil
			if err := s.store.SaveBib(ctx, &bib); err != nil {
				return err
			}
			if err := s.requireReprocessing(ctx, bib); err != nil {
				return err
			}
			orphaned++
		}

		// The preserved bib keeps the cluster alive; when it is itself outdated its
		// source must be reprocessed too or the cluster stays stale forever.
		if preserved.ProcessingVersion < s.liveVersion {
			if err := s.requireReprocessing(ctx, preserved); err != nil {
				return err
			}
		}

		if cluster.SelectedBib == nil || *cluster.SelectedBib != preserved.ID || cluster.Title != preserved.Title {
			selected := preserved.ID
			cluster.SelectedBib = &selected
			cluster.Title = preserved.Title
			if err := s.store.SaveCluster(ctx, &cluster); err != nil {
				return err
			}
		}

		if orphaned > 0 {
			s.logger.Info().
				Str("cluster_id", clusterID.String()).
				Str("preserved_bib_id", preserved.ID.String()).
				Int("orphaned", orphaned).
				Msg("dispersed cluster")
		}
		return s.scheduleIndex(ctx, indexUpdate, clusterID)
	})
}

// checkOrphanedBibs drops bibs that no longer point at the cluster.
func (s *Service) checkOrphanedBibs(clusterID uuid.UUID, bibs []db.Bib) []db.Bib {
	valid := bibs[:0]
	for _, bib := range bibs {
		if bib.ContributesTo == nil || *bib.ContributesTo != clusterID {
			s.logger.Warn().
				Str("cluster_id", clusterID.String()).
				Str("bib_id", bib.ID.String()).
				Msg("skipping bib that no longer contributes to the cluster")
			continue
		}
		valid = append(valid, bib)
	}
	return valid
}

func preservedBib(cluster db.ClusterRecord, bibs []db.Bib) db.Bib {
	if cluster.SelectedBib != nil {
		for _, bib := range bibs {
			if bib.ID == *cluster.SelectedBib {
				return bib
			}
		}
	}
	return bibs[0]
}

// requireReprocessing flags every source record behind bib. Several records
// for one bib is a data-quality problem: it is logged and all are flagged.
func (s *Service) requireReprocessing(ctx context.Context, bib db.Bib) error {
	ids, err := s.sources.FindSourceRecordIDsForBib(ctx, bib)
	if err != nil {
		return err
	}
	switch len(ids) {
	case 0:
		s.logger.Warn().
			Str("bib_id", bib.ID.String()).
			Str("source_record_id", bib.SourceRecordID).
			Msg("no source record found for bib; it cannot be reprocessed")
		return nil
	case 1:
	default:
		s.logger.Warn().
			Str("bib_id", bib.ID.String()).
			Str("source_record_id", bib.SourceRecordID).
			Int("matches", len(ids)).
			Msg("multiple source records found for bib; flagging all")
	}

	for _, id := range ids {
		if err := s.sources.RequireProcessing(ctx, id); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				s.logger.Warn().Str("source_record_id", id.String()).Msg("source record vanished before it could be flagged")
				continue
			}
			return err
		}
	}
	return nil
}
