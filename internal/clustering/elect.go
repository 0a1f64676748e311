package clustering

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"horse.fit/bibcluster/internal/db"
)

// ElectSelectedBib re-elects the representative bib of a cluster, ignoring
// ignoreBib when set, and persists the cluster if the choice changed.
func (s *Service) ElectSelectedBib(ctx context.Context, clusterID uuid.UUID, ignoreBib *uuid.UUID) (*db.ClusterRecord, error) {
	var (
		elected *db.ClusterRecord
		unlock  func()
	)
	defer func() {
		if unlock != nil {
			unlock()
		}
	}()

	err := s.inUnitOfWork(ctx, func(ctx context.Context) error {
		unlock = s.locks.lock(clusterID)
		locked, err := s.store.LockClusters(ctx, []uuid.UUID{clusterID})
		if err != nil {
			return err
		}
		if len(locked) == 0 {
			return db.ErrNotFound
		}
		cluster := locked[0]
		if _, err := s.electSelectedBib(ctx, &cluster, ignoreBib); err != nil {
			return err
		}
		elected = &cluster
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("elect selected bib cluster_id=%s: %w", clusterID, err)
	}
	return elected, nil
}

// electSelectedBib picks the contributing bib with the highest metadata score.
// Ties keep the current selection, then fall back to the earliest bib. With no
// eligible bib the selection is left unchanged.
func (s *Service) electSelectedBib(ctx context.Context, cluster *db.ClusterRecord, ignoreBib *uuid.UUID) (bool, error) {
	bibs, err := s.store.ListBibsForCluster(ctx, cluster.ID)
	if err != nil {
		return false, err
	}

	var best *db.Bib
	for i := range bibs {
		candidate := &bibs[i]
		if ignoreBib != nil && candidate.ID == *ignoreBib {
			continue
		}
		if best == nil || betterSelection(candidate, best, cluster.SelectedBib) {
			best = candidate
		}
	}
	if best == nil {
		s.logger.Debug().
			Str("cluster_id", cluster.ID.String()).
			Msg("no eligible bib to elect; keeping selection")
		return false, nil
	}

	if cluster.SelectedBib != nil && *cluster.SelectedBib == best.ID && cluster.Title == best.Title {
		return false, nil
	}

	previous := cluster.SelectedBib
	selected := best.ID
	cluster.SelectedBib = &selected
	cluster.Title = best.Title
	if err := s.store.SaveCluster(ctx, cluster); err != nil {
		return false, err
	}

	event := s.logger.Debug().
		Str("cluster_id", cluster.ID.String()).
		Str("selected_bib", selected.String()).
		Int("metadata_score", best.MetadataScore)
	if previous != nil {
		event = event.Str("previous_selected_bib", previous.String())
	}
	event.Msg("elected selected bib")
	return true, nil
}

func betterSelection(candidate, best *db.Bib, selected *uuid.UUID) bool {
	if candidate.MetadataScore != best.MetadataScore {
		return candidate.MetadataScore > best.MetadataScore
	}
	return selected != nil && candidate.ID == *selected
}
