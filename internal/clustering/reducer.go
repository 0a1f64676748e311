package clustering

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"horse.fit/bibcluster/internal/db"
)

type rankedCluster struct {
	cluster db.ClusterRecord
	count   int
}

// rankClusters groups a candidate multiset by cluster id and orders the groups
// by occurrence count, highest first. Equal positive counts put current first;
// other ties keep first-seen order. A current cluster that was not matched is
// appended last so a bib is never silently orphaned.
func rankClusters(matched []db.ClusterRecord, current *db.ClusterRecord) []rankedCluster {
	ranked := make([]rankedCluster, 0, len(matched)+1)
	position := make(map[uuid.UUID]int, len(matched))
	for _, cluster := range matched {
		if i, ok := position[cluster.ID]; ok {
			ranked[i].count++
			continue
		}
		position[cluster.ID] = len(ranked)
		ranked = append(ranked, rankedCluster{cluster: cluster, count: 1})
	}

	isCurrent := func(r rankedCluster) bool {
		return current != nil && r.cluster.ID == current.ID
	}
	slices.SortStableFunc(ranked, func(a, b rankedCluster) int {
		if a.count != b.count {
			return b.count - a.count
		}
		if a.count > 0 {
			switch {
			case isCurrent(a) && !isCurrent(b):
				return -1
			case isCurrent(b) && !isCurrent(a):
				return 1
			}
		}
		return 0
	})

	if current != nil {
		if _, ok := position[current.ID]; !ok {
			ranked = append(ranked, rankedCluster{cluster: *current, count: 0})
		}
	}
	return ranked
}

// reduce locks the ranked clusters, picks the primary and absorbs every other
// live cluster into it. It returns nil when nothing survives, in which case
// the caller creates a new cluster.
func (s *Service) reduce(ctx context.Context, ranked []rankedCluster) (*db.ClusterRecord, []uuid.UUID, error) {
	if len(ranked) == 0 {
		return nil, nil, nil
	}

	ids := make([]uuid.UUID, 0, len(ranked))
	for _, r := range ranked {
		ids = append(ids, r.cluster.ID)
	}
	locked, err := s.store.LockClusters(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	live := make(map[uuid.UUID]db.ClusterRecord, len(locked))
	for _, cluster := range locked {
		if !cluster.IsDeleted {
			live[cluster.ID] = cluster
		}
	}

	var primary *db.ClusterRecord
	absorbed := make([]uuid.UUID, 0, len(ranked))
	for _, r := range ranked {
		cluster, ok := live[r.cluster.ID]
		if !ok {
			s.logger.Debug().
				Str("cluster_id", r.cluster.ID.String()).
				Msg("candidate cluster deleted before it could be locked; skipping")
			continue
		}
		if primary == nil {
			primary = &cluster
			continue
		}
		if err := s.absorb(ctx, *primary, cluster); err != nil {
			return nil, nil, err
		}
		absorbed = append(absorbed, cluster.ID)
	}
	return primary, absorbed, nil
}

// absorb moves every bib of loser into primary and soft-deletes loser.
func (s *Service) absorb(ctx context.Context, primary, loser db.ClusterRecord) error {
	bibs, err := s.store.ListBibsForCluster(ctx, loser.ID)
	if err != nil {
		return fmt.Errorf("absorb cluster cluster_id=%s: %w", loser.ID, err)
	}
	for i := range bibs {
		bib := bibs[i]
		target := primary.ID
		bib.ContributesTo = &target
		if err := s.store.SaveBib(ctx, &bib); err != nil {
			return fmt.Errorf("absorb cluster cluster_id=%s: %w", loser.ID, err)
		}
	}
	if err := s.store.SoftDeleteCluster(ctx, loser.ID); err != nil {
		return fmt.Errorf("absorb cluster cluster_id=%s: %w", loser.ID, err)
	}
	if err := s.scheduleIndex(ctx, indexDelete, loser.ID); err != nil {
		return err
	}

	s.logger.Info().
		Str("cluster_id", primary.ID.String()).
		Str("absorbed_cluster_id", loser.ID.String()).
		Int("bibs_moved", len(bibs)).
		Msg("absorbed cluster")
	return nil
}
