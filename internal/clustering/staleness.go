package clustering

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"horse.fit/bibcluster/internal/db"
)

// filterOutdatedAndReprocess drops candidates that own bibs processed under
// an older version and queues them for housekeeping once the unit of work
// commits. current passes through even when stale; it is still queued.
func (s *Service) filterOutdatedAndReprocess(ctx context.Context, candidates []db.ClusterRecord, current *db.ClusterRecord) ([]db.ClusterRecord, error) {
	ids := make([]uuid.UUID, 0, len(candidates)+1)
	seen := make(map[uuid.UUID]struct{}, len(candidates)+1)
	add := func(id uuid.UUID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, cluster := range candidates {
		add(cluster.ID)
	}
	if current != nil {
		add(current.ID)
	}
	if len(ids) == 0 {
		return candidates, nil
	}

	outdated, err := s.store.FindOutdatedClusterIDs(ctx, ids, s.liveVersion)
	if err != nil {
		return nil, fmt.Errorf("find outdated clusters: %w", err)
	}
	if len(outdated) == 0 {
		return candidates, nil
	}

	stale := make(map[uuid.UUID]struct{}, len(outdated))
	for _, id := range outdated {
		stale[id] = struct{}{}
		if err := s.scheduleReprocessing(ctx, id); err != nil {
			return nil, err
		}
	}

	filtered := make([]db.ClusterRecord, 0, len(candidates))
	for _, cluster := range candidates {
		_, isStale := stale[cluster.ID]
		if isStale && (current == nil || cluster.ID != current.ID) {
			continue
		}
		filtered = append(filtered, cluster)
	}

	s.logger.Info().
		Int("candidates", len(candidates)).
		Int("outdated_clusters", len(outdated)).
		Int("kept", len(filtered)).
		Msg("deferred outdated candidate clusters to housekeeping")
	return filtered, nil
}

func (s *Service) scheduleReprocessing(ctx context.Context, clusterID uuid.UUID) error {
	if s.reprocessing == nil {
		return nil
	}
	return s.commits.OnCommittal(ctx, func(context.Context) error {
		s.reprocessing.Prioritise(clusterID.String())
		return nil
	})
}
