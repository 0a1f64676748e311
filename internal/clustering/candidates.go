package clustering

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"horse.fit/bibcluster/internal/db"
)

// matchClusters returns the candidate clusters for bib as a multiset: a
// cluster appears once per match point that hit it.
func (s *Service) matchClusters(ctx context.Context, bib db.Bib, points []db.MatchPoint) ([]db.ClusterRecord, error) {
	if len(points) == 0 {
		return nil, nil
	}
	switch s.strategy {
	case StrategyBasic:
		return s.matchClustersBasic(ctx, bib, points)
	default:
		return s.matchClustersImproved(ctx, bib, points)
	}
}

func (s *Service) matchClustersBasic(ctx context.Context, bib db.Bib, points []db.MatchPoint) ([]db.ClusterRecord, error) {
	clusters, err := s.store.FindClustersByMatchPoints(ctx, bib.DerivedType, distinctValues(points))
	if err != nil {
		return nil, fmt.Errorf("match clusters bib_id=%s: %w", bib.ID, err)
	}
	return clusters, nil
}

// matchClustersImproved queries storage with HIGH confidence points only. LOW
// confidence points are considered only on bibs that already contribute to a
// primary candidate, so a noisy identifier cannot fan out across the catalog.
func (s *Service) matchClustersImproved(ctx context.Context, bib db.Bib, points []db.MatchPoint) ([]db.ClusterRecord, error) {
	high, low := partitionByConfidence(points)

	primary, err := s.store.FindClustersByMatchPoints(ctx, bib.DerivedType, distinctValues(high))
	if err != nil {
		return nil, fmt.Errorf("match clusters bib_id=%s: %w", bib.ID, err)
	}
	if len(low) == 0 || len(primary) == 0 {
		return primary, nil
	}

	byID := make(map[uuid.UUID]db.ClusterRecord, len(primary))
	clusterIDs := make([]uuid.UUID, 0, len(primary))
	for _, cluster := range primary {
		if _, ok := byID[cluster.ID]; ok {
			continue
		}
		byID[cluster.ID] = cluster
		clusterIDs = append(clusterIDs, cluster.ID)
	}

	lowMatches, err := s.store.FindMatchPointsInClusters(ctx, distinctValues(low), clusterIDs, bib.ID)
	if err != nil {
		return nil, fmt.Errorf("match low confidence points bib_id=%s: %w", bib.ID, err)
	}
	if len(lowMatches) == 0 {
		return primary, nil
	}

	grouped := make(map[uuid.UUID][]db.MatchPoint)
	owners := make([]uuid.UUID, 0)
	for _, point := range lowMatches {
		if _, ok := grouped[point.BibID]; !ok {
			owners = append(owners, point.BibID)
		}
		grouped[point.BibID] = append(grouped[point.BibID], point)
	}

	ownerBibs, err := s.store.FindBibs(ctx, owners)
	if err != nil {
		return nil, fmt.Errorf("load low confidence owners bib_id=%s: %w", bib.ID, err)
	}
	ownerByID := make(map[uuid.UUID]db.Bib, len(ownerBibs))
	for _, owner := range ownerBibs {
		ownerByID[owner.ID] = owner
	}

	matched := primary
	for _, ownerID := range owners {
		owner, ok := ownerByID[ownerID]
		if !ok || owner.ContributesTo == nil {
			continue
		}
		cluster, ok := byID[*owner.ContributesTo]
		if !ok {
			continue
		}

		ownerPoints := grouped[ownerID]
		hasTitle, hasOther := false, false
		for _, point := range ownerPoints {
			if isTitleDomain(point.Domain) {
				hasTitle = true
			} else {
				hasOther = true
			}
		}

		accepted := false
		switch {
		case hasTitle && hasOther:
			accepted = true
		case hasOther:
			score := s.comparison.Score(bib, owner)
			accepted = s.comparison.AcceptScore(score)
			s.logger.Debug().
				Str("bib_id", bib.ID.String()).
				Str("candidate_bib_id", owner.ID.String()).
				Float64("score", score).
				Bool("accepted", accepted).
				Msg("deeper comparison of low confidence match")
		}
		if !accepted {
			continue
		}
		for range ownerPoints {
			matched = append(matched, cluster)
		}
	}
	return matched, nil
}
