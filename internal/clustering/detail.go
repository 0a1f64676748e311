package clustering

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClusterDetail is the read model of one cluster and its member bibs.
type ClusterDetail struct {
	ID          uuid.UUID  `json:"id"`
	Title       string     `json:"title"`
	SelectedBib *uuid.UUID `json:"selected_bib,omitempty"`
	IsDeleted   bool       `json:"is_deleted"`
	DateCreated time.Time  `json:"date_created"`
	DateUpdated time.Time  `json:"date_updated"`
	Outdated    bool       `json:"outdated"`
	Bibs        []BibView  `json:"bibs"`
}

type BibView struct {
	ID                uuid.UUID `json:"id"`
	Title             string    `json:"title"`
	DerivedType       string    `json:"derived_type"`
	ProcessingVersion int       `json:"processing_version"`
	MetadataScore     int       `json:"metadata_score"`
	SourceSystemID    uuid.UUID `json:"source_system_id"`
	SourceRecordID    string    `json:"source_record_id"`
	Selected          bool      `json:"selected"`
	MatchPoints       []string  `json:"match_points"`
}

// DescribeCluster loads a cluster, its bibs and their stored match points.
func (s *Service) DescribeCluster(ctx context.Context, clusterID uuid.UUID) (*ClusterDetail, error) {
	cluster, err := s.store.FindCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	bibs, err := s.store.ListBibsForCluster(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("describe cluster cluster_id=%s: %w", clusterID, err)
	}

	detail := &ClusterDetail{
		ID:          cluster.ID,
		Title:       cluster.Title,
		SelectedBib: cluster.SelectedBib,
		IsDeleted:   cluster.IsDeleted,
		DateCreated: cluster.DateCreated,
		DateUpdated: cluster.DateUpdated,
		Bibs:        make([]BibView, 0, len(bibs)),
	}
	for _, bib := range bibs {
		points, err := s.store.ListMatchPointsForBib(ctx, bib.ID)
		if err != nil {
			return nil, fmt.Errorf("describe cluster cluster_id=%s: %w", clusterID, err)
		}
		values := make([]string, 0, len(points))
		for _, point := range points {
			values = append(values, point.Value)
		}
		if bib.ProcessingVersion < s.liveVersion {
			detail.Outdated = true
		}
		detail.Bibs = append(detail.Bibs, BibView{
			ID:                bib.ID,
			Title:             bib.Title,
			DerivedType:       bib.DerivedType,
			ProcessingVersion: bib.ProcessingVersion,
			MetadataScore:     bib.MetadataScore,
			SourceSystemID:    bib.SourceSystemID,
			SourceRecordID:    bib.SourceRecordID,
			Selected:          cluster.SelectedBib != nil && *cluster.SelectedBib == bib.ID,
			MatchPoints:       values,
		})
	}
	return detail, nil
}

// OutdatedClusterIDs returns the subset of ids that currently own outdated,
// unqueued bibs.
func (s *Service) OutdatedClusterIDs(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	return s.store.FindOutdatedClusterIDs(ctx, ids, s.liveVersion)
}

// OutdatedClusterBacklog scans storage for up to limit outdated clusters.
func (s *Service) OutdatedClusterBacklog(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return s.store.ListOutdatedClusterIDs(ctx, s.liveVersion, limit)
}
