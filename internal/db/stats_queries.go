package db

import (
	"context"
	"fmt"
	"time"
)

// ClusterTotals stores graph-wide counts.
type ClusterTotals struct {
	LiveClusters    int64 `json:"live_clusters"`
	DeletedClusters int64 `json:"deleted_clusters"`
	Bibs            int64 `json:"bibs"`
	OrphanBibs      int64 `json:"orphan_bibs"`
	MatchPoints     int64 `json:"match_points"`
}

// ReprocessingBacklog stores counters for work still owed to the live
// processing version.
type ReprocessingBacklog struct {
	OutdatedBibs             int64 `json:"outdated_bibs"`
	SourceRecordsRequired    int64 `json:"source_records_required"`
	ClustersCreatedToday     int64 `json:"clusters_created_today"`
	ClustersSoftDeletedToday int64 `json:"clusters_soft_deleted_today"`
}

// ClusterStats is the read model returned by the stats command and endpoint.
type ClusterStats struct {
	Day               string              `json:"day"`
	ProcessingVersion int                 `json:"processing_version"`
	Totals            ClusterTotals       `json:"totals"`
	Backlog           ReprocessingBacklog `json:"backlog"`
}

// QueryClusterStats returns graph totals plus the reprocessing backlog for
// liveVersion and the day starting at dayStart.
func (p *Pool) QueryClusterStats(ctx context.Context, liveVersion int, dayStart, dayEnd time.Time) (*ClusterStats, error) {
	startUTC := dayStart.UTC()
	endUTC := dayEnd.UTC()
	if !startUTC.Before(endUTC) {
		return nil, fmt.Errorf("dayStart must be before dayEnd")
	}

	stats := &ClusterStats{
		Day:               startUTC.Format("2006-01-02"),
		ProcessingVersion: liveVersion,
	}

	const totalsQuery = `
SELECT
	(SELECT COUNT(*) FROM bibcluster.cluster_records c WHERE c.is_deleted = FALSE) AS live_clusters,
	(SELECT COUNT(*) FROM bibcluster.cluster_records c WHERE c.is_deleted = TRUE) AS deleted_clusters,
	(SELECT COUNT(*) FROM bibcluster.bibs b) AS bibs,
	(SELECT COUNT(*) FROM bibcluster.bibs b WHERE b.contributes_to IS NULL) AS orphan_bibs,
	(SELECT COUNT(*) FROM bibcluster.match_points mp) AS match_points
`

	if err := p.QueryRow(ctx, totalsQuery).Scan(
		&stats.Totals.LiveClusters,
		&stats.Totals.DeletedClusters,
		&stats.Totals.Bibs,
		&stats.Totals.OrphanBibs,
		&stats.Totals.MatchPoints,
	); err != nil {
		return nil, fmt.Errorf("query cluster totals: %w", err)
	}

	const backlogQuery = `
SELECT
	(SELECT COUNT(*) FROM bibcluster.bibs b WHERE b.processing_version < $1) AS outdated_bibs,
	(SELECT COUNT(*) FROM bibcluster.source_records sr WHERE sr.processing_state = 'PROCESSING_REQUIRED') AS source_records_required,
	(SELECT COUNT(*) FROM bibcluster.cluster_records c WHERE c.date_created >= $2 AND c.date_created < $3) AS clusters_created_today,
	(SELECT COUNT(*) FROM bibcluster.cluster_records c WHERE c.is_deleted = TRUE AND c.date_updated >= $2 AND c.date_updated < $3) AS clusters_soft_deleted_today
`

	if err := p.QueryRow(ctx, backlogQuery, liveVersion, startUTC, endUTC).Scan(
		&stats.Backlog.OutdatedBibs,
		&stats.Backlog.SourceRecordsRequired,
		&stats.Backlog.ClustersCreatedToday,
		&stats.Backlog.ClustersSoftDeletedToday,
	); err != nil {
		return nil, fmt.Errorf("query reprocessing backlog: %w", err)
	}

	return stats, nil
}
