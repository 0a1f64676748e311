package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"horse.fit/bibcluster/internal/globaltime"
)

// FindCluster loads one cluster record, deleted or not.
func (p *Pool) FindCluster(ctx context.Context, id uuid.UUID) (*ClusterRecord, error) {
	var cluster ClusterRecord
	if err := p.conn(ctx).Where("id = ?", id).Take(&cluster).Error; err != nil {
		return nil, fmt.Errorf("find cluster cluster_id=%s: %w", id, notFound(err))
	}
	return &cluster, nil
}

// LockClusters takes row locks on the given clusters in id order and returns
// the locked rows. It must run inside Transact.
func (p *Pool) LockClusters(ctx context.Context, ids []uuid.UUID) ([]ClusterRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var clusters []ClusterRecord
	err := p.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&clusters).Error
	if err != nil {
		return nil, fmt.Errorf("lock clusters: %w", err)
	}
	return clusters, nil
}

// SaveCluster inserts or updates a cluster record.
func (p *Pool) SaveCluster(ctx context.Context, cluster *ClusterRecord) error {
	if cluster == nil {
		return fmt.Errorf("cluster is nil")
	}
	if cluster.ID == uuid.Nil {
		return fmt.Errorf("cluster id is required")
	}
	now := globaltime.UTC()
	if cluster.DateCreated.IsZero() {
		cluster.DateCreated = now
	}
	cluster.DateUpdated = now

	if err := p.conn(ctx).Save(cluster).Error; err != nil {
		return fmt.Errorf("save cluster cluster_id=%s: %w", cluster.ID, err)
	}
	return nil
}

// SoftDeleteCluster flags a cluster deleted. date_created is preserved.
func (p *Pool) SoftDeleteCluster(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE bibcluster.cluster_records
SET is_deleted = TRUE,
	date_updated = $2
WHERE id = $1
`
	tag, err := p.Exec(ctx, q, id, globaltime.UTC())
	if err != nil {
		return fmt.Errorf("soft-delete cluster cluster_id=%s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("soft-delete cluster cluster_id=%s: %w", id, ErrNotFound)
	}
	return nil
}

// FindClustersByMatchPoints returns the live clusters of derivedType that own a
// bib with any of values. A cluster is returned once per distinct matching
// value, so repetition encodes match strength.
func (p *Pool) FindClustersByMatchPoints(ctx context.Context, derivedType string, values []string) ([]ClusterRecord, error) {
	if len(values) == 0 {
		return nil, nil
	}

	const q = `
SELECT DISTINCT
	mp.value,
	c.id,
	c.title,
	c.selected_bib,
	c.is_deleted,
	c.date_created,
	c.date_updated
FROM bibcluster.match_points mp
JOIN bibcluster.bibs b
	ON b.id = mp.bib_id
JOIN bibcluster.cluster_records c
	ON c.id = b.contributes_to
WHERE mp.value = ANY($1::text[])
  AND b.derived_type = $2
  AND c.is_deleted = FALSE
ORDER BY mp.value, c.id
`

	rows, err := p.Query(ctx, q, values, derivedType)
	if err != nil {
		return nil, fmt.Errorf("query clusters by match points: %w", err)
	}
	defer rows.Close()

	clusters := make([]ClusterRecord, 0, len(values))
	for rows.Next() {
		var (
			value    string
			cluster  ClusterRecord
			selected uuid.NullUUID
		)
		if err := rows.Scan(
			&value,
			&cluster.ID,
			&cluster.Title,
			&selected,
			&cluster.IsDeleted,
			&cluster.DateCreated,
			&cluster.DateUpdated,
		); err != nil {
			return nil, fmt.Errorf("scan cluster match row: %w", err)
		}
		cluster.SelectedBib = nullUUIDPtr(selected)
		clusters = append(clusters, cluster)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster match rows: %w", err)
	}
	return clusters, nil
}

// FindOutdatedClusterIDs returns the subset of ids that own a bib processed
// under a version below liveVersion whose source record exists and is not
// already queued for reprocessing. Bibs without a source record cannot be
// reprocessed and never count as outdated.
func (p *Pool) FindOutdatedClusterIDs(ctx context.Context, ids []uuid.UUID, liveVersion int) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	const q = `
SELECT DISTINCT b.contributes_to
FROM bibcluster.bibs b
WHERE b.contributes_to = ANY($1::text[]::uuid[])
  AND b.processing_version < $2
  AND EXISTS (
	SELECT 1
	FROM bibcluster.source_records sr
	WHERE sr.source_system_id = b.source_system_id
	  AND sr.remote_id = b.source_record_id
  )
  AND NOT EXISTS (
	SELECT 1
	FROM bibcluster.source_records sr
	WHERE sr.source_system_id = b.source_system_id
	  AND sr.remote_id = b.source_record_id
	  AND sr.processing_state = 'PROCESSING_REQUIRED'
  )
`

	rows, err := p.Query(ctx, q, uuidStrings(ids), liveVersion)
	if err != nil {
		return nil, fmt.Errorf("query outdated clusters: %w", err)
	}
	defer rows.Close()
	return scanUUIDs(rows, len(ids))
}

// ListOutdatedClusterIDs scans storage for live clusters that own an outdated,
// unqueued bib with a source record, oldest update first.
func (p *Pool) ListOutdatedClusterIDs(ctx context.Context, liveVersion, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	const q = `
SELECT c.id
FROM bibcluster.cluster_records c
WHERE c.is_deleted = FALSE
  AND EXISTS (
	SELECT 1
	FROM bibcluster.bibs b
	WHERE b.contributes_to = c.id
	  AND b.processing_version < $1
	  AND EXISTS (
		SELECT 1
		FROM bibcluster.source_records sr
		WHERE sr.source_system_id = b.source_system_id
		  AND sr.remote_id = b.source_record_id
	  )
	  AND NOT EXISTS (
		SELECT 1
		FROM bibcluster.source_records sr
		WHERE sr.source_system_id = b.source_system_id
		  AND sr.remote_id = b.source_record_id
		  AND sr.processing_state = 'PROCESSING_REQUIRED'
	  )
  )
ORDER BY c.date_updated ASC, c.id ASC
LIMIT $2
`

	rows, err := p.Query(ctx, q, liveVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("query outdated cluster backlog: %w", err)
	}
	defer rows.Close()
	return scanUUIDs(rows, limit)
}

// ListLiveClusterIDs pages through live cluster ids in id order, starting
// after afterID. Pass uuid.Nil for the first page.
func (p *Pool) ListLiveClusterIDs(ctx context.Context, afterID uuid.UUID, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	const q = `
SELECT c.id
FROM bibcluster.cluster_records c
WHERE c.is_deleted = FALSE
  AND c.id > $1
ORDER BY c.id ASC
LIMIT $2
`

	rows, err := p.Query(ctx, q, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query live cluster ids: %w", err)
	}
	defer rows.Close()
	return scanUUIDs(rows, limit)
}

func scanUUIDs(rows *Rows, capacity int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, capacity)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan uuid row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uuid rows: %w", err)
	}
	return ids, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func nullUUIDPtr(v uuid.NullUUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id := v.UUID
	return &id
}
