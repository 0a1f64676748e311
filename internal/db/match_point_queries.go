package db

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"
)

// ListMatchPointsForBib returns the stored match points of one bib.
func (p *Pool) ListMatchPointsForBib(ctx context.Context, bibID uuid.UUID) ([]MatchPoint, error) {
	var points []MatchPoint
	err := p.conn(ctx).Where("bib_id = ?", bibID).Order("value ASC").Find(&points).Error
	if err != nil {
		return nil, fmt.Errorf("list match points bib_id=%s: %w", bibID, err)
	}
	return points, nil
}

// DeleteMatchPoints removes the given values from a bib's stored set.
func (p *Pool) DeleteMatchPoints(ctx context.Context, bibID uuid.UUID, values []string) error {
	if len(values) == 0 {
		return nil
	}

	const q = `
DELETE FROM bibcluster.match_points
WHERE bib_id = $1
  AND value = ANY($2::text[])
`
	if _, err := p.Exec(ctx, q, bibID, values); err != nil {
		return fmt.Errorf("delete match points bib_id=%s: %w", bibID, err)
	}
	return nil
}

// InsertMatchPoints stores points, skipping any (bib_id, value) already present.
func (p *Pool) InsertMatchPoints(ctx context.Context, points []MatchPoint) error {
	if len(points) == 0 {
		return nil
	}
	err := p.conn(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bib_id"}, {Name: "value"}},
			DoNothing: true,
		}).
		Create(&points).Error
	if err != nil {
		return fmt.Errorf("insert match points: %w", err)
	}
	return nil
}

// FindMatchPointsInClusters returns the match points with any of values that
// belong to bibs contributing to one of clusterIDs, excluding excludeBibID.
func (p *Pool) FindMatchPointsInClusters(ctx context.Context, values []string, clusterIDs []uuid.UUID, excludeBibID uuid.UUID) ([]MatchPoint, error) {
	if len(values) == 0 || len(clusterIDs) == 0 {
		return nil, nil
	}

	const q = `
SELECT mp.id, mp.bib_id, mp.domain, mp.value
FROM bibcluster.match_points mp
JOIN bibcluster.bibs b
	ON b.id = mp.bib_id
WHERE mp.value = ANY($1::text[])
  AND b.contributes_to = ANY($2::text[]::uuid[])
  AND b.id <> $3
ORDER BY mp.bib_id, mp.value
`

	rows, err := p.Query(ctx, q, values, uuidStrings(clusterIDs), excludeBibID)
	if err != nil {
		return nil, fmt.Errorf("query match points in clusters: %w", err)
	}
	defer rows.Close()

	points := make([]MatchPoint, 0, len(values))
	for rows.Next() {
		var point MatchPoint
		if err := rows.Scan(&point.ID, &point.BibID, &point.Domain, &point.Value); err != nil {
			return nil, fmt.Errorf("scan match point row: %w", err)
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate match point rows: %w", err)
	}
	return points, nil
}

// LockMatchPointValues takes a transaction-scoped advisory lock per value, in
// key order, and holds them until the enclosing transaction ends.
func (p *Pool) LockMatchPointValues(ctx context.Context, derivedType string, values []string) error {
	if len(values) == 0 {
		return nil
	}
	if _, ok := ctx.Value(txContextKey{}).(*txState); !ok {
		return fmt.Errorf("lock match point values: no transaction on context")
	}

	keys := make([]int64, 0, len(values))
	for _, value := range values {
		keys = append(keys, MatchPointLockKey(derivedType, value))
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	for _, key := range keys {
		if _, err := p.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
			return fmt.Errorf("lock match point values derived_type=%s: %w", derivedType, err)
		}
	}
	return nil
}

// MatchPointLockKey is the advisory lock key of one match point value.
func MatchPointLockKey(derivedType, value string) int64 {
	return AdvisoryLockKey("match_point|" + derivedType + "|" + value)
}
