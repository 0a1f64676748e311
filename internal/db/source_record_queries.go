package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"horse.fit/bibcluster/internal/globaltime"
)

// FindSourceRecordIDsForBib returns the source records a bib was derived from.
// (source_system_id, remote_id) is not unique, so several ids may come back.
func (p *Pool) FindSourceRecordIDsForBib(ctx context.Context, bib Bib) ([]uuid.UUID, error) {
	if strings.TrimSpace(bib.SourceRecordID) == "" {
		return nil, nil
	}

	const q = `
SELECT sr.id
FROM bibcluster.source_records sr
WHERE sr.source_system_id = $1
  AND sr.remote_id = $2
ORDER BY sr.date_created ASC, sr.id ASC
`

	rows, err := p.Query(ctx, q, bib.SourceSystemID, bib.SourceRecordID)
	if err != nil {
		return nil, fmt.Errorf("query source records bib_id=%s: %w", bib.ID, err)
	}
	defer rows.Close()
	return scanUUIDs(rows, 1)
}

// RequireProcessing re-queues a source record for the ingest pipeline.
func (p *Pool) RequireProcessing(ctx context.Context, sourceRecordID uuid.UUID) error {
	const q = `
UPDATE bibcluster.source_records
SET processing_state = $2,
	processing_information = NULL,
	date_updated = $3
WHERE id = $1
`
	tag, err := p.Exec(ctx, q, sourceRecordID, ProcessingStateRequired, globaltime.UTC())
	if err != nil {
		return fmt.Errorf("require processing source_record_id=%s: %w", sourceRecordID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("require processing source_record_id=%s: %w", sourceRecordID, ErrNotFound)
	}
	return nil
}

// MarkSourceRecordProcessed records the outcome of ingesting the source
// records behind a bib, creating the row when the host record is new.
func (p *Pool) MarkSourceRecordProcessed(ctx context.Context, bib Bib, state, information string) error {
	switch state {
	case ProcessingStateSuccess, ProcessingStateFailure:
	default:
		return fmt.Errorf("invalid processing state %q", state)
	}
	if strings.TrimSpace(bib.SourceRecordID) == "" {
		return nil
	}

	now := globaltime.UTC()
	var info *string
	if trimmed := strings.TrimSpace(information); trimmed != "" {
		info = &trimmed
	}

	const update = `
UPDATE bibcluster.source_records
SET processing_state = $3,
	processing_information = $4,
	last_processed = $5,
	date_updated = $5
WHERE source_system_id = $1
  AND remote_id = $2
`
	tag, err := p.Exec(ctx, update, bib.SourceSystemID, bib.SourceRecordID, state, info, now)
	if err != nil {
		return fmt.Errorf("mark source record processed bib_id=%s: %w", bib.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	record := SourceRecord{
		ID:                    uuid.New(),
		SourceSystemID:        bib.SourceSystemID,
		RemoteID:              bib.SourceRecordID,
		ProcessingState:       state,
		ProcessingInformation: info,
		LastProcessed:         &now,
		DateCreated:           now,
		DateUpdated:           now,
	}
	if err := p.conn(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("insert source record bib_id=%s: %w", bib.ID, err)
	}
	return nil
}
