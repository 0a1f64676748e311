package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"horse.fit/bibcluster/internal/globaltime"
)

// FindBib loads one bib with its identifiers.
func (p *Pool) FindBib(ctx context.Context, id uuid.UUID) (*Bib, error) {
	var bib Bib
	err := p.conn(ctx).Preload("Identifiers").Where("id = ?", id).Take(&bib).Error
	if err != nil {
		return nil, fmt.Errorf("find bib bib_id=%s: %w", id, notFound(err))
	}
	return &bib, nil
}

// FindBibs loads the bibs with the given ids. Missing ids are skipped.
func (p *Pool) FindBibs(ctx context.Context, ids []uuid.UUID) ([]Bib, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var bibs []Bib
	err := p.conn(ctx).
		Preload("Identifiers").
		Where("id IN ?", ids).
		Order("date_created ASC, id ASC").
		Find(&bibs).Error
	if err != nil {
		return nil, fmt.Errorf("find bibs: %w", err)
	}
	return bibs, nil
}

// ListBibsForCluster returns the bibs currently contributing to clusterID.
func (p *Pool) ListBibsForCluster(ctx context.Context, clusterID uuid.UUID) ([]Bib, error) {
	var bibs []Bib
	err := p.conn(ctx).
		Preload("Identifiers").
		Where("contributes_to = ?", clusterID).
		Order("date_created ASC, id ASC").
		Find(&bibs).Error
	if err != nil {
		return nil, fmt.Errorf("list bibs for cluster cluster_id=%s: %w", clusterID, err)
	}
	return bibs, nil
}

// SaveBib writes the bib row. Identifiers are left untouched; see UpsertBib.
func (p *Pool) SaveBib(ctx context.Context, bib *Bib) error {
	if bib == nil {
		return fmt.Errorf("bib is nil")
	}
	if bib.ID == uuid.Nil {
		return fmt.Errorf("bib id is required")
	}
	now := globaltime.UTC()
	if bib.DateCreated.IsZero() {
		bib.DateCreated = now
	}
	bib.DateUpdated = now

	if err := p.conn(ctx).Omit(clause.Associations).Save(bib).Error; err != nil {
		return fmt.Errorf("save bib bib_id=%s: %w", bib.ID, err)
	}
	return nil
}

// UpsertBib writes an ingested bib and replaces its identifiers. The bib's
// current cluster assignment is kept when the row already exists.
func (p *Pool) UpsertBib(ctx context.Context, bib *Bib) error {
	if bib == nil {
		return fmt.Errorf("bib is nil")
	}
	if bib.ID == uuid.Nil {
		bib.ID = uuid.New()
	}

	return p.Transact(ctx, func(ctx context.Context) error {
		existing, err := p.FindBib(ctx, bib.ID)
		switch {
		case err == nil:
			bib.ContributesTo = existing.ContributesTo
			bib.DateCreated = existing.DateCreated
		case isNotFound(err):
		default:
			return err
		}

		if err := p.SaveBib(ctx, bib); err != nil {
			return err
		}

		const deleteIdentifiers = `
DELETE FROM bibcluster.bib_identifiers
WHERE bib_id = $1
`
		if _, err := p.Exec(ctx, deleteIdentifiers, bib.ID); err != nil {
			return fmt.Errorf("delete identifiers bib_id=%s: %w", bib.ID, err)
		}

		identifiers := make([]BibIdentifier, 0, len(bib.Identifiers))
		for _, identifier := range bib.Identifiers {
			if strings.TrimSpace(identifier.Namespace) == "" && strings.TrimSpace(identifier.Value) == "" {
				continue
			}
			if identifier.ID == uuid.Nil {
				identifier.ID = uuid.New()
			}
			identifier.BibID = bib.ID
			identifiers = append(identifiers, identifier)
		}
		bib.Identifiers = identifiers
		if len(identifiers) == 0 {
			return nil
		}
		if err := p.conn(ctx).Create(&identifiers).Error; err != nil {
			return fmt.Errorf("insert identifiers bib_id=%s: %w", bib.ID, err)
		}
		return nil
	})
}
