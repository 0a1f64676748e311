package db

import (
	"time"

	"github.com/google/uuid"
)

// Source record processing states.
const (
	ProcessingStateRequired = "PROCESSING_REQUIRED"
	ProcessingStateSuccess  = "SUCCESS"
	ProcessingStateFailure  = "FAILURE"
)

// ClusterRecord maps bibcluster.cluster_records. Rows are soft-deleted only.
type ClusterRecord struct {
	ID          uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	Title       string     `gorm:"column:title;type:text;not null;default:''"`
	SelectedBib *uuid.UUID `gorm:"column:selected_bib;type:uuid"`
	IsDeleted   bool       `gorm:"column:is_deleted;type:boolean;not null;default:false;index"`
	DateCreated time.Time  `gorm:"column:date_created;type:timestamptz;not null;default:now()"`
	DateUpdated time.Time  `gorm:"column:date_updated;type:timestamptz;not null;default:now()"`
}

func (ClusterRecord) TableName() string { return "bibcluster.cluster_records" }

// Bib maps bibcluster.bibs. Content and ProcessingVersion are owned by ingest;
// ContributesTo is owned by the clustering engine.
type Bib struct {
	ID                uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	Title             string          `gorm:"column:title;type:text;not null;default:''"`
	BlockingTitle     string          `gorm:"column:blocking_title;type:text;not null;default:''"`
	DerivedType       string          `gorm:"column:derived_type;type:text;not null;default:''"`
	ContributesTo     *uuid.UUID      `gorm:"column:contributes_to;type:uuid;index"`
	ProcessingVersion int             `gorm:"column:processing_version;type:integer;not null;default:0"`
	MetadataScore     int             `gorm:"column:metadata_score;type:integer;not null;default:0"`
	SourceSystemID    uuid.UUID       `gorm:"column:source_system_id;type:uuid;not null"`
	SourceRecordID    string          `gorm:"column:source_record_id;type:text;not null"`
	DateCreated       time.Time       `gorm:"column:date_created;type:timestamptz;not null;default:now()"`
	DateUpdated       time.Time       `gorm:"column:date_updated;type:timestamptz;not null;default:now()"`
	Identifiers       []BibIdentifier `gorm:"foreignKey:BibID;constraint:OnDelete:CASCADE"`
}

func (Bib) TableName() string { return "bibcluster.bibs" }

// BibIdentifier maps bibcluster.bib_identifiers. A positive Confidence marks a
// locally asserted identifier.
type BibIdentifier struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	BibID      uuid.UUID `gorm:"column:bib_id;type:uuid;not null;index"`
	Namespace  string    `gorm:"column:namespace;type:text;not null"`
	Value      string    `gorm:"column:value;type:text;not null"`
	Confidence *int      `gorm:"column:confidence;type:integer"`
}

func (BibIdentifier) TableName() string { return "bibcluster.bib_identifiers" }

// MatchPoint maps bibcluster.match_points. At most one row per (bib_id, value).
type MatchPoint struct {
	ID     uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	BibID  uuid.UUID `gorm:"column:bib_id;type:uuid;not null;uniqueIndex:ux_match_points_bib_value,priority:1"`
	Domain string    `gorm:"column:domain;type:text;not null"`
	Value  string    `gorm:"column:value;type:text;not null;index;uniqueIndex:ux_match_points_bib_value,priority:2"`
}

func (MatchPoint) TableName() string { return "bibcluster.match_points" }

// SourceRecord maps bibcluster.source_records, the raw host-system records
// bibs are derived from. (source_system_id, remote_id) is not unique.
type SourceRecord struct {
	ID                    uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	SourceSystemID        uuid.UUID  `gorm:"column:source_system_id;type:uuid;not null;index:ix_source_records_remote,priority:1"`
	RemoteID              string     `gorm:"column:remote_id;type:text;not null;index:ix_source_records_remote,priority:2"`
	ProcessingState       string     `gorm:"column:processing_state;type:text;not null;default:PROCESSING_REQUIRED"`
	ProcessingInformation *string    `gorm:"column:processing_information;type:text"`
	LastProcessed         *time.Time `gorm:"column:last_processed;type:timestamptz"`
	DateCreated           time.Time  `gorm:"column:date_created;type:timestamptz;not null;default:now()"`
	DateUpdated           time.Time  `gorm:"column:date_updated;type:timestamptz;not null;default:now()"`
}

func (SourceRecord) TableName() string { return "bibcluster.source_records" }

// NewMatchPoint builds a match point with an id derived from (bibID, value),
// so regenerating the same point yields the same row id.
func NewMatchPoint(bibID uuid.UUID, domain, value string) MatchPoint {
	return MatchPoint{
		ID:     uuid.NewSHA1(bibID, []byte(value)),
		BibID:  bibID,
		Domain: domain,
		Value:  value,
	}
}

func autoMigrateModels() []any {
	return []any{
		&ClusterRecord{},
		&Bib{},
		&BibIdentifier{},
		&MatchPoint{},
		&SourceRecord{},
	}
}
