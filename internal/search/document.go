package search

import (
	"slices"
	"strings"

	"horse.fit/bibcluster/internal/clustering"
	"horse.fit/bibcluster/internal/langdetect"
)

// ClusterDocument is the indexed form of a live cluster.
type ClusterDocument struct {
	ID           string
	Title        string
	BibTitles    []string
	DerivedTypes []string
	MatchPoints  []string
	// Language is the detected ISO 639-1 code of Title, or "".
	Language    string
	SelectedBib string
	BibCount    int
	Outdated    bool
	UpdatedAt   int64
}

// NewClusterDocument flattens a cluster detail into a document.
func NewClusterDocument(detail *clustering.ClusterDetail) *ClusterDocument {
	doc := &ClusterDocument{
		ID:        detail.ID.String(),
		Title:     detail.Title,
		BibCount:  len(detail.Bibs),
		Outdated:  detail.Outdated,
		UpdatedAt: detail.DateUpdated.Unix(),
		Language:  langdetect.DetectTitle(detail.Title),
	}
	if detail.SelectedBib != nil {
		doc.SelectedBib = detail.SelectedBib.String()
	}

	for _, bib := range detail.Bibs {
		if title := strings.TrimSpace(bib.Title); title != "" && title != doc.Title {
			doc.BibTitles = append(doc.BibTitles, title)
		}
		if derivedType := strings.TrimSpace(bib.DerivedType); derivedType != "" {
			doc.DerivedTypes = append(doc.DerivedTypes, derivedType)
		}
		doc.MatchPoints = append(doc.MatchPoints, bib.MatchPoints...)
	}
	doc.BibTitles = sortedUnique(doc.BibTitles)
	doc.DerivedTypes = sortedUnique(doc.DerivedTypes)
	doc.MatchPoints = sortedUnique(doc.MatchPoints)
	return doc
}

// ToMap converts the document to the field names used by the mapping.
func (d *ClusterDocument) ToMap() map[string]any {
	m := map[string]any{
		"id":         d.ID,
		"title":      d.Title,
		"bib_count":  float64(d.BibCount),
		"outdated":   d.Outdated,
		"updated_at": float64(d.UpdatedAt),
	}
	if len(d.BibTitles) > 0 {
		m["bib_titles"] = d.BibTitles
	}
	if len(d.DerivedTypes) > 0 {
		m["derived_types"] = d.DerivedTypes
	}
	if len(d.MatchPoints) > 0 {
		m["match_points"] = d.MatchPoints
	}
	if d.SelectedBib != "" {
		m["selected_bib"] = d.SelectedBib
	}
	if d.Language != "" {
		m["language"] = d.Language
	}
	return m
}

func sortedUnique(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	slices.Sort(values)
	return slices.Compact(values)
}
