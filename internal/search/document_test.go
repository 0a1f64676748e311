package search

import (
	"testing"

	"github.com/google/uuid"

	"horse.fit/bibcluster/internal/clustering"
)

func TestNewClusterDocument_FlattensBibs(t *testing.T) {
	t.Parallel()

	detail := detailFor("Dune", "BOOKS", "id:OCLC:2", "id:ISBN:978")
	detail.Bibs = append(detail.Bibs,
		clustering.BibView{ID: uuid.New(), Title: "Dune", DerivedType: "BOOKS", MatchPoints: []string{"id:OCLC:2"}},
		clustering.BibView{ID: uuid.New(), Title: " Dune Messiah ", DerivedType: "", MatchPoints: nil},
	)

	doc := NewClusterDocument(detail)
	if doc.ID != detail.ID.String() {
		t.Fatalf("unexpected id %q", doc.ID)
	}
	if doc.BibCount != 3 {
		t.Fatalf("expected 3 bibs, got %d", doc.BibCount)
	}
	if len(doc.BibTitles) != 1 || doc.BibTitles[0] != "Dune Messiah" {
		t.Fatalf("unexpected bib titles %v", doc.BibTitles)
	}
	if len(doc.DerivedTypes) != 1 || doc.DerivedTypes[0] != "BOOKS" {
		t.Fatalf("unexpected derived types %v", doc.DerivedTypes)
	}
	if len(doc.MatchPoints) != 2 || doc.MatchPoints[0] != "id:ISBN:978" || doc.MatchPoints[1] != "id:OCLC:2" {
		t.Fatalf("unexpected match points %v", doc.MatchPoints)
	}

	fields := doc.ToMap()
	if fields["selected_bib"] != detail.SelectedBib.String() {
		t.Fatalf("selected bib not mapped: %v", fields["selected_bib"])
	}
	if fields["bib_count"] != float64(3) {
		t.Fatalf("bib count not mapped: %v", fields["bib_count"])
	}
}
