package clustering

import (
	"context"
	"fmt"
	"strings"

	"horse.fit/bibcluster/internal/db"
)

// MatchConfidence partitions match points for the two-tier candidate search.
type MatchConfidence int

const (
	ConfidenceLow MatchConfidence = iota
	ConfidenceHigh
)

func (c MatchConfidence) String() string {
	if c == ConfidenceHigh {
		return "HIGH"
	}
	return "LOW"
}

// highConfidenceDomains are identifier namespaces judged unambiguous.
var highConfidenceDomains = map[string]struct{}{
	"ONLY-ISBN-13":   {},
	"OCOLC":          {},
	"OCLC":           {},
	"LCCN":           {},
	"ISSN-N":         {},
	"STRN":           {},
	"GOLDRUSH":       {},
	"BLOCKING_TITLE": {},
}

// ConfidenceOf returns the confidence tier of a match point domain.
func ConfidenceOf(domain string) MatchConfidence {
	if _, ok := highConfidenceDomains[strings.ToUpper(strings.TrimSpace(domain))]; ok {
		return ConfidenceHigh
	}
	return ConfidenceLow
}

func isTitleDomain(domain string) bool {
	return strings.Contains(strings.ToUpper(domain), "TITLE")
}

// MatchPointValue builds the join key for one identifier.
func MatchPointValue(namespace, value string) string {
	return "id:" + strings.ToUpper(strings.TrimSpace(namespace)) + ":" + strings.TrimSpace(value)
}

// MatchPointGenerator turns a bib's usable identifiers into match points.
type MatchPointGenerator struct {
	useful map[string]struct{}
}

func NewMatchPointGenerator(namespaces []string) *MatchPointGenerator {
	useful := make(map[string]struct{}, len(namespaces))
	for _, namespace := range namespaces {
		key := strings.ToUpper(strings.TrimSpace(namespace))
		if key != "" {
			useful[key] = struct{}{}
		}
	}
	return &MatchPointGenerator{useful: useful}
}

// Generate returns one match point per distinct value, in identifier order.
// Incomplete identifiers, namespaces outside the allow-list and locally
// asserted identifiers (positive confidence) are skipped.
func (g *MatchPointGenerator) Generate(bib db.Bib) []db.MatchPoint {
	points := make([]db.MatchPoint, 0, len(bib.Identifiers))
	seen := make(map[string]struct{}, len(bib.Identifiers))
	for _, identifier := range bib.Identifiers {
		namespace := strings.ToUpper(strings.TrimSpace(identifier.Namespace))
		value := strings.TrimSpace(identifier.Value)
		if namespace == "" || value == "" {
			continue
		}
		if _, ok := g.useful[namespace]; !ok {
			continue
		}
		if identifier.Confidence != nil && *identifier.Confidence > 0 {
			continue
		}

		key := MatchPointValue(namespace, value)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		points = append(points, db.NewMatchPoint(bib.ID, namespace, key))
	}
	return points
}

// ReconcileMatchPoints makes the stored match points of bib equal to
// current: stored values missing from current are deleted and values of
// current not yet stored are inserted.
func (s *Service) ReconcileMatchPoints(ctx context.Context, current []db.MatchPoint, bib db.Bib) error {
	stored, err := s.store.ListMatchPointsForBib(ctx, bib.ID)
	if err != nil {
		return err
	}

	want := make(map[string]struct{}, len(current))
	for _, point := range current {
		want[point.Value] = struct{}{}
	}
	have := make(map[string]struct{}, len(stored))
	stale := make([]string, 0)
	for _, point := range stored {
		have[point.Value] = struct{}{}
		if _, ok := want[point.Value]; !ok {
			stale = append(stale, point.Value)
		}
	}

	fresh := make([]db.MatchPoint, 0, len(current))
	for _, point := range current {
		if _, ok := have[point.Value]; ok {
			continue
		}
		have[point.Value] = struct{}{}
		point.BibID = bib.ID
		fresh = append(fresh, point)
	}

	if err := s.store.DeleteMatchPoints(ctx, bib.ID, stale); err != nil {
		return fmt.Errorf("reconcile match points bib_id=%s: %w", bib.ID, err)
	}
	if err := s.store.InsertMatchPoints(ctx, fresh); err != nil {
		return fmt.Errorf("reconcile match points bib_id=%s: %w", bib.ID, err)
	}

	if len(stale) > 0 || len(fresh) > 0 {
		s.logger.Debug().
			Str("bib_id", bib.ID.String()).
			Int("deleted", len(stale)).
			Int("inserted", len(fresh)).
			Msg("reconciled match points")
	}
	return nil
}

func distinctValues(points []db.MatchPoint) []string {
	values := make([]string, 0, len(points))
	seen := make(map[string]struct{}, len(points))
	for _, point := range points {
		if _, ok := seen[point.Value]; ok {
			continue
		}
		seen[point.Value] = struct{}{}
		values = append(values, point.Value)
	}
	return values
}

func partitionByConfidence(points []db.MatchPoint) (high, low []db.MatchPoint) {
	for _, point := range points {
		if ConfidenceOf(point.Domain) == ConfidenceHigh {
			high = append(high, point)
		} else {
			low = append(low, point)
		}
	}
	return high, low
}
