package clustering

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"

	"horse.fit/bibcluster/internal/db"
)

// DefaultDeeperComparisonThreshold is the minimum blended score at which a
// low-confidence candidate is accepted. Policy value; do not change without
// cataloguing sign-off.
const DefaultDeeperComparisonThreshold = 0.9

// DeeperComparison scores two bibs by their blocking titles.
type DeeperComparison struct {
	Threshold float64
}

// Score is the mean of the edit-distance similarity of the blocking titles and
// of their double-metaphone codes. It is 0 when either title is blank.
func (d DeeperComparison) Score(reference, candidate db.Bib) float64 {
	left := strings.TrimSpace(reference.BlockingTitle)
	right := strings.TrimSpace(candidate.BlockingTitle)
	if left == "" || right == "" {
		return 0
	}

	textual := levenshteinSimilarity(left, right)
	leftCode, _ := matchr.DoubleMetaphone(left)
	rightCode, _ := matchr.DoubleMetaphone(right)
	phonetic := levenshteinSimilarity(leftCode, rightCode)

	return (textual + phonetic) / 2
}

// Accept reports whether candidate's cluster may be matched for reference.
func (d DeeperComparison) Accept(reference, candidate db.Bib) bool {
	return d.AcceptScore(d.Score(reference, candidate))
}

// AcceptScore reports whether a score from Score reaches the threshold.
func (d DeeperComparison) AcceptScore(score float64) bool {
	threshold := d.Threshold
	if threshold <= 0 {
		threshold = DefaultDeeperComparisonThreshold
	}
	return score >= threshold
}

// levenshteinSimilarity maps edit distance onto [0,1]; identical strings,
// including two empty ones, score 1.
func levenshteinSimilarity(left, right string) float64 {
	longest := max(utf8.RuneCountInString(left), utf8.RuneCountInString(right))
	if longest == 0 {
		return 1
	}
	distance := matchr.Levenshtein(left, right)
	return 1 - float64(distance)/float64(longest)
}
