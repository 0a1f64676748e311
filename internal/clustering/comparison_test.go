package clustering

import (
	"math"
	"testing"

	"horse.fit/bibcluster/internal/db"
)

func TestLevenshteinSimilarity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		left, right string
		want        float64
	}{
		{left: "kitten", right: "sitting", want: 1 - 3.0/7.0},
		{left: "dune", right: "dune", want: 1},
		{left: "", right: "", want: 1},
		{left: "abc", right: "", want: 0},
	}
	for _, tc := range cases {
		got := levenshteinSimilarity(tc.left, tc.right)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("levenshteinSimilarity(%q, %q) = %f, want %f", tc.left, tc.right, got, tc.want)
		}
	}
}

func TestDeeperComparison_Score(t *testing.T) {
	t.Parallel()

	comparison := DeeperComparison{Threshold: DefaultDeeperComparisonThreshold}
	reference := db.Bib{BlockingTitle: "the hobbit"}

	if got := comparison.Score(reference, db.Bib{BlockingTitle: "the hobbit"}); got != 1 {
		t.Fatalf("identical titles should score 1, got %f", got)
	}
	if got := comparison.Score(reference, db.Bib{BlockingTitle: "   "}); got != 0 {
		t.Fatalf("blank candidate title should score 0, got %f", got)
	}
	if got := comparison.Score(db.Bib{}, reference); got != 0 {
		t.Fatalf("blank reference title should score 0, got %f", got)
	}

	near := db.Bib{BlockingTitle: "the hobit"}
	if !comparison.Accept(reference, near) {
		t.Fatalf("expected near-identical title to be accepted, score %f", comparison.Score(reference, near))
	}

	far := db.Bib{BlockingTitle: "a wizard of earthsea"}
	if comparison.Accept(reference, far) {
		t.Fatalf("expected unrelated title to be rejected, score %f", comparison.Score(reference, far))
	}

	score := comparison.Score(reference, far)
	if score < 0 || score > 1 {
		t.Fatalf("score out of range: %f", score)
	}
}

func TestDeeperComparison_DefaultThreshold(t *testing.T) {
	t.Parallel()

	unset := DeeperComparison{}
	reference := db.Bib{BlockingTitle: "dune"}
	if !unset.Accept(reference, db.Bib{BlockingTitle: "dune"}) {
		t.Fatalf("zero threshold should fall back to the default and accept identical titles")
	}
}

func TestDeeperComparison_AcceptScoreMatchesAccept(t *testing.T) {
	t.Parallel()

	comparison := DeeperComparison{Threshold: 0.9}
	if !comparison.AcceptScore(0.9) {
		t.Fatalf("expected a score equal to the threshold to be accepted")
	}
	if comparison.AcceptScore(0.8999) {
		t.Fatalf("expected a score below the threshold to be rejected")
	}
	if (DeeperComparison{}).AcceptScore(0.89) {
		t.Fatalf("expected the default threshold to reject 0.89")
	}

	reference := db.Bib{BlockingTitle: "the hobbit"}
	for _, title := range []string{"the hobbit", "the hobbitt", "a wizard of earthsea", ""} {
		candidate := db.Bib{BlockingTitle: title}
		if got, want := comparison.AcceptScore(comparison.Score(reference, candidate)), comparison.Accept(reference, candidate); got != want {
			t.Fatalf("title %q: AcceptScore=%t Accept=%t", title, got, want)
		}
	}
}
