package langdetect

import "testing"

func TestNormalizeCode(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"en":      "en",
		" EN-gb ": "en",
		"pt_BR":   "pt",
		"de--AT":  "de",
		"":        "",
		"-":       "",
		"e1":      "",
		"fr-CA1":  "",
	}
	for in, want := range cases {
		if got := NormalizeCode(in); got != want {
			t.Fatalf("NormalizeCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDetectTitle_SkipsShortTitles(t *testing.T) {
	t.Parallel()

	for _, title := range []string{"", "   ", "Emma", "1984 / 2001"} {
		if got := DetectTitle(title); got != "" {
			t.Fatalf("DetectTitle(%q) = %q, want empty", title, got)
		}
	}
}

func TestDetectTitle_CatalogueLanguages(t *testing.T) {
	t.Parallel()

	cases := []struct {
		title string
		want  string
	}{
		{"The history of the decline and fall of the Roman empire", "en"},
		{"Die Leiden des jungen Werthers und andere Erzählungen aus der Zeit", "de"},
		{"À la recherche du temps perdu : du côté de chez Swann", "fr"},
		{"Cien años de soledad y otros cuentos de la familia Buendía", "es"},
	}
	for _, tc := range cases {
		if got := DetectTitle(tc.title); got != tc.want {
			t.Fatalf("DetectTitle(%q) = %q, want %q", tc.title, got, tc.want)
		}
	}
}
