// Package langdetect guesses the language of catalogue titles so clusters
// can be filtered by language in search.
package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

// minLetters is the shortest title, in letters, worth guessing at.
const minLetters = 8

// titleLanguages are the catalogue languages told apart. Restricting the set
// keeps the models small and stops short titles being scattered across
// rarely seen languages.
var titleLanguages = []lingua.Language{
	lingua.English,
	lingua.German,
	lingua.French,
	lingua.Spanish,
	lingua.Italian,
	lingua.Portuguese,
	lingua.Dutch,
	lingua.Swedish,
	lingua.Danish,
	lingua.Bokmal,
	lingua.Finnish,
	lingua.Polish,
	lingua.Welsh,
	lingua.Latin,
	lingua.Russian,
	lingua.Japanese,
	lingua.Chinese,
	lingua.Arabic,
}

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// DetectTitle returns the ISO 639-1 code of title's language, or "" when the
// title is too short or no language is a clear fit.
func DetectTitle(title string) string {
	sample := strings.TrimSpace(title)
	if sample == "" {
		return ""
	}

	letters := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if letters < minLetters {
		return ""
	}

	language, exists := getDetector().DetectLanguageOf(sample)
	if !exists {
		return ""
	}

	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(titleLanguages...).
			Build()
	})
	return detector
}
