package langdetect

import "strings"

// NormalizeCode reduces a language tag such as "en-GB" or "EN_us" to its
// lower-case primary subtag. Tags with anything but ASCII letters in a subtag
// normalize to "".
func NormalizeCode(raw string) string {
	subtags := strings.FieldsFunc(strings.ToLower(strings.TrimSpace(raw)), func(r rune) bool {
		return r == '-' || r == '_'
	})
	if len(subtags) == 0 {
		return ""
	}
	for _, subtag := range subtags {
		for _, r := range subtag {
			if r < 'a' || r > 'z' {
				return ""
			}
		}
	}
	return subtags[0]
}
