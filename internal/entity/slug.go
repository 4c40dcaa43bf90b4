// Package entity finds entity mentions in memories and queries and resolves
// them against the entity registry, creating entities on first sight.
package entity

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Slugify turns a name into its URL-safe registry key: diacritics are
// stripped, letters lowercased and every run of other characters collapsed
// into a single hyphen. "José García" becomes "jose-garcia".
func Slugify(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}

	var b strings.Builder
	pendingDash := false
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// NormalizeAlias returns the stored form of an alias: NFC, case folded,
// inner whitespace collapsed and surrounding punctuation trimmed. Unlike
// the slug it keeps diacritics and spacing.
func NormalizeAlias(name string) string {
	s := cases.Fold().String(norm.NFC.String(name))
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, ".,;:!?\"'()[]{}<>")
}
