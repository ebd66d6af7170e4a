// Package textnorm normalizes free text for matching and fingerprinting.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Fold applies NFKC, Unicode case folding and whitespace collapsing. Digits
// and punctuation are kept.
func Fold(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Words folds s and splits it on anything that is not a letter or digit.
func Words(s string) []string {
	return strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// CountPhrase counts the non-overlapping occurrences of phrase in text as a
// whole-word sequence. Both sides are folded with Words first.
func CountPhrase(text []string, phrase string) int {
	p := Words(phrase)
	if len(p) == 0 || len(p) > len(text) {
		return 0
	}
	n := 0
	for i := 0; i+len(p) <= len(text); {
		if matchAt(text, p, i) {
			n++
			i += len(p)
			continue
		}
		i++
	}
	return n
}

func matchAt(text, phrase []string, at int) bool {
	for j, w := range phrase {
		if text[at+j] != w {
			return false
		}
	}
	return true
}
