package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	assert.Equal(t, "renewal due in 30 days", Fold("  Renewal   DUE in\t30 days "))
	// NFKC maps the full-width digits and the ligature.
	assert.Equal(t, "office 12", Fold("Oﬃce １２"))
	assert.Equal(t, "strasse", Fold("STRASSE"))
	assert.Equal(t, Fold("Straße"), Fold("STRASSE"))
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"q3", "review", "acme", "corp"}, Words("Q3 review: ACME-Corp!"))
	assert.Empty(t, Words("  -- "))
}

func TestCountPhrase(t *testing.T) {
	text := Words("Acme Corp sync; acme corp roadmap and ACME widgets")
	assert.Equal(t, 2, CountPhrase(text, "Acme Corp"))
	assert.Equal(t, 3, CountPhrase(text, "acme"))
	assert.Equal(t, 0, CountPhrase(text, "acme rockets"))
	assert.Equal(t, 0, CountPhrase(text, ""))
	assert.Equal(t, 0, CountPhrase(Words("acme"), "acme corp"))
}
