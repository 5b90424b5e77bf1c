package embeddings

import (
	"strings"
	"unicode"
)

var quoteReplacer = strings.NewReplacer(
	"‘", "'", "’", "'", "‚", "'", "‛", "'",
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`,
	"«", `"`, "»", `"`,
)

// NormalizeText prepares content for embedding. It straightens curly
// quotes, collapses runs of the same punctuation mark to one, collapses
// whitespace to single spaces and trims the ends. Case is preserved.
func NormalizeText(text string) string {
	text = quoteReplacer.Replace(text)

	var b strings.Builder
	b.Grow(len(text))
	var prev rune
	space := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			prev = 0
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		if unicode.IsPunct(r) && r == prev {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}
