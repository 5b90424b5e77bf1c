package search

import (
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {}, "on": {},
	"at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "by": {}, "from": {}, "as": {},
	"is": {}, "was": {}, "are": {}, "be": {}, "been": {}, "have": {}, "has": {}, "had": {},
	"do": {}, "does": {}, "did": {}, "will": {}, "would": {}, "could": {}, "should": {},
	"can": {}, "this": {}, "that": {}, "these": {}, "those": {}, "it": {}, "we": {},
	"they": {}, "what": {}, "which": {}, "who": {}, "when": {}, "where": {}, "how": {},
}

// terms lowercases text, splits on anything that is not a letter or digit
// and drops stopwords. If every term is a stopword the unfiltered terms are
// returned.
func terms(text string) []string {
	all := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	kept := make([]string, 0, len(all))
	for _, t := range all {
		if _, stop := stopwords[t]; !stop {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return all
	}
	return kept
}

// coverage is the fraction of distinct query terms that occur in content,
// either exactly or as a prefix of a content term (so "pipeline" covers
// "pipelines").
func coverage(queryTerms []string, content string) float32 {
	distinct := make(map[string]struct{}, len(queryTerms))
	for _, t := range queryTerms {
		distinct[t] = struct{}{}
	}
	if len(distinct) == 0 {
		return 0
	}

	docTerms := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	found := 0
	for q := range distinct {
		for _, d := range docTerms {
			if d == q || (len(q) >= 4 && strings.HasPrefix(d, q)) {
				found++
				break
			}
		}
	}
	return float32(found) / float32(len(distinct))
}
