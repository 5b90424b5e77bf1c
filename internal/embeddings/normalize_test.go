package embeddings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"only whitespace", " \t\n ", ""},
		{"collapses whitespace", "  the   quick\n\tfox  ", "the quick fox"},
		{"curly quotes", "“it’s” ‘fine’", `"it's" 'fine'`},
		{"repeated punctuation", "wait!!! really??", "wait! really?"},
		{"mixed punctuation kept", "what?!", "what?!"},
		{"case preserved", "Go Is Fun", "Go Is Fun"},
		{"punctuation across spaces", "! !", "! !"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeText(tt.in))
		})
	}
}
