package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerms(t *testing.T) {
	assert.Equal(t, []string{"redis", "pipelining"}, terms("How does Redis pipelining?"))
	assert.Equal(t, []string{"the", "a"}, terms("The a"), "all stopwords fall back to raw terms")
	assert.Empty(t, terms("?!"))
}

func TestCoverage(t *testing.T) {
	content := "Redis pipelining reduces round trips"
	assert.Equal(t, float32(1), coverage(terms("pipelining"), content))
	assert.Equal(t, float32(0.5), coverage(terms("redis latency"), content))
	assert.Equal(t, float32(1), coverage(terms("trip"), content), "prefix of a content term")
	assert.Equal(t, float32(0), coverage(terms("kafka"), content))
	assert.Equal(t, float32(0), coverage(nil, content))
}
