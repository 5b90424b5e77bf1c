package thought

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"redis pipelining", "redis pipelining"},
		{"  redis \t pipelining\n", "redis pipelining"},
		{"Redis   Pipelining", "Redis Pipelining"},
		{"\n\t ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in))
	}
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint("redis pipelining"), Fingerprint("  redis\n\npipelining "))
	assert.NotEqual(t, Fingerprint("redis pipelining"), Fingerprint("Redis pipelining"), "case is significant")
	assert.Len(t, Fingerprint("x"), 64)
}

func TestValidateTenant(t *testing.T) {
	for _, ok := range []string{"acme", "tenant_1", "A-b-C", "x"} {
		assert.NoError(t, ValidateTenant(ok), ok)
	}
	for _, bad := range []string{"", "-lead", "has space", "a:b", "ümlaut", strings.Repeat("a", 65)} {
		err := ValidateTenant(bad)
		assert.True(t, errors.Is(err, ErrInvalidTenant), bad)
	}
}
