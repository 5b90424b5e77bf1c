package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		want   Event
	}{
		{"created", CreatedFields("t-1"), Created{ThoughtID: "t-1"}},
		{"missing id", map[string]string{FieldType: TypeThoughtCreated}, Unknown{Type: TypeThoughtCreated, Reason: "missing thought_id"}},
		{"no type", map[string]string{"thought_id": "t-1"}, Unknown{Reason: "missing type"}},
		{"other type", map[string]string{FieldType: "thought.deleted"}, Unknown{Type: "thought.deleted", Reason: "unsupported type"}},
		{"nil fields", nil, Unknown{Reason: "missing type"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decode(Entry{Fields: tt.fields}))
		})
	}
}

func TestStreamNames(t *testing.T) {
	assert.Equal(t, "thoughts:acme", StreamName("acme"))

	tenant, ok := TenantFromStream("thoughts:acme")
	assert.True(t, ok)
	assert.Equal(t, "acme", tenant)

	_, ok = TenantFromStream("audit:acme")
	assert.False(t, ok)
	_, ok = TenantFromStream("thoughts:")
	assert.False(t, ok)
}
