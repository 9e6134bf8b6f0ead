package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHit_Values(t *testing.T) {
	hit := Hit{
		Source: map[string]any{
			"host":      map[string]any{"name": "web-1"},
			"user.name": "alice",
			"process": map[string]any{
				"args": []any{"-a", "-b"},
			},
			"threat": []any{
				map[string]any{"ip": "1.1.1.1"},
				map[string]any{"ip": "2.2.2.2"},
			},
			"empty": nil,
		},
		Fields: map[string][]any{"agent.id": {"abc"}},
	}

	assert.Equal(t, []any{"web-1"}, hit.Values("host.name"))
	assert.Equal(t, []any{"alice"}, hit.Values("user.name"))
	assert.Equal(t, []any{"-a", "-b"}, hit.Values("process.args"))
	assert.Equal(t, []any{"1.1.1.1", "2.2.2.2"}, hit.Values("threat.ip"))
	assert.Equal(t, []any{"abc"}, hit.Values("agent.id"))
	assert.Nil(t, hit.Values("missing.field"))

	assert.True(t, hit.Has("host.name"))
	assert.False(t, hit.Has("empty"))
	assert.False(t, hit.Has("missing"))
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
	}{
		{"rfc3339", "2024-05-01T12:00:00Z"},
		{"rfc3339 offset", "2024-05-01T14:00:00+02:00"},
		{"epoch millis number", json.Number("1714564800000")},
		{"epoch millis float", float64(1714564800000)},
		{"epoch millis string", "1714564800000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTimestamp(tt.in)
			assert.True(t, ok)
			assert.True(t, want.Equal(got), "got %s", got)
		})
	}

	_, ok := ParseTimestamp("yesterday")
	assert.False(t, ok)
}

func TestHit_ResolveTimestamp(t *testing.T) {
	hit := Hit{Source: map[string]any{"@timestamp": "2024-05-01T12:00:00Z"}}
	assert.True(t, hit.ResolveTimestamp("event.ingested", "@timestamp"))
	assert.Equal(t, 2024, hit.Timestamp.Year())

	assert.False(t, (&Hit{}).ResolveTimestamp("@timestamp"))
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("logs-1", "doc-1", int64(1), "rule-1default")
	b := Fingerprint("logs-1", "doc-1", int64(1), "rule-1default")
	c := Fingerprint("logs-1", "doc-1", int64(2), "rule-1default")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	// map ordering does not leak into the hash
	m1 := map[string]any{"a": 1, "b": 2}
	m2 := map[string]any{"b": 2, "a": 1}
	assert.Equal(t, Fingerprint(m1), Fingerprint(m2))
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "abc", ValueString("abc"))
	assert.Equal(t, "42", ValueString(json.Number("42")))
	assert.Equal(t, "1.5", ValueString(1.5))
	assert.Equal(t, "true", ValueString(true))
	assert.Equal(t, "", ValueString(nil))
}
