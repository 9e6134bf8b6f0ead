package importer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-detection/common/logging"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

const singleRule = `
name: Brute force login
type: threshold
severity: high
risk_score: 73
index: [logs-auth-*]
filter:
  field: event.outcome
  operator: eq
  value: failure
threshold:
  field: [source.ip]
  value: 20
alert_suppression:
  group_by: [source.ip]
  duration: {value: 1, unit: h}
`

const ruleList = `
rules:
  - id: ps-encoded
    name: Encoded PowerShell
    type: query
    index: [logs-endpoint-*]
    interval: 10m
    from: now-11m
    filter:
      type: and
      conditions:
        - {field: process.name, operator: eq, value: powershell.exe}
        - {field: process.args, operator: contains, value: -enc}
  - name: New admin user
    type: new_terms
    space_id: security
    index: [logs-*]
    new_terms:
      fields: [user.name]
      history_window_start: now-7d
---
name: Known bad IP
type: threat_match
index: [logs-*]
threat_match:
  threat_index: [threat-intel-*]
  threat_mapping:
    - entries:
        - {field: source.ip, value: threat.indicator.ip}
`

func TestParse_SingleRule(t *testing.T) {
	rules, err := Parse(strings.NewReader(singleRule), DefaultDefaults())
	require.NoError(t, err)
	require.Len(t, rules, 1)

	r := rules[0]
	assert.Equal(t, RuleID("default", "Brute force login"), r.ID)
	assert.Equal(t, "default", r.SpaceID)
	assert.Equal(t, models.RuleTypeThreshold, r.Type)
	assert.Equal(t, "now-6m", r.From)
	assert.Equal(t, "now", r.To)
	assert.Equal(t, "5m", r.Interval)
	assert.Equal(t, 100, r.MaxSignals)
	assert.Equal(t, 1, r.Version)
	assert.Equal(t, 20, r.Threshold.Value)
	assert.Equal(t, "failure", r.Filter.Value)
	require.NotNil(t, r.Suppression)
	assert.Equal(t, []string{"source.ip"}, r.Suppression.GroupBy)
	assert.Equal(t, "h", r.Suppression.Duration.Unit)
}

func TestParse_MultipleDocuments(t *testing.T) {
	rules, err := Parse(strings.NewReader(ruleList), DefaultDefaults())
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, "ps-encoded", rules[0].ID, "explicit ids are kept")
	assert.Equal(t, "10m", rules[0].Interval)
	assert.Len(t, rules[0].Filter.Conditions, 2)

	assert.Equal(t, "security", rules[1].SpaceID)
	assert.Equal(t, RuleID("security", "New admin user"), rules[1].ID)
	assert.Equal(t, []string{"user.name"}, rules[1].NewTerms.Fields)

	assert.Equal(t, models.RuleTypeThreatMatch, rules[2].Type)
	assert.Equal(t, "threat.indicator.ip", rules[2].ThreatMatch.ThreatMapping[0].Entries[0].Value)
}

func TestRuleID_Stable(t *testing.T) {
	assert.Equal(t, RuleID("default", "a"), RuleID("default", "a"))
	assert.NotEqual(t, RuleID("default", "a"), RuleID("other", "a"))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "malformed yaml", doc: "name: [unterminated"},
		{name: "unknown type", doc: "name: x\ntype: magic\nindex: [logs-*]\n"},
		{name: "threshold without params", doc: "name: x\ntype: threshold\nindex: [logs-*]\n"},
		{name: "missing name", doc: "type: query\nindex: [logs-*]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc), DefaultDefaults())
			assert.Error(t, err)
		})
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yaml", ruleList)
	writeFile(t, dir, "a.yml", singleRule)
	writeFile(t, dir, "nested/README.md", "not a rule")

	rules, err := LoadDir(dir, DefaultDefaults())
	require.NoError(t, err)
	require.Len(t, rules, 4)
	assert.Equal(t, "Brute force login", rules[0].Name, "files load in lexical order")

	writeFile(t, dir, "nested/dup.yaml", singleRule)
	_, err = LoadDir(dir, DefaultDefaults())
	assert.ErrorContains(t, err, "duplicate rule id")
}

type memStore struct {
	rules map[string]*models.Rule
	fail  string
}

func (m *memStore) UpsertRule(_ context.Context, rule *models.Rule) error {
	if rule.ID == m.fail {
		return errors.New("db down")
	}
	m.rules[rule.ID] = rule
	return nil
}

func TestImport(t *testing.T) {
	rules, err := Parse(strings.NewReader(ruleList), DefaultDefaults())
	require.NoError(t, err)
	logger := logging.NewWithWriter(io.Discard, slog.LevelError, "json")

	store := &memStore{rules: map[string]*models.Rule{}}
	n, err := Import(context.Background(), store, rules, logger)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Contains(t, store.rules, "ps-encoded")

	store = &memStore{rules: map[string]*models.Rule{}, fail: rules[1].ID}
	n, err = Import(context.Background(), store, rules, logger)
	assert.ErrorContains(t, err, "db down")
	assert.Equal(t, 1, n)
}
