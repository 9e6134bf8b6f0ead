package commands

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/engine"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

const testRule = `
id: rule-1
name: Encoded PowerShell
type: query
index: [logs-*]
from: now-5m
interval: 5m
filter: {field: process.name, operator: eq, value: powershell.exe}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeRule(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPlan_File(t *testing.T) {
	path := writeRule(t, t.TempDir(), "rule.yaml", testRule)

	out, err := execute(t, "plan", "--file", path,
		"--now", "2026-03-01T12:00:00Z",
		"--previous-started-at", "2026-03-01T11:35:00Z")
	require.NoError(t, err)

	var plan planOutput
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, "rule-1", plan.RuleID)
	assert.Equal(t, "20m0s", plan.Gap)
	assert.Equal(t, 4, plan.CatchupTuples)
	require.Len(t, plan.Tuples, 5)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := plan.Tuples[4]
	assert.True(t, now.Equal(last.To))
	assert.True(t, now.Add(-5*time.Minute).Equal(last.From))
}

func TestPlan_InvalidTime(t *testing.T) {
	path := writeRule(t, t.TempDir(), "rule.yaml", testRule)
	_, err := execute(t, "plan", "--file", path, "--now", "yesterday", "--previous-started-at", "")
	assert.ErrorContains(t, err, "invalid --now")
}

func TestImport_DryRun(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "a.yaml", testRule)
	writeRule(t, dir, "b.yml", "name: Second\ntype: query\nindex: [logs-*]\n")

	out, err := execute(t, "import", "--dir", dir, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "default\trule-1\tquery\tEncoded PowerShell")
	assert.Contains(t, out, "2 rules valid")
}

func TestImport_DryRunInvalid(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "bad.yaml", "name: Broken\ntype: threshold\nindex: [logs-*]\n")

	_, err := execute(t, "import", "--dir", dir, "--dry-run")
	assert.ErrorIs(t, err, models.ErrInvalidRule)
}

func TestSummarize(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := summarize(&engine.Report{
		ExecutionID: "exec-1",
		Status:      models.StatusPartialFailure,
		StartedAt:   started,
		FinishedAt:  started.Add(1500 * time.Millisecond),
		Result: engine.RunResult{
			TuplesSucceeded: 2,
			TuplesFailed:    1,
			CreatedCount:    5,
			SuppressedCount: 3,
			Warnings:        []string{"gap"},
		},
	})
	assert.Equal(t, 3, out.Tuples)
	assert.Equal(t, 5, out.AlertsCreated)
	assert.Equal(t, 3, out.AlertsSuppressed)
	assert.Equal(t, "1.5s", out.Duration)
}
