package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/scoring"
)

func writeReplayFile(t *testing.T) string {
	t.Helper()

	t0 := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	var lines []string
	for i := range 30 {
		lines = append(lines, fmt.Sprintf(
			`{"provider":"aws","record":{"eventID":"e%d","eventTime":%q,"eventName":"ListBucket","eventSource":"s3.amazonaws.com","sourceIPAddress":"10.0.0.1","userIdentity":{"type":"IAMUser","userName":"ops"}}}`,
			i, t0.Add(time.Duration(i)*time.Minute).Format(time.RFC3339),
		))
	}
	lines = append(lines, fmt.Sprintf(
		`{"provider":"aws","record":{"eventID":"stop","eventTime":%q,"eventName":"StopLogging","eventSource":"cloudtrail.amazonaws.com","userIdentity":{"type":"IAMUser","userName":"ops"}}}`,
		t0.Add(time.Hour).Format(time.RFC3339),
	))
	lines = append(lines, `not json`)

	path := filepath.Join(t.TempDir(), "replay.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600))
	return path
}

func TestRunCmd_PrintsSummary(t *testing.T) {
	t.Setenv("ALERT_DESTINATION", "log")
	t.Setenv("AUDIT_STORE", "memory")
	path := writeReplayFile(t)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"run", path})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "records 32\n")
	assert.Contains(t, out.String(), "outcome alerted ")
	assert.Contains(t, out.String(), "reason malformed_record 1\n")
}

func TestTrainCmd_WritesLoadableModel(t *testing.T) {
	path := writeReplayFile(t)
	modelPath := filepath.Join(t.TempDir(), "model.json")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"train", path, "--output", modelPath, "--version", "forest-test", "--trees", "5"})
	require.NoError(t, cmd.Execute())

	m, err := scoring.LoadModel(modelPath)
	require.NoError(t, err)
	assert.Equal(t, "forest-test", m.Version)
	assert.Equal(t, scoring.KindIsolationForest, m.Kind)
	assert.Len(t, m.Forest.Trees, 5)
}

func TestRunCmd_RequiresFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"run"})
	assert.Error(t, cmd.Execute())
}
