package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mew-protocol/mew/pkg/capability"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestAuditorWritesBothLogs(t *testing.T) {
	dir := t.TempDir()

	auditor, err := New(dir, 0)
	require.NoError(t, err)
	require.NotNil(t, auditor)

	auditor.RecordEnvelope(EnvelopeRecord{
		Event:      EventReceived,
		EnvelopeID: "e1",
		TS:         "2026-08-26T00:00:00.000Z",
		From:       "alice",
		Kind:       "chat",
	})
	auditor.RecordEnvelope(EnvelopeRecord{
		Event:      EventRejected,
		EnvelopeID: "e2",
		From:       "mallory",
		Kind:       "mcp/request",
		Reason:     "capability_violation",
	})
	auditor.RecordDecision(DecisionRecord{
		Result:             ResultDenied,
		Participant:        "mallory",
		EnvelopeID:         "e2",
		RequiredCapability: "mcp/request",
	})
	auditor.RecordDecision(DecisionRecord{
		Result:             ResultAllowed,
		Participant:        "alice",
		EnvelopeID:         "e1",
		RequiredCapability: "chat",
		MatchedRule:        &capability.Rule{Kind: "chat"},
	})

	require.NoError(t, auditor.Close())

	history := readLines(t, filepath.Join(dir, HistoryFileName))
	require.Len(t, history, 2)
	assert.Equal(t, "received", history[0]["event"])
	assert.Equal(t, "e1", history[0]["envelope_id"])
	assert.Equal(t, "rejected", history[1]["event"])
	assert.Equal(t, "capability_violation", history[1]["reason"])

	decisions := readLines(t, filepath.Join(dir, DecisionsFileName))
	require.Len(t, decisions, 2)
	assert.Equal(t, "capability_check", decisions[0]["event"])
	assert.Equal(t, "denied", decisions[0]["result"])
	assert.Equal(t, "allowed", decisions[1]["result"])
	matched := decisions[1]["matched_rule"].(map[string]any)
	assert.Equal(t, "chat", matched["kind"])
}

func TestJSONLRotation(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "log.jsonl")
	w, err := newJSONLWriter(path, 64)
	require.NoError(t, err)

	line := []byte(`{"event":"received","envelope_id":"e1"}`)
	require.NoError(t, w.WriteLine(line))
	require.NoError(t, w.WriteLine(line))
	require.NoError(t, w.Close())

	// The second write pushed past the threshold, so the first line moved to
	// the rotated sibling.
	rotated, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Contains(t, string(rotated), "e1")

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(current), "e1")
}

func TestNilAuditorIsNoop(t *testing.T) {
	t.Parallel()

	var auditor *Auditor
	auditor.RecordEnvelope(EnvelopeRecord{EnvelopeID: "e1"})
	auditor.RecordDecision(DecisionRecord{EnvelopeID: "e1"})
	assert.NoError(t, auditor.Close())
}

func TestAuditorDisabledByEnv(t *testing.T) {
	t.Setenv("GATEWAY_LOGGING", "false")

	auditor, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	assert.Nil(t, auditor)
}
