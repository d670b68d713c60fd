package policy

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicyFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestBuiltinEvaluatorMatchesConfiguredKind(t *testing.T) {
	path := writePolicyFile(t, `
actions:
  stale_pr:
    action: block
    mode: require_approval
    risk: high
`)
	ev, err := NewBuiltinEvaluator(path, slog.Default())
	require.NoError(t, err)
	defer ev.Close()

	decision, err := ev.Evaluate(context.Background(), "stale_pr", nil)
	require.NoError(t, err)
	assert.Equal(t, "block", decision.Action)
	assert.Equal(t, ModeRequireApproval, decision.Mode)
	assert.Equal(t, RiskHigh, decision.Risk)
}

func TestBuiltinEvaluatorFallsBackForUnknownKind(t *testing.T) {
	path := writePolicyFile(t, `actions: {}`)
	ev, err := NewBuiltinEvaluator(path, slog.Default())
	require.NoError(t, err)
	defer ev.Close()

	decision, err := ev.Evaluate(context.Background(), "never_seen", nil)
	require.NoError(t, err)
	assert.Equal(t, fallback, decision)
}

func TestParseDocumentRejectsInvalidMode(t *testing.T) {
	_, err := parseDocument([]byte(`
actions:
  stale_pr:
    action: block
    mode: not_a_mode
    risk: high
`))
	require.Error(t, err)
}

type stubEvaluator struct {
	decision Decision
	err      error
}

func (s stubEvaluator) Evaluate(context.Context, string, map[string]any) (Decision, error) {
	return s.decision, s.err
}

func TestExternalEvaluatorFallsBackOnError(t *testing.T) {
	external := stubEvaluator{err: assertErr{"network down"}}
	fallbackEv := stubEvaluator{decision: Decision{Action: "nudge", Mode: ModeAsk}}

	composite := NewExternalEvaluator(external, fallbackEv, slog.Default())
	decision, err := composite.Evaluate(context.Background(), "stale_pr", nil)
	require.NoError(t, err)
	assert.Equal(t, "nudge", decision.Action)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
