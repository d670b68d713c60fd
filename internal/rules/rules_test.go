package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidDocument(t *testing.T) {
	doc, err := Parse([]byte(`
rules:
  - name: stale-prs
    kind: stale_pr
    parameters:
      older_than_hours: 48
  - name: wip-limit
    kind: wip_limit_exceeded
    parameters:
      limit: 5
`))
	require.NoError(t, err)
	require.Len(t, doc.Rules, 2)
	assert.Equal(t, KindStalePR, doc.Rules[0].Kind)
	assert.EqualValues(t, 48, doc.Rules[0].Parameters["older_than_hours"])
}

func TestParseRejectsUnknownKind(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - name: bogus
    kind: not_a_real_kind
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("not: valid: yaml: [")) // nolint:goconst
	require.Error(t, err)
}

func TestParseEmptyDocument(t *testing.T) {
	doc, err := Parse([]byte(``))
	require.NoError(t, err)
	assert.Empty(t, doc.Rules)
}
