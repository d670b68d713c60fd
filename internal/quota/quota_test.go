package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
)

func TestConsumeUnderCapSucceeds(t *testing.T) {
	c := New(map[string]int{"slack_posts": 2})
	require.NoError(t, c.Consume("slack_posts"))
	require.NoError(t, c.Consume("slack_posts"))
	assert.Equal(t, 2, c.Current("slack_posts"))
}

func TestConsumeOverCapFails(t *testing.T) {
	c := New(map[string]int{"slack_posts": 1})
	require.NoError(t, c.Consume("slack_posts"))

	err := c.Consume("slack_posts")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindUnavailable))
	assert.Equal(t, 1, c.Current("slack_posts"))
}

func TestUncappedKindNeverFails(t *testing.T) {
	c := New(nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Consume("rag_searches"))
	}
	assert.Equal(t, 10, c.Current("rag_searches"))
}

func TestResetsOnDayBoundary(t *testing.T) {
	c := New(map[string]int{"slack_posts": 1})
	day1 := time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 0, 0, 1, 0, time.UTC)

	c.nowFunc = func() time.Time { return day1 }
	require.NoError(t, c.Consume("slack_posts"))
	require.Error(t, c.Consume("slack_posts"))

	c.nowFunc = func() time.Time { return day2 }
	require.NoError(t, c.Consume("slack_posts"))
}

func TestSnapshotReturnsCopy(t *testing.T) {
	c := New(map[string]int{"slack_posts": 5})
	require.NoError(t, c.Consume("slack_posts"))

	snap := c.Snapshot()
	snap["slack_posts"] = 999
	assert.Equal(t, 1, c.Current("slack_posts"))
}
