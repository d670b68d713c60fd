package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
)

func TestInsertIsIdempotentOnDeliveryID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rec := EventRecord{
		Source:     "github",
		EventType:  "push",
		DeliveryID: "d-1",
		Payload:    `{"zen":"Keep it simple"}`,
		ReceivedAt: time.Now().UTC(),
	}

	first, err := store.Insert(ctx, rec)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.NotZero(t, first.Record.ID)

	second, err := store.Insert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Record.ID, second.Record.ID)

	all, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), 999)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestListFiltersBySourceAndWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, _ = store.Insert(ctx, EventRecord{Source: "github", DeliveryID: "g1", ReceivedAt: base})
	_, _ = store.Insert(ctx, EventRecord{Source: "jira", DeliveryID: "j1", ReceivedAt: base.Add(time.Hour)})
	_, _ = store.Insert(ctx, EventRecord{Source: "github", DeliveryID: "g2", ReceivedAt: base.Add(2 * time.Hour)})

	githubOnly, err := store.List(ctx, ListFilter{Source: "github"})
	require.NoError(t, err)
	assert.Len(t, githubOnly, 2)

	windowed, err := store.List(ctx, ListFilter{Since: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, windowed, 2)

	limited, err := store.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestPurgeBeforeRemovesOldRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Now().UTC()
	_, _ = store.Insert(ctx, EventRecord{Source: "github", DeliveryID: "old", ReceivedAt: old})
	_, _ = store.Insert(ctx, EventRecord{Source: "github", DeliveryID: "new", ReceivedAt: recent})

	removed, err := store.PurgeBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	remaining, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "new", remaining[0].DeliveryID)
}
