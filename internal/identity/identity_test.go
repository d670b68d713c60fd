package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
)

func TestUpsertAndResolve(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	m := Mapping{ExternalType: "github", ExternalID: "octocat", UserID: "u-1"}
	require.NoError(t, store.Upsert(ctx, m))

	got, err := store.Resolve(ctx, "github", "octocat")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.UserID)
}

func TestUpsertRejectsMissingFields(t *testing.T) {
	err := NewMemoryStore().Upsert(context.Background(), Mapping{ExternalType: "github"})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestResolveUnknownReturnsNotFound(t *testing.T) {
	_, err := NewMemoryStore().Resolve(context.Background(), "github", "nobody")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestUpsertOverwritesExisting(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(ctx, Mapping{ExternalType: "slack", ExternalID: "U1", UserID: "u-1"}))
	require.NoError(t, store.Upsert(ctx, Mapping{ExternalType: "slack", ExternalID: "U1", UserID: "u-2"}))

	got, err := store.Resolve(ctx, "slack", "U1")
	require.NoError(t, err)
	assert.Equal(t, "u-2", got.UserID)
}
