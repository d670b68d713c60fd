package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndListBySubject(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Append(ctx, Entry{Subject: "pr:1", Action: "nudge", Outcome: OutcomeProposed}))
	require.NoError(t, store.Append(ctx, Entry{Subject: "pr:2", Action: "nudge", Outcome: OutcomeProposed}))
	require.NoError(t, store.Append(ctx, Entry{Subject: "pr:1", Action: "nudge", Outcome: OutcomeExecuted}))

	entries, err := store.ListBySubject(ctx, "pr:1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, OutcomeExecuted, entries[0].Outcome)
	assert.Equal(t, OutcomeProposed, entries[1].Outcome)
}

type failingStore struct{}

func (failingStore) Append(context.Context, Entry) error { return errors.New("disk full") }
func (failingStore) ListBySubject(context.Context, string, int) ([]Entry, error) {
	return nil, nil
}

func TestAppendBestEffortSwallowsErrors(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	assert.NotPanics(t, func() {
		AppendBestEffort(context.Background(), log, failingStore{}, Entry{Subject: "pr:1"})
	})
	assert.Contains(t, buf.String(), "failed to append action log entry")
}
