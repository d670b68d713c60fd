package signal

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
	"github.com/evanhourigan/telemetry-gateway/internal/approvals"
	"github.com/evanhourigan/telemetry-gateway/internal/audit"
	"github.com/evanhourigan/telemetry-gateway/internal/eventstore"
	"github.com/evanhourigan/telemetry-gateway/internal/identity"
	"github.com/evanhourigan/telemetry-gateway/internal/policy"
	"github.com/evanhourigan/telemetry-gateway/internal/rules"
)

type fakePolicy struct {
	decision policy.Decision
	err      error
}

func (f fakePolicy) Evaluate(_ context.Context, _ string, _ map[string]any) (policy.Decision, error) {
	return f.decision, f.err
}

type fakeJobs struct {
	enqueued []string
	err      error
}

func (f *fakeJobs) Enqueue(_ context.Context, _, subject, _ string, _ map[string]any, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.enqueued = append(f.enqueued, subject)
	return "job-1", nil
}

type fakeApprovals struct {
	proposed []string
	err      error
}

func (f *fakeApprovals) Propose(_ context.Context, in approvals.ProposeInput) (approvals.Approval, error) {
	if f.err != nil {
		return approvals.Approval{}, f.err
	}
	f.proposed = append(f.proposed, in.Subject)
	return approvals.Approval{ID: int64(len(f.proposed)), Subject: in.Subject, Action: in.Action}, nil
}

func newTestEvaluator(t *testing.T, store eventstore.Store, ruleList []rules.Rule, pol policy.Evaluator, jobs JobEnqueuer, approver Approver) *Evaluator {
	t.Helper()
	// loader is exercised directly via Evaluate(ctx, ruleList) in these
	// tests; the Run-loop path is covered by TestRunStopsOnContextCancel.
	return &Evaluator{
		store:     store,
		policy:    pol,
		jobs:      jobs,
		approvals: approver,
		auditDB:   audit.NewMemoryStore(),
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		interval:  time.Millisecond,
	}
}

func seedStalePR(t *testing.T, store *eventstore.MemoryStore) {
	insertPR(t, store, "d1", "acme/widgets", 1, func(p *prPayload) {
		p.UpdatedAt = time.Now().UTC().Add(-200 * time.Hour)
	})
}

func TestEvaluateAutoModeEnqueuesJob(t *testing.T) {
	store := eventstore.NewMemoryStore()
	seedStalePR(t, store)

	jobs := &fakeJobs{}
	approver := &fakeApprovals{}
	pol := fakePolicy{decision: policy.Decision{Allow: true, Action: "nudge_chat", Mode: policy.ModeAuto, Risk: policy.RiskLow}}

	e := newTestEvaluator(t, store, nil, pol, jobs, approver)
	results := e.Evaluate(context.Background(), []rules.Rule{{Name: "stale-prs", Kind: rules.KindStalePR}})

	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Matches)
	assert.Equal(t, []string{"pr:acme/widgets#1"}, jobs.enqueued)
	assert.Empty(t, approver.proposed)
}

func TestEvaluateAskModeProposesApproval(t *testing.T) {
	store := eventstore.NewMemoryStore()
	seedStalePR(t, store)

	jobs := &fakeJobs{}
	approver := &fakeApprovals{}
	pol := fakePolicy{decision: policy.Decision{Allow: true, Action: "assign_reviewer", Mode: policy.ModeAsk, Risk: policy.RiskMedium}}

	e := newTestEvaluator(t, store, nil, pol, jobs, approver)
	e.Evaluate(context.Background(), []rules.Rule{{Name: "stale-prs", Kind: rules.KindStalePR}})

	assert.Equal(t, []string{"pr:acme/widgets#1"}, approver.proposed)
	assert.Empty(t, jobs.enqueued)
}

func TestEvaluateDedupsWithinOnePass(t *testing.T) {
	store := eventstore.NewMemoryStore()
	seedStalePR(t, store)

	jobs := &fakeJobs{}
	approver := &fakeApprovals{}
	pol := fakePolicy{decision: policy.Decision{Allow: true, Action: "nudge_chat", Mode: policy.ModeAuto}}

	e := newTestEvaluator(t, store, nil, pol, jobs, approver)
	// The same rule evaluated twice in one Evaluate call must still only
	// enqueue once per (rule_name, subject).
	e.Evaluate(context.Background(), []rules.Rule{
		{Name: "stale-prs", Kind: rules.KindStalePR},
		{Name: "stale-prs", Kind: rules.KindStalePR},
	})

	assert.Len(t, jobs.enqueued, 1)
}

func TestEvaluateUnsupportedKindReportsError(t *testing.T) {
	store := eventstore.NewMemoryStore()
	e := newTestEvaluator(t, store, nil, fakePolicy{}, &fakeJobs{}, &fakeApprovals{})

	results := e.Evaluate(context.Background(), []rules.Rule{{Name: "bogus", Kind: rules.Kind("not_real")}})
	require.Len(t, results, 1)
	assert.NotEmpty(t, results[0].Error)
}

func TestEvaluateApprovalConflictIsNotFatal(t *testing.T) {
	store := eventstore.NewMemoryStore()
	seedStalePR(t, store)

	approver := &fakeApprovals{err: apperrors.NewConflictError("already pending")}
	pol := fakePolicy{decision: policy.Decision{Allow: true, Action: "assign_reviewer", Mode: policy.ModeAsk}}

	e := newTestEvaluator(t, store, nil, pol, &fakeJobs{}, approver)
	results := e.Evaluate(context.Background(), []rules.Rule{{Name: "stale-prs", Kind: rules.KindStalePR}})

	require.Len(t, results, 1)
	assert.Empty(t, results[0].Error)
}

func TestResolveAssigneeFallsBackWithoutIdentityStore(t *testing.T) {
	e := newTestEvaluator(t, eventstore.NewMemoryStore(), nil, fakePolicy{}, &fakeJobs{}, &fakeApprovals{})
	assert.Equal(t, "octocat", e.resolveAssignee(context.Background(), "octocat"))
}

func TestResolveAssigneeUsesIdentityMapping(t *testing.T) {
	e := newTestEvaluator(t, eventstore.NewMemoryStore(), nil, fakePolicy{}, &fakeJobs{}, &fakeApprovals{})

	store := identity.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), identity.Mapping{
		ExternalType: "github",
		ExternalID:   "octocat",
		UserID:       "user-42",
	}))
	e.identity = store

	assert.Equal(t, "user-42", e.resolveAssignee(context.Background(), "octocat"))
	// An unmapped login still contributes to its own WIP count rather than
	// silently dropping out of the evaluation.
	assert.Equal(t, "unknown-login", e.resolveAssignee(context.Background(), "unknown-login"))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := eventstore.NewMemoryStore()
	e := newTestEvaluator(t, store, nil, fakePolicy{}, &fakeJobs{}, &fakeApprovals{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
