/*
 *  Copyright 2025 Gravitational, Inc
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 */

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evanhourigan/telemetry-gateway/internal/approvals"
	"github.com/evanhourigan/telemetry-gateway/internal/audit"
	"github.com/evanhourigan/telemetry-gateway/internal/config"
	"github.com/evanhourigan/telemetry-gateway/internal/eventbus"
	"github.com/evanhourigan/telemetry-gateway/internal/eventstore"
	"github.com/evanhourigan/telemetry-gateway/internal/policy"
	"github.com/evanhourigan/telemetry-gateway/internal/quota"
	"github.com/evanhourigan/telemetry-gateway/internal/rules"
	"github.com/evanhourigan/telemetry-gateway/internal/signal"
	"github.com/evanhourigan/telemetry-gateway/internal/webhookrouter"
	"github.com/evanhourigan/telemetry-gateway/internal/workflow"
)

// stubPolicy is a fixed-decision policy.Evaluator for tests that don't
// care about the builtin YAML table's reload machinery.
type stubPolicy struct {
	decision policy.Decision
	err      error
}

func (p stubPolicy) Evaluate(context.Context, string, map[string]any) (policy.Decision, error) {
	return p.decision, p.err
}

func newTestServer(t *testing.T, pol policy.Evaluator) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Root{
		RateLimitPerMinute: 1000,
		MaxPayloadBytes:    1 << 20,
		Integrations:       map[string]bool{"github": true},
		WebhookSecrets:     map[string]string{},
	}

	store := eventstore.NewMemoryStore()
	wh := webhookrouter.New(cfg, store, eventbus.NoopPublisher{}, nil, log)

	queue := workflow.NewMemoryQueue()
	enqueuer := workflow.Enqueuer{Queue: queue}
	approvalStore := approvals.NewMemoryStore()
	auditDB := audit.NewMemoryStore()
	approvalsSvc := approvals.NewService(approvalStore, enqueuer, auditDB, log)

	rulesPath := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte("rules: []\n"), 0o644))
	loader, err := rules.NewLoader(rulesPath, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.Close() })

	evaluator := signal.New(store, loader, pol, approvalsSvc, enqueuer, auditDB, log)
	quotas := quota.New(map[string]int{})

	return New(cfg, log, store, wh, approvalsSvc, queue, evaluator, loader.Rules, pol, quotas, nil, nil, nil, nil)
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rw := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rw, req)
	return rw
}

func TestHandleHealthWithoutDatabase(t *testing.T) {
	srv := newTestServer(t, stubPolicy{decision: policy.Decision{Mode: policy.ModeAuto, Action: "nudge_chat"}})
	rw := doRequest(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rw.Code)
}

func TestProposeApprovalThenDecide(t *testing.T) {
	srv := newTestServer(t, stubPolicy{decision: policy.Decision{Mode: policy.ModeAsk, Action: "nudge_chat", Risk: policy.RiskLow}})

	rw := doRequest(t, srv, http.MethodPost, "/v1/approvals/propose", map[string]any{
		"subject": "pr:42",
		"action":  "nudge_chat",
		"risk":    "low",
		"reason":  "stale PR",
	})
	require.Equal(t, http.StatusCreated, rw.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &created))
	id := int64(created["id"].(float64))

	// Duplicate proposal within TTL is a conflict (spec §4.6).
	rw2 := doRequest(t, srv, http.MethodPost, "/v1/approvals/propose", map[string]any{
		"subject": "pr:42",
		"action":  "nudge_chat",
		"risk":    "low",
		"reason":  "stale PR again",
	})
	require.Equal(t, http.StatusConflict, rw2.Code)

	decisionPath := "/v1/approvals/" + strconv.FormatInt(id, 10) + "/decision"
	rw3 := doRequest(t, srv, http.MethodPost, decisionPath, map[string]any{
		"decision": "approve",
		"acted_by": "alice",
	})
	require.Equal(t, http.StatusOK, rw3.Code)
	var decided map[string]any
	require.NoError(t, json.Unmarshal(rw3.Body.Bytes(), &decided))
	require.Equal(t, "approved", decided["status"])
	require.NotEmpty(t, decided["job_id"])

	// Re-deciding is a no-op, not an error.
	rw4 := doRequest(t, srv, http.MethodPost, decisionPath, map[string]any{
		"decision": "decline",
	})
	require.Equal(t, http.StatusOK, rw4.Code)
	var redecided map[string]any
	require.NoError(t, json.Unmarshal(rw4.Body.Bytes(), &redecided))
	require.Equal(t, "approved", redecided["status"])
}

func TestGetUnknownApprovalIs404(t *testing.T) {
	srv := newTestServer(t, stubPolicy{})
	rw := doRequest(t, srv, http.MethodGet, "/v1/approvals/999", nil)
	require.Equal(t, http.StatusNotFound, rw.Code)
}

func TestSignalsEvaluateRejectsUnknownShape(t *testing.T) {
	srv := newTestServer(t, stubPolicy{})
	rw := doRequest(t, srv, http.MethodPost, "/v1/signals/evaluate", map[string]any{"nonsense": true})
	require.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestSignalsEvaluateAcceptsInlineRules(t *testing.T) {
	srv := newTestServer(t, stubPolicy{})
	rw := doRequest(t, srv, http.MethodPost, "/v1/signals/evaluate", map[string]any{
		"rules": []map[string]any{
			{"name": "stale-prs", "kind": "stale_pr", "parameters": map[string]any{}},
		},
	})
	require.Equal(t, http.StatusOK, rw.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &resp))
	results := resp["results"].([]any)
	require.Len(t, results, 1)
}

func TestPolicyEvaluateReturnsDecision(t *testing.T) {
	srv := newTestServer(t, stubPolicy{decision: policy.Decision{Allow: true, Mode: policy.ModeAuto, Action: "nudge_chat", Risk: policy.RiskLow, Reason: "ok"}})
	rw := doRequest(t, srv, http.MethodPost, "/v1/policy/evaluate", map[string]any{"kind": "stale_pr"})
	require.Equal(t, http.StatusOK, rw.Code)
	var decision policy.Decision
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &decision))
	require.Equal(t, policy.ModeAuto, decision.Mode)
}

func TestRunWorkflowAutoModeEnqueues(t *testing.T) {
	srv := newTestServer(t, stubPolicy{decision: policy.Decision{Mode: policy.ModeAuto, Action: "nudge_chat"}})
	rw := doRequest(t, srv, http.MethodPost, "/v1/workflows/run", map[string]any{
		"rule_kind": "stale_pr",
		"subject":   "pr:7",
	})
	require.Equal(t, http.StatusOK, rw.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &resp))
	require.Equal(t, "queued", resp["status"])
	require.NotEmpty(t, resp["job_id"])
}

func TestQuotasSnapshot(t *testing.T) {
	srv := newTestServer(t, stubPolicy{})
	rw := doRequest(t, srv, http.MethodGet, "/v1/metrics/quotas", nil)
	require.Equal(t, http.StatusOK, rw.Code)
}

func TestRateLimitMiddlewareRejectsOverBudget(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Root{RateLimitPerMinute: 2, MaxPayloadBytes: 1 << 20, Integrations: map[string]bool{}, WebhookSecrets: map[string]string{}}
	store := eventstore.NewMemoryStore()
	wh := webhookrouter.New(cfg, store, eventbus.NoopPublisher{}, nil, log)
	queue := workflow.NewMemoryQueue()
	enqueuer := workflow.Enqueuer{Queue: queue}
	approvalStore := approvals.NewMemoryStore()
	auditDB := audit.NewMemoryStore()
	approvalsSvc := approvals.NewService(approvalStore, enqueuer, auditDB, log)
	rulesPath := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte("rules: []\n"), 0o644))
	loader, err := rules.NewLoader(rulesPath, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.Close() })
	evaluator := signal.New(store, loader, stubPolicy{}, approvalsSvc, enqueuer, auditDB, log)
	quotas := quota.New(map[string]int{})
	srv := New(cfg, log, store, wh, approvalsSvc, queue, evaluator, loader.Rules, stubPolicy{}, quotas, nil, nil, nil, nil)

	for range 2 {
		rw := doRequest(t, srv, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rw.Code)
	}
	rw := doRequest(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusTooManyRequests, rw.Code)
}
