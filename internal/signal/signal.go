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

// Package signal is the periodic rule engine (component F): it runs
// YAML-defined rules over the Event Store, calls the Policy Evaluator for
// each match, and either enqueues a workflow job directly (mode=auto) or
// proposes an Approval (mode=ask|require_approval), appending a
// "proposed" ActionLogEntry either way (spec §4.5). Modeled on the
// teacher's ReleaseService.Run select-loop and reconcileWaitingWorkflows
// periodic reconciliation pass, generalized from a single channel-fed
// select to a ticker-driven sweep over a closed set of rule kinds.
package signal

import (
	"context"
	"log/slog"
	"time"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
	"github.com/evanhourigan/telemetry-gateway/internal/approvals"
	"github.com/evanhourigan/telemetry-gateway/internal/audit"
	"github.com/evanhourigan/telemetry-gateway/internal/eventstore"
	"github.com/evanhourigan/telemetry-gateway/internal/identity"
	"github.com/evanhourigan/telemetry-gateway/internal/metrics"
	"github.com/evanhourigan/telemetry-gateway/internal/policy"
	"github.com/evanhourigan/telemetry-gateway/internal/rules"
)

// Match is one rule hit: a subject (e.g. "pr:acme/widgets#123") plus the context the
// Policy Evaluator and the eventual action executor need.
type Match struct {
	Subject string
	Context map[string]any
}

// RuleResult is the per-rule outcome of one evaluation pass, returned by
// both the periodic Run loop (logged) and the on-demand Evaluate (returned
// over HTTP at POST /v1/signals/evaluate).
type RuleResult struct {
	RuleName  string     `json:"rule_name"`
	Kind      rules.Kind `json:"kind"`
	Matches   int        `json:"matches"`
	ElapsedMS int64      `json:"elapsed_ms"`
	Error     string     `json:"error,omitempty"`
}

// Approver is the narrow view of the approvals Service the evaluator
// needs: propose a pending approval for a non-auto decision. Propose
// appends its own "proposed" ActionLogEntry, so the evaluator does not
// double-audit this branch.
type Approver interface {
	Propose(ctx context.Context, in approvals.ProposeInput) (approvals.Approval, error)
}

// JobEnqueuer is the narrow view of the workflow queue the evaluator needs
// for mode=auto decisions.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, ruleKind, subject, action string, payload map[string]any, traceID string) (jobID string, err error)
}

// Evaluator is the Signal Evaluator (component F).
type Evaluator struct {
	store     eventstore.Store
	loader    *rules.Loader
	policy    policy.Evaluator
	approvals Approver
	jobs      JobEnqueuer
	auditDB   audit.Store
	identity  identity.Store
	metrics   *metrics.Registry
	log       *slog.Logger
	interval  time.Duration
}

// Opt configures an Evaluator.
type Opt func(*Evaluator)

// WithInterval overrides the default cycle interval (EVALUATOR_INTERVAL_SEC).
func WithInterval(d time.Duration) Opt {
	return func(e *Evaluator) { e.interval = d }
}

// WithMetrics attaches a metrics.Registry; nil disables instrumentation.
func WithMetrics(m *metrics.Registry) Opt {
	return func(e *Evaluator) { e.metrics = m }
}

// WithIdentity attaches the identity mapping store wip_limit_exceeded uses
// to collapse an assignee's GitHub login onto their canonical user_id
// (spec §4.12). Without it, per-person WIP is counted by raw GitHub login.
func WithIdentity(store identity.Store) Opt {
	return func(e *Evaluator) { e.identity = store }
}

// New builds an Evaluator. interval defaults to 60s if zero.
func New(store eventstore.Store, loader *rules.Loader, policyEval policy.Evaluator, approvals Approver, jobs JobEnqueuer, auditDB audit.Store, log *slog.Logger, opts ...Opt) *Evaluator {
	e := &Evaluator{
		store:     store,
		loader:    loader,
		policy:    policyEval,
		approvals: approvals,
		jobs:      jobs,
		auditDB:   auditDB,
		log:       log,
		interval:  60 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run drives the periodic evaluation loop until ctx is cancelled
// (EVALUATOR_ENABLED / EVALUATOR_INTERVAL_SEC, spec §4.5, §5).
func (e *Evaluator) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.runCycle(ctx, e.loader.Rules())
		}
	}
}

func (e *Evaluator) runCycle(ctx context.Context, ruleList []rules.Rule) {
	// At-most-one in-flight proposal per (rule_name, subject) within this
	// cycle: track subjects we've already proposed for in this pass.
	proposedThisCycle := make(map[string]bool)

	for _, r := range ruleList {
		result := e.evaluateOne(ctx, r, time.Now().UTC(), proposedThisCycle)
		if result.Error != "" {
			e.log.Warn("rule evaluation failed", "rule", r.Name, "kind", r.Kind, "error", result.Error)
		} else {
			e.log.Info("rule evaluated", "rule", r.Name, "kind", r.Kind, "matches", result.Matches, "elapsed_ms", result.ElapsedMS)
		}
	}
}

// Evaluate runs the given rule list once, on demand
// (POST /v1/signals/evaluate), with the same per-call (rule_name, subject)
// dedup one periodic cycle applies; nothing is deduplicated across calls.
func (e *Evaluator) Evaluate(ctx context.Context, ruleList []rules.Rule) []RuleResult {
	proposed := make(map[string]bool)
	results := make([]RuleResult, 0, len(ruleList))
	for _, r := range ruleList {
		results = append(results, e.evaluateOne(ctx, r, time.Now().UTC(), proposed))
	}
	return results
}

func (e *Evaluator) evaluateOne(ctx context.Context, r rules.Rule, now time.Time, dedup map[string]bool) RuleResult {
	start := time.Now()
	result := RuleResult{RuleName: r.Name, Kind: r.Kind}
	defer func() {
		result.ElapsedMS = time.Since(start).Milliseconds()
		if e.metrics != nil {
			e.metrics.SignalEvaluations.WithLabelValues(string(r.Kind)).Inc()
			e.metrics.SignalDuration.WithLabelValues(string(r.Kind)).Observe(time.Since(start).Seconds())
		}
	}()

	matches, err := e.runQuery(ctx, r, now)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Matches = len(matches)
	if e.metrics != nil && len(matches) > 0 {
		e.metrics.SignalMatches.WithLabelValues(string(r.Kind)).Add(float64(len(matches)))
	}

	for _, m := range matches {
		dedupKey := r.Name + "|" + m.Subject
		if dedup[dedupKey] {
			continue
		}
		dedup[dedupKey] = true
		e.propose(ctx, r, m)
	}
	return result
}

func (e *Evaluator) runQuery(ctx context.Context, r rules.Rule, now time.Time) ([]Match, error) {
	switch r.Kind {
	case rules.KindStalePR:
		return StalePR(ctx, e.store, r.Parameters, now)
	case rules.KindPRWithoutReview:
		return PRWithoutReview(ctx, e.store, r.Parameters, now)
	case rules.KindWIPLimitExceeded:
		return WIPLimitExceeded(ctx, e.store, r.Parameters, now, e.resolveAssignee)
	case rules.KindNoTicketLink:
		return NoTicketLink(ctx, e.store, r.Parameters, now)
	default:
		return nil, apperrors.Newf(apperrors.KindValidation, "unsupported rule kind %q", r.Kind)
	}
}

// resolveAssignee is nil-safe so WIPLimitExceeded can be called whether or
// not an identity store was configured via WithIdentity.
func (e *Evaluator) resolveAssignee(ctx context.Context, githubLogin string) string {
	if e.identity == nil {
		return githubLogin
	}
	mapping, err := e.identity.Resolve(ctx, "github", githubLogin)
	if err != nil {
		return githubLogin
	}
	return mapping.UserID
}

func (e *Evaluator) propose(ctx context.Context, r rules.Rule, m Match) {
	decision, err := e.policy.Evaluate(ctx, string(r.Kind), m.Context)
	if err != nil {
		e.log.Error("policy evaluation failed", "rule", r.Name, "subject", m.Subject, "error", err)
		return
	}

	switch decision.Mode {
	case policy.ModeAuto:
		jobID, err := e.jobs.Enqueue(ctx, string(r.Kind), m.Subject, decision.Action, m.Context, "")
		if err != nil {
			e.log.Error("auto-mode enqueue failed", "rule", r.Name, "subject", m.Subject, "error", err)
			return
		}
		e.log.Info("auto-enqueued workflow job", "rule", r.Name, "subject", m.Subject, "job_id", jobID)
		audit.AppendBestEffort(ctx, e.log, e.auditDB, audit.Entry{
			RuleName: r.Name,
			Subject:  m.Subject,
			Action:   decision.Action,
			Outcome:  audit.OutcomeProposed,
			Payload:  m.Context,
		})
	default:
		// Propose appends its own ActionLogEntry; a conflict here just
		// means another proposal is already in flight for this
		// (subject, action), which is the dedup the spec asks for.
		created, err := e.approvals.Propose(ctx, approvals.ProposeInput{
			Subject:         m.Subject,
			Action:          decision.Action,
			Risk:            approvals.RiskLevel(decision.Risk),
			Reason:          decision.Reason,
			ProposedPayload: m.Context,
			Requester:       "signal-evaluator:" + r.Name,
		})
		if err != nil {
			if apperrors.IsKind(err, apperrors.KindConflict) {
				e.log.Debug("approval already in flight", "rule", r.Name, "subject", m.Subject)
				return
			}
			e.log.Error("propose approval failed", "rule", r.Name, "subject", m.Subject, "error", err)
			return
		}
		e.log.Info("proposed approval", "rule", r.Name, "subject", m.Subject, "approval_id", created.ID)
	}
}
