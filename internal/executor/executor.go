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

// Package executor implements the Action Executors (component K):
// stateless adapters keyed by action name, each a pure-in-params function
// of (payload, context). Adapters never touch the Event Store or
// Approvals tables (spec §4.11); they report outcomes back to the
// workflow.Runner, which owns the audit trail.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
	"github.com/evanhourigan/telemetry-gateway/internal/quota"
	"github.com/evanhourigan/telemetry-gateway/internal/workflow"
)

// ExecContext carries the per-job metadata an adapter may need beyond its
// payload (subject, trace id). It is distinct from context.Context, which
// carries cancellation/deadlines.
type ExecContext struct {
	Subject string
	TraceID string
}

// Adapter executes one action. A returned error wrapped in
// workflow.PermanentError skips retry (e.g. quota exhaustion); any other
// error is treated as transient and retried by the Runner per spec §4.11.
type Adapter func(ctx context.Context, payload map[string]any, ec ExecContext) error

// Registry dispatches a workflow.Job to the Adapter registered for its
// Action, implementing workflow.Dispatcher so it can be handed straight to
// workflow.NewRunner.
type Registry struct {
	adapters map[string]Adapter
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry builds an empty Registry; call Register for each action.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Register wires adapter under action, wrapped in its own circuit breaker
// so a failing downstream (Slack, GitHub) trips independently per action
// (spec §4.11's executors are adapters over independent outbound systems).
func (r *Registry) Register(action string, adapter Adapter) {
	r.adapters[action] = adapter
	r.breakers[action] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        action,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// Dispatch implements workflow.Dispatcher.
func (r *Registry) Dispatch(ctx context.Context, job workflow.Job) error {
	adapter, ok := r.adapters[job.Action]
	if !ok {
		return workflow.PermanentError(apperrors.Newf(apperrors.KindValidation, "no executor registered for action %q", job.Action))
	}
	breaker := r.breakers[job.Action]

	ec := ExecContext{Subject: job.Subject, TraceID: job.TraceID}
	_, err := breaker.Execute(func() (any, error) {
		return nil, adapter(ctx, job.Payload, ec)
	})
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindUnavailable) {
			return workflow.PermanentError(err)
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("circuit open for action %q: %w", job.Action, err)
		}
		return err
	}
	return nil
}

// consumeQuota is the shared helper every quota-gated adapter calls before
// performing its side effect.
func consumeQuota(counters *quota.Counters, kind string) error {
	if counters == nil {
		return nil
	}
	if err := counters.Consume(kind); err != nil {
		return workflow.PermanentError(err)
	}
	return nil
}
