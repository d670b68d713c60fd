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

// Package metrics exposes the gateway's Prometheus counters and
// histograms (component L, GET /metrics). One Registry is built once at
// startup and threaded through the webhook router, evaluator, and runner.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric the gateway exports. Built once via New
// and shared as a *Registry (its fields are all pointer-like Prometheus types).
type Registry struct {
	WebhooksReceived   *prometheus.CounterVec
	WebhooksRejected   *prometheus.CounterVec
	WebhookDuplicates  *prometheus.CounterVec
	WebhookLatency     *prometheus.HistogramVec
	PublishFailures    *prometheus.CounterVec

	SignalEvaluations *prometheus.CounterVec
	SignalMatches     *prometheus.CounterVec
	SignalDuration    *prometheus.HistogramVec

	WorkflowJobsEnqueued  *prometheus.CounterVec
	WorkflowJobsCompleted *prometheus.CounterVec
	WorkflowJobsFailed    *prometheus.CounterVec
	WorkflowJobDuration   *prometheus.HistogramVec

	ApprovalsProposed *prometheus.CounterVec
	ApprovalsDecided  *prometheus.CounterVec

	QuotaExceeded  *prometheus.CounterVec
	RateLimited    *prometheus.CounterVec
}

// New registers every metric against reg and returns the bundle. Passing a
// fresh *prometheus.Registry (rather than the global DefaultRegisterer)
// keeps repeated construction in tests from panicking on duplicate
// registration.
func New(reg *prometheus.Registry) *Registry {
	m := &Registry{
		WebhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_webhooks_received_total",
			Help: "Webhook deliveries accepted per source.",
		}, []string{"source", "event_type"}),
		WebhooksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_webhooks_rejected_total",
			Help: "Webhook deliveries rejected per source and reason.",
		}, []string{"source", "reason"}),
		WebhookDuplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_webhooks_duplicate_total",
			Help: "Webhook deliveries recognized as duplicates of an existing delivery_id.",
		}, []string{"source"}),
		WebhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_webhook_handle_seconds",
			Help:    "Webhook handler latency per source.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_eventbus_publish_failures_total",
			Help: "Best-effort broker publish failures per source.",
		}, []string{"source"}),

		SignalEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_signal_evaluations_total",
			Help: "Signal evaluator rule evaluations per rule kind.",
		}, []string{"kind"}),
		SignalMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_signal_matches_total",
			Help: "Signal evaluator matches per rule kind.",
		}, []string{"kind"}),
		SignalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_signal_evaluation_seconds",
			Help:    "Per-rule evaluation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),

		WorkflowJobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_workflow_jobs_enqueued_total",
			Help: "Workflow jobs enqueued per action.",
		}, []string{"action"}),
		WorkflowJobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_workflow_jobs_completed_total",
			Help: "Workflow jobs completed per action.",
		}, []string{"action"}),
		WorkflowJobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_workflow_jobs_failed_total",
			Help: "Workflow jobs permanently failed per action.",
		}, []string{"action"}),
		WorkflowJobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_workflow_job_duration_seconds",
			Help:    "Time from claim to terminal state per action.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),

		ApprovalsProposed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_approvals_proposed_total",
			Help: "Approvals proposed per risk level.",
		}, []string{"risk"}),
		ApprovalsDecided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_approvals_decided_total",
			Help: "Approvals decided per decision.",
		}, []string{"decision"}),

		QuotaExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_quota_exceeded_total",
			Help: "Daily action quota breaches per kind.",
		}, []string{"kind"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Requests rejected by the per-IP edge throttle per route.",
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.WebhooksReceived, m.WebhooksRejected, m.WebhookDuplicates, m.WebhookLatency, m.PublishFailures,
		m.SignalEvaluations, m.SignalMatches, m.SignalDuration,
		m.WorkflowJobsEnqueued, m.WorkflowJobsCompleted, m.WorkflowJobsFailed, m.WorkflowJobDuration,
		m.ApprovalsProposed, m.ApprovalsDecided,
		m.QuotaExceeded, m.RateLimited,
	)
	return m
}
