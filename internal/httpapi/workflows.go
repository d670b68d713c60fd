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
	"net/http"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
	"github.com/evanhourigan/telemetry-gateway/internal/approvals"
	"github.com/evanhourigan/telemetry-gateway/internal/policy"
	"github.com/evanhourigan/telemetry-gateway/internal/workflow"
)

// runWorkflowRequest is POST /v1/workflows/run's body: a manual trigger of
// the same rule_kind/subject -> policy -> (enqueue | approval) branch the
// signal evaluator runs on its own cycle (spec §6, §4.4).
type runWorkflowRequest struct {
	RuleKind string         `json:"rule_kind" validate:"required"`
	Subject  string         `json:"subject" validate:"required,max=255"`
	Action   string         `json:"action"`
	Payload  map[string]any `json:"payload"`
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var req runWorkflowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.KindValidation, "invalid workflow run request"))
		return
	}

	decision, err := s.pol.Evaluate(r.Context(), req.RuleKind, req.Payload)
	if err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.KindInternal, "policy evaluation failed"))
		return
	}
	action := decision.Action
	if req.Action != "" {
		action = req.Action
	}

	if decision.Mode == policy.ModeAuto {
		enqueuer := workflow.Enqueuer{Queue: s.queue}
		jobID, err := enqueuer.Enqueue(r.Context(), req.RuleKind, req.Subject, action, req.Payload, "")
		if err != nil {
			writeError(w, err)
			return
		}
		if s.metrics != nil {
			s.metrics.WorkflowJobsEnqueued.WithLabelValues(action).Inc()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"action_id": jobID,
			"job_id":    jobID,
			"status":    "queued",
		})
		return
	}

	created, err := s.approvals.Propose(r.Context(), approvals.ProposeInput{
		Subject:         req.Subject,
		Action:          action,
		Risk:            approvals.RiskLevel(decision.Risk),
		Reason:          decision.Reason,
		ProposedPayload: req.Payload,
		Requester:       "workflows-run:" + req.RuleKind,
	})
	if err != nil && !apperrors.IsKind(err, apperrors.KindConflict) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"action_id": created.ID,
		"status":    "awaiting_approval",
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}
