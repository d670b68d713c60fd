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
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
	"github.com/evanhourigan/telemetry-gateway/internal/approvals"
)

// proposeApprovalRequest is POST /v1/approvals/propose's body.
type proposeApprovalRequest struct {
	Subject   string         `json:"subject" validate:"required,max=255"`
	Action    string         `json:"action" validate:"required,max=64"`
	Risk      string         `json:"risk" validate:"required,oneof=low medium high"`
	Reason    string         `json:"reason" validate:"max=1000"`
	Payload   map[string]any `json:"payload"`
	Requester string         `json:"requester"`
	TTLSec    int            `json:"ttl_seconds"`
}

func (s *Server) handleProposeApproval(w http.ResponseWriter, r *http.Request) {
	var req proposeApprovalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.KindValidation, "invalid propose request"))
		return
	}

	ttl := time.Duration(req.TTLSec) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	created, err := s.approvals.Propose(r.Context(), approvals.ProposeInput{
		Subject:         req.Subject,
		Action:          req.Action,
		Risk:            approvals.RiskLevel(req.Risk),
		Reason:          req.Reason,
		ProposedPayload: req.Payload,
		Requester:       req.Requester,
		TTL:             ttl,
	})
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindConflict) {
			writeJSON(w, http.StatusConflict, approvalResponse(created))
			return
		}
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ApprovalsProposed.WithLabelValues(string(created.RiskLevel)).Inc()
	}
	writeJSON(w, http.StatusCreated, approvalResponse(created))
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	list, err := s.approvals.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, a := range list {
		out = append(out, approvalResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	a, err := s.approvals.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approvalResponse(a))
}

// decideApprovalRequest is POST /v1/approvals/{id}/decision's body.
type decideApprovalRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve decline modify"`
	Reason   string `json:"reason" validate:"max=1000"`
	ActedBy  string `json:"acted_by"`
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req decideApprovalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.KindValidation, "invalid decision request"))
		return
	}

	a, jobID, err := s.approvals.Decide(r.Context(), id, approvals.Decision(req.Decision), req.ActedBy, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ApprovalsDecided.WithLabelValues(req.Decision).Inc()
	}

	resp := approvalResponse(a)
	if jobID != "" {
		resp["job_id"] = jobID
	}
	writeJSON(w, http.StatusOK, resp)
}

func approvalResponse(a approvals.Approval) map[string]any {
	resp := map[string]any{
		"id":               a.ID,
		"subject":          a.Subject,
		"action":           a.Action,
		"risk":             a.RiskLevel,
		"status":           a.Status,
		"proposed_payload": a.ProposedPayload,
		"requester":        a.Requester,
		"reason":           a.Reason,
		"trace_id":         a.TraceID,
		"created_at":       a.CreatedAt,
	}
	if a.DecidedBy != "" {
		resp["decided_by"] = a.DecidedBy
	}
	if a.DecidedAt != nil {
		resp["decided_at"] = a.DecidedAt
	}
	return resp
}

func parseID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperrors.NewValidationError("id must be an integer")
	}
	return id, nil
}
