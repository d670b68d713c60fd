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

// Package approvals implements the human-in-the-loop gate: a proposed
// side-effecting action is recorded as a pending Approval that a human (or
// policy default) transitions exactly once out of pending. Approving
// enqueues a workflow job through the JobEnqueuer collaborator injected at
// construction, keeping this package free of an import on internal/workflow.
package approvals

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
	"github.com/evanhourigan/telemetry-gateway/internal/audit"
)

// Status is the closed set of Approval states.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDeclined Status = "declined"
	StatusExpired  Status = "expired"
	StatusModified Status = "modified"
)

// Decision is the input alphabet for Decide; it excludes "pending".
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDecline Decision = "decline"
	DecisionModify  Decision = "modify"
)

var decisionToStatus = map[Decision]Status{
	DecisionApprove: StatusApproved,
	DecisionDecline: StatusDeclined,
	DecisionModify:  StatusModified,
}

// RiskLevel mirrors policy.Risk without importing it, since Approval is a
// pure data type.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Approval is one human-in-the-loop gate record.
type Approval struct {
	ID              int64
	Subject         string
	Action          string
	RiskLevel       RiskLevel
	Status          Status
	ProposedPayload map[string]any
	Requester       string
	DecidedBy       string
	DecidedAt       *time.Time
	Decision        Status
	Reason          string
	TTL             time.Duration
	TraceID         string
	CreatedAt       time.Time
}

// Store is the repository for Approval rows. Implementations must enforce:
// the pending->decided transition happens at most once, and a duplicate
// (subject, action) proposed within its TTL is rejected as a conflict.
type Store interface {
	Propose(ctx context.Context, a Approval) (Approval, error)
	// Decide performs a conditional UPDATE: only a row still in
	// StatusPending transitions; a row already decided is returned
	// unchanged with updated=false so the caller can treat re-decision as
	// a no-op rather than an error.
	Decide(ctx context.Context, id int64, newStatus Status, decidedBy, reason string, decidedAt time.Time) (approval Approval, updated bool, err error)
	Get(ctx context.Context, id int64) (Approval, error)
	List(ctx context.Context) ([]Approval, error)
	// FindActiveDuplicate looks for a still-pending approval for the same
	// (subject, action) proposed within ttl of now.
	FindActiveDuplicate(ctx context.Context, subject, action string, ttl time.Duration, now time.Time) (Approval, bool, error)
}

// JobEnqueuer is the narrow view of the workflow queue the approvals
// service needs: enqueue a job for an approved action.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, ruleKind, subject, action string, payload map[string]any, traceID string) (jobID string, err error)
}

// Service is the Approvals Store & API component (G): Propose/Decide plus
// the audit and enqueue side effects that accompany each transition.
type Service struct {
	store   Store
	jobs    JobEnqueuer
	auditDB audit.Store
	log     *slog.Logger
}

// NewService wires a Service from its collaborators.
func NewService(store Store, jobs JobEnqueuer, auditDB audit.Store, log *slog.Logger) *Service {
	return &Service{store: store, jobs: jobs, auditDB: auditDB, log: log}
}

// ProposeInput is the Propose operation's request shape.
type ProposeInput struct {
	Subject         string
	Action          string
	Risk            RiskLevel
	Reason          string
	ProposedPayload map[string]any
	Requester       string
	TTL             time.Duration
	TraceID         string
}

// Propose creates a pending Approval, rejecting a duplicate (subject,
// action) still active within its TTL as a conflict (spec §4.6).
func (s *Service) Propose(ctx context.Context, in ProposeInput) (Approval, error) {
	if in.Subject == "" || len(in.Subject) > 255 {
		return Approval{}, apperrors.NewValidationError("subject must be 1-255 bytes")
	}
	if in.Action == "" || len(in.Action) > 64 {
		return Approval{}, apperrors.NewValidationError("action must be 1-64 bytes")
	}
	if len(in.Reason) > 1000 {
		return Approval{}, apperrors.NewValidationError("reason must be at most 1000 bytes")
	}

	now := time.Now().UTC()
	if dup, found, err := s.store.FindActiveDuplicate(ctx, in.Subject, in.Action, in.TTL, now); err != nil {
		return Approval{}, err
	} else if found {
		return dup, apperrors.NewConflictError("an active approval already exists for this subject and action")
	}

	traceID := in.TraceID
	if traceID == "" {
		// Every proposal gets a trace_id even when the caller didn't supply
		// one, so the downstream workflow job and ActionLog entry it spawns
		// can always be correlated back to this approval.
		traceID = uuid.NewString()
	}

	a := Approval{
		Subject:         in.Subject,
		Action:          in.Action,
		RiskLevel:       in.Risk,
		Status:          StatusPending,
		ProposedPayload: in.ProposedPayload,
		Requester:       in.Requester,
		Reason:          in.Reason,
		TTL:             in.TTL,
		TraceID:         traceID,
		CreatedAt:       now,
	}

	created, err := s.store.Propose(ctx, a)
	if err != nil {
		return Approval{}, err
	}

	audit.AppendBestEffort(ctx, s.log, s.auditDB, audit.Entry{
		Subject: created.Subject,
		Action:  created.Action,
		Outcome: audit.OutcomeProposed,
		Actor:   created.Requester,
		TraceID: created.TraceID,
		Payload: created.ProposedPayload,
	})

	return created, nil
}

// Decide transitions approval id out of pending. A second decision on an
// already-decided approval is a no-op that returns the existing state
// rather than an error (spec §4.6, §8.2).
func (s *Service) Decide(ctx context.Context, id int64, decision Decision, decidedBy, reason string) (approval Approval, jobID string, err error) {
	newStatus, ok := decisionToStatus[decision]
	if !ok {
		return Approval{}, "", apperrors.NewValidationError("decision must be one of approve, decline, modify")
	}
	if len(reason) > 1000 {
		return Approval{}, "", apperrors.NewValidationError("reason must be at most 1000 bytes")
	}

	now := time.Now().UTC()
	result, updated, err := s.store.Decide(ctx, id, newStatus, decidedBy, reason, now)
	if err != nil {
		return Approval{}, "", err
	}
	if !updated {
		// Already decided by a concurrent winner or a prior call: return
		// the existing state without re-enqueuing.
		return result, "", nil
	}

	outcome := audit.OutcomeDeclined
	if decision == DecisionApprove {
		outcome = audit.OutcomeApproved
	}
	audit.AppendBestEffort(ctx, s.log, s.auditDB, audit.Entry{
		Subject: result.Subject,
		Action:  result.Action,
		Outcome: outcome,
		Actor:   decidedBy,
		TraceID: result.TraceID,
	})

	if decision != DecisionApprove {
		return result, "", nil
	}

	jobID, err = s.jobs.Enqueue(ctx, "", result.Subject, result.Action, result.ProposedPayload, result.TraceID)
	if err != nil {
		s.log.Error("approval approved but enqueue failed", "approval_id", id, "error", err)
		return result, "", err
	}
	return result, jobID, nil
}

func (s *Service) Get(ctx context.Context, id int64) (Approval, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]Approval, error) {
	return s.store.List(ctx)
}
