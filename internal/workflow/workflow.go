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

// Package workflow is the durable job queue and the background Runner that
// drains it (components H and I): claim-execute-retry with bounded
// attempts, exponential backoff, and an at-most-one-owner guarantee per
// job.
package workflow

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status is the closed set of WorkflowJob states; transitions form the DAG
// queued -> running -> (completed|failed), with running -> queued allowed
// only as a retry.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DefaultMaxAttempts is used when a job is enqueued without an explicit cap.
const DefaultMaxAttempts = 3

// Job is one WorkflowJob row.
type Job struct {
	ID          int64
	RuleKind    string
	Subject     string
	Action      string
	Status      Status
	Attempts    int
	MaxAttempts int
	LastError   string
	Payload     map[string]any
	TraceID     string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Queue is the durable job table. Claim must guarantee at most one caller
// receives a given queued job.
type Queue interface {
	Enqueue(ctx context.Context, j Job) (Job, error)
	// Claim atomically moves the oldest queued job to running and returns
	// it, or ok=false if no job is queued.
	Claim(ctx context.Context) (job Job, ok bool, err error)
	Complete(ctx context.Context, id int64) error
	// Fail records attempts/last_error and either requeues (status back to
	// queued, for a retry after backoff) or marks permanently failed.
	Fail(ctx context.Context, id int64, errMsg string, requeue bool) error
	Get(ctx context.Context, id int64) (Job, error)
	List(ctx context.Context) ([]Job, error)
	// Delete removes a still-queued job; running jobs cannot be cancelled.
	Delete(ctx context.Context, id int64) error
}

// Enqueuer is the narrow view internal/approvals depends on.
type Enqueuer struct {
	Queue Queue
}

func (e Enqueuer) Enqueue(ctx context.Context, ruleKind, subject, action string, payload map[string]any, traceID string) (string, error) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	j, err := e.Queue.Enqueue(ctx, Job{
		RuleKind:    ruleKind,
		Subject:     subject,
		Action:      action,
		Payload:     payload,
		TraceID:     traceID,
		MaxAttempts: DefaultMaxAttempts,
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(j.ID, 10), nil
}
