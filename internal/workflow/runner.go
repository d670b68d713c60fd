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

package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
	"github.com/evanhourigan/telemetry-gateway/internal/audit"
)

// Dispatcher executes one claimed Job by (rule_kind/action), the narrow
// view the Runner needs of the Action Executor registry (component K).
// A permanent error (e.g. apperrors.KindUnavailable for a blown quota)
// skips retry and fails the job immediately.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// PermanentError marks an error the Runner must not retry, mirroring
// backoff.Permanent: quota exhaustion and validation failures are
// terminal, not transient.
func PermanentError(err error) error {
	return backoff.Permanent(err)
}

// Runner is the background worker that drains a Queue (component I):
// claim, dispatch, and on failure retry with exponential backoff up to
// MaxAttempts. Multiple Runners may share one Queue; Claim's
// SELECT ... FOR UPDATE SKIP LOCKED (or the in-memory equivalent)
// guarantees at most one owner per job.
type Runner struct {
	queue      Queue
	dispatcher Dispatcher
	auditDB    audit.Store
	log        *slog.Logger

	pollInterval  time.Duration
	backoffBase   time.Duration
	backoffMax    time.Duration
	serializeSubj bool

	subjectLocks sync.Map // subject -> *sync.Mutex, admin toggle per spec §5
}

// RunnerOpt configures a Runner.
type RunnerOpt func(*Runner)

// WithPollInterval sets how often the Runner polls for a queued job when
// none is available. Default 1s.
func WithPollInterval(d time.Duration) RunnerOpt {
	return func(r *Runner) { r.pollInterval = d }
}

// WithBackoff sets the base and max exponential-backoff durations applied
// between retry attempts of a single job. Defaults: 1s base, 30s cap.
func WithBackoff(base, max time.Duration) RunnerOpt {
	return func(r *Runner) { r.backoffBase, r.backoffMax = base, max }
}

// WithSubjectSerialization enables the admin toggle (spec §5) that
// serializes claims sharing a subject via an in-process keyed mutex. This
// is a single-process, non-durable guarantee; see DESIGN.md's Open
// Question decision for the multi-replica caveat.
func WithSubjectSerialization(enabled bool) RunnerOpt {
	return func(r *Runner) { r.serializeSubj = enabled }
}

// NewRunner builds a Runner over queue, dispatching claimed jobs through
// dispatcher and recording outcomes to auditDB.
func NewRunner(queue Queue, dispatcher Dispatcher, auditDB audit.Store, log *slog.Logger, opts ...RunnerOpt) *Runner {
	r := &Runner{
		queue:        queue,
		dispatcher:   dispatcher,
		auditDB:      auditDB,
		log:          log,
		pollInterval: time.Second,
		backoffBase:  time.Second,
		backoffMax:   30 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run drains the queue until ctx is cancelled. A single job's dispatch
// failure never terminates the loop (spec §4.7 step 5); only ctx
// cancellation stops Run.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for r.claimAndRun(ctx) {
				// Drain the backlog before waiting for the next tick.
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
		}
	}
}

// claimAndRun claims and executes at most one job, returning true if a job
// was found (so the caller can immediately try for another).
func (r *Runner) claimAndRun(ctx context.Context) bool {
	job, ok, err := r.queue.Claim(ctx)
	if err != nil {
		r.log.Error("claim failed", "error", err)
		return false
	}
	if !ok {
		return false
	}

	if r.serializeSubj {
		lockAny, _ := r.subjectLocks.LoadOrStore(job.Subject, &sync.Mutex{})
		lock := lockAny.(*sync.Mutex)
		lock.Lock()
		defer lock.Unlock()
	}

	r.runOne(ctx, job)
	return true
}

func (r *Runner) runOne(ctx context.Context, job Job) {
	log := r.log.With("job_id", job.ID, "rule_kind", job.RuleKind, "subject", job.Subject, "action", job.Action)

	err := r.dispatcher.Dispatch(ctx, job)
	if err == nil {
		if completeErr := r.queue.Complete(ctx, job.ID); completeErr != nil {
			log.Error("failed to mark job completed", "error", completeErr)
			return
		}
		audit.AppendBestEffort(ctx, r.log, r.auditDB, audit.Entry{
			Subject: job.Subject,
			Action:  job.Action,
			Outcome: audit.OutcomeExecuted,
			TraceID: job.TraceID,
			Payload: job.Payload,
		})
		return
	}

	permanent := isPermanent(err) || apperrors.IsKind(err, apperrors.KindUnavailable) || apperrors.IsKind(err, apperrors.KindValidation)
	requeue := !permanent && job.Attempts+1 < job.MaxAttempts

	if requeue {
		wait := r.backoffWait(job.Attempts)
		log.Warn("job failed, will retry", "error", err, "attempt", job.Attempts+1, "backoff", wait)
		sleepContext(ctx, wait)
	} else {
		log.Error("job failed permanently", "error", err, "attempt", job.Attempts+1)
	}

	if failErr := r.queue.Fail(ctx, job.ID, err.Error(), requeue); failErr != nil {
		log.Error("failed to record job failure", "error", failErr)
	}

	if requeue {
		return
	}

	audit.AppendBestEffort(ctx, r.log, r.auditDB, audit.Entry{
		Subject: job.Subject,
		Action:  job.Action,
		Outcome: audit.OutcomeFailed,
		TraceID: job.TraceID,
		Payload: job.Payload,
	})
}

// sleepContext blocks for d or until ctx is cancelled, whichever comes
// first. The caller still records the requeue afterward either way; this
// only keeps shutdown from hanging for a full backoff interval.
func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (r *Runner) backoffWait(attempts int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.backoffBase
	eb.MaxInterval = r.backoffMax
	eb.Reset()
	var wait time.Duration
	for i := 0; i <= attempts; i++ {
		wait = eb.NextBackOff()
	}
	if wait > r.backoffMax {
		wait = r.backoffMax
	}
	return wait
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}
