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
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
)

// PostgresQueue is the durable Queue. Claim uses
// `SELECT ... FOR UPDATE SKIP LOCKED` inside a transaction so concurrent
// runners never receive the same job (spec §4.7's claim semantics).
type PostgresQueue struct {
	pool *pgxpool.Pool
}

func NewPostgresQueue(pool *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

const jobColumns = `id, rule_kind, subject, action, status, attempts, max_attempts, last_error, payload, trace_id, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	var payload []byte
	err := row.Scan(&j.ID, &j.RuleKind, &j.Subject, &j.Action, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.LastError, &payload, &j.TraceID, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return Job{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return Job{}, err
		}
	}
	return j, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, j Job) (Job, error) {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return Job{}, apperrors.Wrap(err, apperrors.KindInternal, "marshal job payload")
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}

	const q2 = `INSERT INTO workflow_jobs (rule_kind, subject, action, status, max_attempts, payload, trace_id, created_at)
		VALUES ($1, $2, $3, 'queued', $4, $5, $6, $7)
		RETURNING ` + jobColumns

	row := q.pool.QueryRow(ctx, q2, j.RuleKind, j.Subject, j.Action, j.MaxAttempts, payload, j.TraceID, time.Now().UTC())
	out, err := scanJob(row)
	if err != nil {
		return Job{}, apperrors.Wrap(err, apperrors.KindUnavailable, "enqueue workflow job")
	}
	return out, nil
}

func (q *PostgresQueue) Claim(ctx context.Context) (Job, bool, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return Job{}, false, apperrors.Wrap(err, apperrors.KindUnavailable, "begin claim transaction")
	}
	defer tx.Rollback(ctx)

	const selectQ = `SELECT id FROM workflow_jobs WHERE status = 'queued' ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`
	var id int64
	err = tx.QueryRow(ctx, selectQ).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, apperrors.Wrap(err, apperrors.KindUnavailable, "claim workflow job")
	}

	const updateQ = `UPDATE workflow_jobs SET status = 'running', started_at = $1 WHERE id = $2 RETURNING ` + jobColumns
	row := tx.QueryRow(ctx, updateQ, time.Now().UTC(), id)
	out, err := scanJob(row)
	if err != nil {
		return Job{}, false, apperrors.Wrap(err, apperrors.KindUnavailable, "mark workflow job running")
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, false, apperrors.Wrap(err, apperrors.KindUnavailable, "commit claim transaction")
	}
	return out, true, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, id int64) error {
	_, err := q.pool.Exec(ctx, `UPDATE workflow_jobs SET status = 'completed', completed_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindUnavailable, "complete workflow job")
	}
	return nil
}

func (q *PostgresQueue) Fail(ctx context.Context, id int64, errMsg string, requeue bool) error {
	if requeue {
		const q2 = `UPDATE workflow_jobs SET attempts = attempts + 1, last_error = $1,
			status = CASE WHEN attempts + 1 < max_attempts THEN 'queued' ELSE 'failed' END,
			started_at = CASE WHEN attempts + 1 < max_attempts THEN NULL ELSE started_at END,
			completed_at = CASE WHEN attempts + 1 < max_attempts THEN NULL ELSE $2 END
			WHERE id = $3`
		_, err := q.pool.Exec(ctx, q2, errMsg, time.Now().UTC(), id)
		if err != nil {
			return apperrors.Wrap(err, apperrors.KindUnavailable, "fail/requeue workflow job")
		}
		return nil
	}

	_, err := q.pool.Exec(ctx, `UPDATE workflow_jobs SET attempts = attempts + 1, last_error = $1, status = 'failed', completed_at = $2 WHERE id = $3`,
		errMsg, time.Now().UTC(), id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindUnavailable, "fail workflow job")
	}
	return nil
}

func (q *PostgresQueue) Get(ctx context.Context, id int64) (Job, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM workflow_jobs WHERE id = $1`, id)
	out, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, apperrors.NewNotFoundError("workflow job")
	}
	if err != nil {
		return Job{}, apperrors.Wrap(err, apperrors.KindUnavailable, "fetch workflow job")
	}
	return out, nil
}

func (q *PostgresQueue) List(ctx context.Context) ([]Job, error) {
	rows, err := q.pool.Query(ctx, `SELECT `+jobColumns+` FROM workflow_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUnavailable, "list workflow jobs")
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindInternal, "scan workflow job")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (q *PostgresQueue) Delete(ctx context.Context, id int64) error {
	tag, err := q.pool.Exec(ctx, `DELETE FROM workflow_jobs WHERE id = $1 AND status = 'queued'`, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindUnavailable, "delete workflow job")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewConflictError("only queued jobs can be deleted")
	}
	return nil
}
