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

package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
)

// PostgresStore is the durable Store. Decide's at-most-once guarantee comes
// from `UPDATE ... WHERE status = 'pending'`: a concurrent loser's UPDATE
// affects zero rows, and the caller then re-selects to report the winner's
// final state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const approvalColumns = `id, subject, action, risk_level, status, proposed_payload, requester, decided_by, decided_at, decision, reason, ttl_seconds, trace_id, created_at`

func scanApproval(row pgx.Row) (Approval, error) {
	var a Approval
	var payload []byte
	var ttlSeconds int64
	var decidedAt *time.Time
	var decision *string

	err := row.Scan(&a.ID, &a.Subject, &a.Action, &a.RiskLevel, &a.Status, &payload, &a.Requester,
		&a.DecidedBy, &decidedAt, &decision, &a.Reason, &ttlSeconds, &a.TraceID, &a.CreatedAt)
	if err != nil {
		return Approval{}, err
	}

	a.TTL = time.Duration(ttlSeconds) * time.Second
	a.DecidedAt = decidedAt
	if decision != nil {
		a.Decision = Status(*decision)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &a.ProposedPayload); err != nil {
			return Approval{}, err
		}
	}
	return a, nil
}

func (s *PostgresStore) Propose(ctx context.Context, a Approval) (Approval, error) {
	payload, err := json.Marshal(a.ProposedPayload)
	if err != nil {
		return Approval{}, apperrors.Wrap(err, apperrors.KindInternal, "marshal proposed payload")
	}

	const q = `INSERT INTO approvals (subject, action, risk_level, status, proposed_payload, requester, reason, ttl_seconds, trace_id, created_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8, $9)
		RETURNING ` + approvalColumns

	row := s.pool.QueryRow(ctx, q, a.Subject, a.Action, a.RiskLevel, payload, a.Requester, a.Reason,
		int64(a.TTL/time.Second), a.TraceID, a.CreatedAt)

	out, err := scanApproval(row)
	if err != nil {
		return Approval{}, apperrors.Wrap(err, apperrors.KindUnavailable, "insert approval")
	}
	return out, nil
}

func (s *PostgresStore) Decide(ctx context.Context, id int64, newStatus Status, decidedBy, reason string, decidedAt time.Time) (Approval, bool, error) {
	const q = `UPDATE approvals SET status = $1, decision = $1, decided_by = $2, reason = $3, decided_at = $4
		WHERE id = $5 AND status = 'pending'
		RETURNING ` + approvalColumns

	row := s.pool.QueryRow(ctx, q, newStatus, decidedBy, reason, decidedAt, id)
	out, err := scanApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the row doesn't exist, or it was already decided (by us
		// or a concurrent winner). Disambiguate by fetching current state.
		current, ferr := s.Get(ctx, id)
		if ferr != nil {
			return Approval{}, false, ferr
		}
		return current, false, nil
	}
	if err != nil {
		return Approval{}, false, apperrors.Wrap(err, apperrors.KindUnavailable, "decide approval")
	}
	return out, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (Approval, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
	out, err := scanApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Approval{}, apperrors.NewNotFoundError("approval")
	}
	if err != nil {
		return Approval{}, apperrors.Wrap(err, apperrors.KindUnavailable, "fetch approval")
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Approval, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+approvalColumns+` FROM approvals ORDER BY id DESC`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUnavailable, "list approvals")
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindInternal, "scan approval")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindActiveDuplicate(ctx context.Context, subject, action string, ttl time.Duration, now time.Time) (Approval, bool, error) {
	const q = `SELECT ` + approvalColumns + ` FROM approvals
		WHERE subject = $1 AND action = $2 AND status = 'pending' AND created_at > $3
		LIMIT 1`

	cutoff := now.Add(-ttl)
	row := s.pool.QueryRow(ctx, q, subject, action, cutoff)
	out, err := scanApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Approval{}, false, nil
	}
	if err != nil {
		return Approval{}, false, apperrors.Wrap(err, apperrors.KindUnavailable, "find duplicate approval")
	}
	return out, true, nil
}
