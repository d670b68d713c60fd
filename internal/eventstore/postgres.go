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

package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
)

// NewPgxConnConfig parses dsn and forces QueryExecModeDescribeExec. pgx's
// default, QueryExecModeCacheStatement, caches prepared statement plans
// that go stale across schema migrations applied while the pool is open
// ("cached plan must not change result type"); DescribeExec re-describes
// each query's parameter OIDs without caching the plan, which costs a
// round-trip but survives online migrations.
func NewPgxConnConfig(dsn string) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL connection string: %w", err)
	}
	cfg.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec
	return cfg, nil
}

// PostgresStore is the durable Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against dsn, applying the DescribeExec
// guard from NewPgxConnConfig.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	connCfg, err := NewPgxConnConfig(dsn)
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL pool config: %w", err)
	}
	poolCfg.ConnConfig = connCfg

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUnavailable, "connect to event store database")
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping verifies connectivity for health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Exists(ctx context.Context, deliveryID string) (int64, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT id FROM event_records WHERE delivery_id = $1`, deliveryID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperrors.Wrap(err, apperrors.KindUnavailable, "check existing event record")
	}
	return id, true, nil
}

const insertEventSQL = `
INSERT INTO event_records (source, event_type, delivery_id, signature, headers, payload, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (delivery_id) DO NOTHING
RETURNING id, source, event_type, delivery_id, signature, headers, payload, received_at`

const selectByDeliverySQL = `
SELECT id, source, event_type, delivery_id, signature, headers, payload, received_at
FROM event_records WHERE delivery_id = $1`

func (s *PostgresStore) Insert(ctx context.Context, rec EventRecord) (InsertResult, error) {
	headersJSON, err := json.Marshal(rec.Headers)
	if err != nil {
		return InsertResult{}, apperrors.Wrap(err, apperrors.KindInternal, "marshal event headers")
	}

	row := s.pool.QueryRow(ctx, insertEventSQL,
		rec.Source, rec.EventType, rec.DeliveryID, rec.Signature, headersJSON, rec.Payload, rec.ReceivedAt)

	var out EventRecord
	var rawHeaders []byte
	err = row.Scan(&out.ID, &out.Source, &out.EventType, &out.DeliveryID, &out.Signature, &rawHeaders, &out.Payload, &out.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// ON CONFLICT DO NOTHING suppressed the insert: a row with this
		// delivery_id already exists. Fetch it to report to the caller.
		existing, ferr := s.getByDelivery(ctx, rec.DeliveryID)
		if ferr != nil {
			return InsertResult{}, ferr
		}
		return InsertResult{Record: existing, Duplicate: true}, nil
	}
	if err != nil {
		return InsertResult{}, apperrors.Wrap(err, apperrors.KindUnavailable, "insert event record")
	}

	if err := json.Unmarshal(rawHeaders, &out.Headers); err != nil {
		return InsertResult{}, apperrors.Wrap(err, apperrors.KindInternal, "unmarshal event headers")
	}
	return InsertResult{Record: out}, nil
}

func (s *PostgresStore) getByDelivery(ctx context.Context, deliveryID string) (EventRecord, error) {
	var out EventRecord
	var rawHeaders []byte
	err := s.pool.QueryRow(ctx, selectByDeliverySQL, deliveryID).
		Scan(&out.ID, &out.Source, &out.EventType, &out.DeliveryID, &out.Signature, &rawHeaders, &out.Payload, &out.ReceivedAt)
	if err != nil {
		return EventRecord{}, apperrors.Wrap(err, apperrors.KindUnavailable, "fetch existing event record")
	}
	if err := json.Unmarshal(rawHeaders, &out.Headers); err != nil {
		return EventRecord{}, apperrors.Wrap(err, apperrors.KindInternal, "unmarshal event headers")
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (EventRecord, error) {
	const q = `SELECT id, source, event_type, delivery_id, signature, headers, payload, received_at
		FROM event_records WHERE id = $1`

	var out EventRecord
	var rawHeaders []byte
	err := s.pool.QueryRow(ctx, q, id).
		Scan(&out.ID, &out.Source, &out.EventType, &out.DeliveryID, &out.Signature, &rawHeaders, &out.Payload, &out.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return EventRecord{}, apperrors.NewNotFoundError("event")
	}
	if err != nil {
		return EventRecord{}, apperrors.Wrap(err, apperrors.KindUnavailable, "fetch event record")
	}
	if err := json.Unmarshal(rawHeaders, &out.Headers); err != nil {
		return EventRecord{}, apperrors.Wrap(err, apperrors.KindInternal, "unmarshal event headers")
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]EventRecord, error) {
	q := `SELECT id, source, event_type, delivery_id, signature, headers, payload, received_at
		FROM event_records WHERE true`
	args := []any{}
	argN := 0

	next := func(v any) string {
		argN++
		args = append(args, v)
		return fmt.Sprintf("$%d", argN)
	}

	if filter.Source != "" {
		q += " AND source = " + next(filter.Source)
	}
	if !filter.Since.IsZero() {
		q += " AND received_at >= " + next(filter.Since)
	}
	if !filter.Until.IsZero() {
		q += " AND received_at <= " + next(filter.Until)
	}
	q += " ORDER BY id ASC"
	if filter.Limit > 0 {
		q += " LIMIT " + next(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUnavailable, "list event records")
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var rawHeaders []byte
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.EventType, &rec.DeliveryID, &rec.Signature, &rawHeaders, &rec.Payload, &rec.ReceivedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindInternal, "scan event record")
		}
		if err := json.Unmarshal(rawHeaders, &rec.Headers); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindInternal, "unmarshal event headers")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM event_records WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindUnavailable, "purge expired event records")
	}
	return tag.RowsAffected(), nil
}
