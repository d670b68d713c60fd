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

package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
)

// PostgresStore is the durable identity Store, queried with sqlx's
// struct-scanning helpers rather than pgx's positional Scan — this
// mapping table is small and read-heavy, so the ease of `sqlx.Get` against
// a tagged struct outweighs pgx's lower per-query overhead here.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens a sqlx.DB over dsn via pgx's database/sql driver
// (jackc/pgx/v5/stdlib), so the identity mapping shares the same
// connection string and TLS settings as the rest of the gateway's Postgres
// stores without pulling in lib/pq.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening identity store connection: %w", err)
	}
	return &PostgresStore{db: sqlx.NewDb(sqlDB, "pgx")}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type identityRow struct {
	ExternalType string `db:"external_type"`
	ExternalID   string `db:"external_id"`
	UserID       string `db:"user_id"`
	Metadata     []byte `db:"metadata"`
}

func (s *PostgresStore) Upsert(ctx context.Context, m Mapping) error {
	if err := m.validate(); err != nil {
		return err
	}
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindValidation, "encoding identity metadata")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identity_mappings (external_type, external_id, user_id, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_type, external_id)
		DO UPDATE SET user_id = EXCLUDED.user_id, metadata = EXCLUDED.metadata
	`, m.ExternalType, m.ExternalID, m.UserID, metadata)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindUnavailable, "upsert identity mapping")
	}
	return nil
}

func (s *PostgresStore) Resolve(ctx context.Context, externalType, externalID string) (Mapping, error) {
	var row identityRow
	err := s.db.GetContext(ctx, &row, `
		SELECT external_type, external_id, user_id, metadata
		FROM identity_mappings
		WHERE external_type = $1 AND external_id = $2
	`, externalType, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, apperrors.NewNotFoundError("identity mapping")
	}
	if err != nil {
		return Mapping{}, apperrors.Wrap(err, apperrors.KindUnavailable, "resolve identity mapping")
	}

	m := Mapping{ExternalType: row.ExternalType, ExternalID: row.ExternalID, UserID: row.UserID}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &m.Metadata); err != nil {
			return Mapping{}, apperrors.Wrap(err, apperrors.KindValidation, "decoding identity metadata")
		}
	}
	return m, nil
}

var _ Store = (*PostgresStore)(nil)
