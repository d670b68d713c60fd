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

// Package eventstore is the append-only, idempotent home for normalized
// webhook deliveries. It is the exclusive writer for EventRecord rows; no
// other package mutates them.
package eventstore

import (
	"context"
	"time"
)

// EventRecord is an immutable, normalized webhook delivery.
type EventRecord struct {
	ID         int64             `db:"id"`
	Source     string            `db:"source"`
	EventType  string            `db:"event_type"`
	DeliveryID string            `db:"delivery_id"`
	Signature  string            `db:"signature"`
	Headers    map[string]string `db:"headers"`
	Payload    string            `db:"payload"`
	ReceivedAt time.Time         `db:"received_at"`
}

// InsertResult reports whether Insert observed a pre-existing row for the
// given delivery_id rather than creating a new one.
type InsertResult struct {
	Record    EventRecord
	Duplicate bool
}

// ListFilter narrows List queries. Zero values mean "unfiltered".
type ListFilter struct {
	Source string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Store is the exclusive repository for EventRecord. Insert enforces the
// delivery_id uniqueness invariant and must never return two distinct rows
// for the same delivery_id.
type Store interface {
	// Exists reports whether a row for deliveryID has already been
	// persisted, without writing anything. The webhook router uses this
	// to short-circuit before signature verification (spec §4.1 step 5):
	// a duplicate delivery must do no further work, including verifying a
	// signature that a forged retry might fail.
	Exists(ctx context.Context, deliveryID string) (id int64, found bool, err error)
	// Insert persists rec, or reports the existing row when delivery_id
	// already exists. It never returns a validation error for a duplicate;
	// that case is signaled via InsertResult.Duplicate.
	Insert(ctx context.Context, rec EventRecord) (InsertResult, error)
	Get(ctx context.Context, id int64) (EventRecord, error)
	List(ctx context.Context, filter ListFilter) ([]EventRecord, error)
	// PurgeBefore deletes rows with received_at older than cutoff and
	// returns the number removed. Used by the retention sweep.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
