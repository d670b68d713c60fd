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

// Package audit is the append-only outcome trail for every propose/decide/
// execute step in the approvals and workflow pipeline. Writes here never
// fail the operation that triggered them; a log failure is itself logged
// and swallowed.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Outcome is the closed set of ActionLogEntry outcomes.
type Outcome string

const (
	OutcomeProposed Outcome = "proposed"
	OutcomeApproved Outcome = "approved"
	OutcomeDeclined Outcome = "declined"
	OutcomeExecuted Outcome = "executed"
	OutcomeFailed   Outcome = "failed"
)

// Entry is one immutable ActionLogEntry row.
type Entry struct {
	ID       int64
	RuleName string
	Subject  string
	Action   string
	Outcome  Outcome
	Actor    string
	TraceID  string
	Payload  map[string]any
	CreatedAt time.Time
}

// Store appends and lists audit entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
	ListBySubject(ctx context.Context, subject string, limit int) ([]Entry, error)
}

// MemoryStore is an in-process audit Store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) ListBySubject(_ context.Context, subject string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Subject == subject {
			out = append(out, s.entries[i])
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// AppendBestEffort calls store.Append and logs (never propagates) a
// failure. Every caller in the approvals/workflow pipeline uses this
// instead of calling Append directly, per spec §7's audit-path rule.
func AppendBestEffort(ctx context.Context, log *slog.Logger, store Store, e Entry) {
	if err := store.Append(ctx, e); err != nil {
		log.Error("failed to append action log entry",
			"subject", e.Subject, "action", e.Action, "outcome", e.Outcome, "error", err)
	}
}
