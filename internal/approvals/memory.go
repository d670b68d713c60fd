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
	"sync"
	"time"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
)

// MemoryStore is an in-process Store for tests and single-node runs. The
// single mutex around Decide is what gives it the at-most-once transition
// guarantee; the Postgres store gets the same guarantee from a conditional
// UPDATE ... WHERE status = 'pending'.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]Approval
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]Approval)}
}

func (s *MemoryStore) Propose(_ context.Context, a Approval) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	a.ID = s.nextID
	s.records[a.ID] = a
	return a, nil
}

func (s *MemoryStore) Decide(_ context.Context, id int64, newStatus Status, decidedBy, reason string, decidedAt time.Time) (Approval, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.records[id]
	if !ok {
		return Approval{}, false, apperrors.NewNotFoundError("approval")
	}
	if a.Status != StatusPending {
		return a, false, nil
	}

	a.Status = newStatus
	a.Decision = newStatus
	a.DecidedBy = decidedBy
	a.Reason = reason
	at := decidedAt
	a.DecidedAt = &at
	s.records[id] = a
	return a, true, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.records[id]
	if !ok {
		return Approval{}, apperrors.NewNotFoundError("approval")
	}
	return a, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Approval, 0, len(s.records))
	for _, a := range s.records {
		out = append(out, a)
	}
	return out, nil
}

func (s *MemoryStore) FindActiveDuplicate(_ context.Context, subject, action string, ttl time.Duration, now time.Time) (Approval, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.records {
		if a.Subject != subject || a.Action != action {
			continue
		}
		if a.Status != StatusPending {
			continue
		}
		if ttl > 0 && now.Sub(a.CreatedAt) > ttl {
			continue
		}
		return a, true, nil
	}
	return Approval{}, false, nil
}
