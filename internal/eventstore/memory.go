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
	"sort"
	"sync"
	"time"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
)

// MemoryStore is an in-process Store used by tests and by single-node
// deployments without a configured database. It preserves the same
// delivery_id uniqueness invariant as the Postgres-backed Store.
type MemoryStore struct {
	mu         sync.Mutex
	nextID     int64
	records    map[int64]EventRecord
	byDelivery map[string]int64
}

// NewMemoryStore returns an empty MemoryStore ready for use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[int64]EventRecord),
		byDelivery: make(map[string]int64),
	}
}

func (s *MemoryStore) Exists(_ context.Context, deliveryID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byDelivery[deliveryID]
	return id, ok, nil
}

func (s *MemoryStore) Insert(_ context.Context, rec EventRecord) (InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byDelivery[rec.DeliveryID]; ok {
		return InsertResult{Record: s.records[existingID], Duplicate: true}, nil
	}

	s.nextID++
	rec.ID = s.nextID
	s.records[rec.ID] = rec
	s.byDelivery[rec.DeliveryID] = rec.ID

	return InsertResult{Record: rec}, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return EventRecord{}, apperrors.NewNotFoundError("event")
	}
	return rec, nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EventRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Source != "" && rec.Source != filter.Source {
			continue
		}
		if !filter.Since.IsZero() && rec.ReceivedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && rec.ReceivedAt.After(filter.Until) {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, rec := range s.records {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.records, id)
			delete(s.byDelivery, rec.DeliveryID)
			removed++
		}
	}
	return removed, nil
}
