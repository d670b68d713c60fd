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

// Package identity maps external accounts (GitHub logins, Slack user IDs,
// Jira account IDs, ...) onto the gateway's own user_id. The mapping
// follows the same "required-key validation over a flat attribute set"
// shape the teacher uses for its GitHub workflow label mapping, generalized
// from static-request labels to a (external_type, external_id) key.
package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
)

// Mapping is one (external_type, external_id) -> user_id binding.
type Mapping struct {
	ExternalType string
	ExternalID   string
	UserID       string
	Metadata     map[string]string
}

func (m Mapping) validate() error {
	var missing []string
	if m.ExternalType == "" {
		missing = append(missing, "external_type")
	}
	if m.ExternalID == "" {
		missing = append(missing, "external_id")
	}
	if m.UserID == "" {
		missing = append(missing, "user_id")
	}
	if len(missing) > 0 {
		return apperrors.NewValidationError(fmt.Sprintf("identity mapping missing required fields: %v", missing))
	}
	return nil
}

func key(externalType, externalID string) string {
	return externalType + ":" + externalID
}

// Store resolves and records external-identity mappings.
type Store interface {
	Upsert(ctx context.Context, m Mapping) error
	Resolve(ctx context.Context, externalType, externalID string) (Mapping, error)
}

// MemoryStore is an in-process Store used by tests and single-node runs.
type MemoryStore struct {
	mu   sync.RWMutex
	byKey map[string]Mapping
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]Mapping)}
}

func (s *MemoryStore) Upsert(_ context.Context, m Mapping) error {
	if err := m.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[key(m.ExternalType, m.ExternalID)] = m
	return nil
}

func (s *MemoryStore) Resolve(_ context.Context, externalType, externalID string) (Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byKey[key(externalType, externalID)]
	if !ok {
		return Mapping{}, apperrors.NewNotFoundError("identity mapping")
	}
	return m, nil
}
