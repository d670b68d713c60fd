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
	"sync"
	"time"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
)

// MemoryQueue is an in-process Queue for tests and single-node runs.
type MemoryQueue struct {
	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]Job
	order   []int64 // queued jobs, oldest first
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[int64]Job)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, j Job) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	j.ID = q.nextID
	j.Status = StatusQueued
	if j.MaxAttempts == 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	q.jobs[j.ID] = j
	q.order = append(q.order, j.ID)
	return j, nil
}

func (q *MemoryQueue) Claim(_ context.Context) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, id := range q.order {
		j := q.jobs[id]
		if j.Status != StatusQueued {
			continue
		}
		now := time.Now().UTC()
		j.Status = StatusRunning
		j.StartedAt = &now
		q.jobs[id] = j
		q.order = append(q.order[:i], q.order[i+1:]...)
		return j, true, nil
	}
	return Job{}, false, nil
}

func (q *MemoryQueue) Complete(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return apperrors.NewNotFoundError("workflow job")
	}
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.CompletedAt = &now
	q.jobs[id] = j
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, id int64, errMsg string, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return apperrors.NewNotFoundError("workflow job")
	}
	j.Attempts++
	j.LastError = errMsg
	if requeue && j.Attempts < j.MaxAttempts {
		j.Status = StatusQueued
		j.StartedAt = nil
		q.jobs[id] = j
		q.order = append(q.order, id)
		return nil
	}

	j.Status = StatusFailed
	now := time.Now().UTC()
	j.CompletedAt = &now
	q.jobs[id] = j
	return nil
}

func (q *MemoryQueue) Get(_ context.Context, id int64) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return Job{}, apperrors.NewNotFoundError("workflow job")
	}
	return j, nil
}

func (q *MemoryQueue) List(_ context.Context) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (q *MemoryQueue) Delete(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return apperrors.NewNotFoundError("workflow job")
	}
	if j.Status != StatusQueued {
		return apperrors.NewConflictError("only queued jobs can be deleted")
	}
	delete(q.jobs, id)
	for i, id2 := range q.order {
		if id2 == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return nil
}
