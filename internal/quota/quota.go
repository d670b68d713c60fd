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

// Package quota tracks process-wide daily action counters
// (slack_posts, rag_searches, ...) consumed by outbound side effects before
// they run. Counters reset at UTC midnight (spec §9 Open Question 2: a
// fixed daily epoch rather than a rolling 24h window).
package quota

import (
	"sync"
	"time"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
)

// Counters tracks one named counter per day, with a configured cap per name.
type Counters struct {
	mu      sync.Mutex
	caps    map[string]int
	counts  map[string]int
	day     string
	nowFunc func() time.Time
}

// New builds Counters with the given per-kind caps.
func New(caps map[string]int) *Counters {
	return &Counters{
		caps:    caps,
		counts:  make(map[string]int),
		nowFunc: time.Now,
	}
}

func (c *Counters) resetIfNewDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != c.day {
		c.day = day
		c.counts = make(map[string]int)
	}
}

// Consume increments kind's counter and returns an apperrors
// KindUnavailable error (details "quota_exceeded") if doing so would exceed
// its configured cap. The counter is NOT incremented when the call fails.
func (c *Counters) Consume(kind string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	c.resetIfNewDay(now)

	cap, hasCap := c.caps[kind]
	if hasCap && c.counts[kind]+1 > cap {
		return apperrors.Newf(apperrors.KindUnavailable, "daily quota exceeded for %q (cap %d)", kind, cap).
			WithDetails("quota_exceeded")
	}

	c.counts[kind]++
	return nil
}

// Current returns today's counter value for kind, for the quotas endpoint.
func (c *Counters) Current(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetIfNewDay(c.nowFunc())
	return c.counts[kind]
}

// Snapshot returns all tracked counters for today, for GET /v1/metrics/quotas.
func (c *Counters) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetIfNewDay(c.nowFunc())

	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
