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

// Package ratelimit is the per-IP edge throttle in front of the webhook
// router and the rest of the HTTP surface (spec §4.1 step 2, §4.8, §8
// boundary case, S4). One token-bucket limiter per client IP, held in a
// size-bounded LRU map so a flood of distinct IPs cannot grow it unbounded.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedKeys bounds the limiter map; the oldest-used key is evicted
// once the map would grow past this.
const maxTrackedKeys = 10_000

// Limiter is a per-key (IP) request throttle.
type Limiter struct {
	mu           sync.Mutex
	perMinute    int
	limiters     map[string]*rate.Limiter
	order        []string
}

// New builds a Limiter allowing perMinute requests per key, with a burst
// equal to perMinute (so a key can spend its whole budget in one burst but
// no more).
func New(perMinute int) *Limiter {
	return &Limiter{
		perMinute: perMinute,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request from key may proceed, consuming one
// token from its bucket if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if ok {
		l.touch(key)
		return lim.Allow()
	}

	if len(l.limiters) >= maxTrackedKeys {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.limiters, oldest)
	}

	lim = rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute)
	l.limiters[key] = lim
	l.order = append(l.order, key)
	return lim.Allow()
}

func (l *Limiter) touch(key string) {
	for i, k := range l.order {
		if k == key {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.order = append(l.order, key)
}
