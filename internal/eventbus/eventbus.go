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

// Package eventbus is the best-effort fan-out of accepted webhook
// deliveries onto a broker subject (component D). Publish failures are
// logged and counted, never propagated: intake latency must not depend on
// broker health (spec §4.3, §5 Backpressure).
package eventbus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Envelope is the message published on events.<source>. It intentionally
// carries a digest of the payload rather than the payload itself: the
// broker is a fan-out signal, not a second copy of the durable record.
type Envelope struct {
	ID            int64     `json:"id"`
	Source        string    `json:"source"`
	EventType     string    `json:"event_type"`
	ReceivedAt    time.Time `json:"received_at"`
	PayloadDigest string    `json:"payload_digest"`
}

// Publisher fans an accepted EventRecord out to downstream consumers.
// Implementations must never return an error that the router treats as
// fatal; Publish itself returning an error only instructs the caller to
// log and count, never to fail the webhook response.
type Publisher interface {
	Publish(ctx context.Context, source string, env Envelope) error
}

// Digest computes the payload_digest carried on the envelope: a SHA-256
// hex digest of the raw payload, so consumers can detect content change
// without re-reading the Event Store.
func Digest(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// RedisPublisher publishes envelopes via Redis Pub/Sub, one channel per
// source (events.<source>), matching the per-source subject naming in
// spec §4.1 step 8.
type RedisPublisher struct {
	client *goredis.Client
	log    *slog.Logger
}

// NewRedisPublisher builds a RedisPublisher over an already-constructed
// client (callers own the client's lifecycle/Close).
func NewRedisPublisher(client *goredis.Client, log *slog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, source string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, "events."+source, data).Err()
}

// NoopPublisher discards every envelope. Used when no broker is
// configured; intake still proceeds per spec §5's backpressure rule.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, Envelope) error { return nil }
