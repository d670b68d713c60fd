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

package webhookrouter

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/evanhourigan/telemetry-gateway/internal/config"
	"github.com/evanhourigan/telemetry-gateway/internal/eventbus"
	"github.com/evanhourigan/telemetry-gateway/internal/eventstore"
)

// withChiParam attaches a chi route context to req carrying the given URL
// param, mirroring what the real router's mux would populate.
func withChiParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	*req = *req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	return req
}

func testRouter(t *testing.T) (*Router, *eventstore.MemoryStore) {
	t.Helper()
	store := eventstore.NewMemoryStore()
	cfg := &config.Root{
		MaxPayloadBytes: 1 << 20,
		Integrations:    map[string]bool{"github": true, "slack": true},
		WebhookSecrets:  map[string]string{"github": "ghsecret"},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(cfg, store, eventbus.NoopPublisher{}, nil, log)
	return r, store
}

func githubSign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// S1 — idempotent GitHub intake.
func TestHandleGitHubIdempotentIntake(t *testing.T) {
	r, store := testRouter(t)
	body := []byte(`{"zen":"Keep it simple"}`)
	headers := http.Header{
		"Content-Type":        {"application/json"},
		"X-Github-Event":      {"push"},
		"X-Github-Delivery":   {"d-1"},
		"X-Hub-Signature-256": {githubSign([]byte("ghsecret"), body)},
	}

	result, err := r.Handle(context.Background(), "github", headers, body)
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	first := result.ID

	result2, err := r.Handle(context.Background(), "github", headers, body)
	require.NoError(t, err)
	require.True(t, result2.Duplicate)
	require.Equal(t, first, result2.ID)

	recs, err := store.List(context.Background(), eventstore.ListFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "github", recs[0].Source)
	require.Equal(t, "push", recs[0].EventType)
	require.Equal(t, "d-1", recs[0].DeliveryID)
}

// S6 — bad GitHub signature yields 401 and no persisted row.
func TestHandleGitHubSignatureFailure(t *testing.T) {
	r, store := testRouter(t)
	body := []byte(`{"zen":"nope"}`)
	headers := http.Header{
		"Content-Type":        {"application/json"},
		"X-Github-Event":      {"push"},
		"X-Github-Delivery":   {"d-bad"},
		"X-Hub-Signature-256": {"sha256=deadbeef"},
	}

	_, err := r.Handle(context.Background(), "github", headers, body)
	require.Error(t, err)

	recs, err := store.List(context.Background(), eventstore.ListFilter{})
	require.NoError(t, err)
	require.Empty(t, recs)
}

// S2 — Slack url_verification handshake, then a signed event.
func TestHandleSlackHandshakeAndSignedEvent(t *testing.T) {
	r, store := testRouter(t)
	r.cfg.SlackSigningSecret = "slacksecret"

	challenge := []byte(`{"type":"url_verification","challenge":"ABC123"}`)
	result, err := r.Handle(context.Background(), "slack", http.Header{}, challenge)
	require.NoError(t, err)
	require.True(t, result.IsChallenge)
	require.Equal(t, "ABC123", result.Challenge)

	recs, err := store.List(context.Background(), eventstore.ListFilter{})
	require.NoError(t, err)
	require.Empty(t, recs, "handshake must not persist a row")

	body := []byte(`{"type":"event_callback","event":{"type":"message"},"event_id":"ev-1"}`)
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }
	ts := strconv.FormatInt(now.Unix(), 10)
	basestring := "v0:" + ts + ":" + string(body)
	mac := hmac.New(sha256.New, []byte("slacksecret"))
	mac.Write([]byte(basestring))
	sig := "v0=" + hex.EncodeToString(mac.Sum(nil))

	headers := http.Header{
		"X-Slack-Request-Timestamp": {ts},
		"X-Slack-Signature":         {sig},
	}
	result2, err := r.Handle(context.Background(), "slack", headers, body)
	require.NoError(t, err)
	require.False(t, result2.Duplicate)

	recs, err = store.List(context.Background(), eventstore.ListFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "message", recs[0].EventType)
}

// Body exactly at MaxPayloadBytes is accepted; one byte over is rejected
// with 413 (spec §4.1 "Failures").
func TestServeHTTPPayloadSizeBoundary(t *testing.T) {
	r, _ := testRouter(t)
	r.cfg.MaxPayloadBytes = 64

	// Construct a body of exactly 64 bytes by padding a fixed-shape payload.
	base := []byte(`{"zen":""}`)
	pad := 64 - len(base)
	require.GreaterOrEqual(t, pad, 0)
	exact := []byte(`{"zen":"` + string(bytes.Repeat([]byte("a"), pad)) + `"}`)
	require.Len(t, exact, 64)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(exact))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", "d-exact")
	req.Header.Set("X-Hub-Signature-256", githubSign([]byte("ghsecret"), exact))
	rw := httptest.NewRecorder()
	withChiParam(req, "source", "github")
	r.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)

	over := append(append([]byte{}, exact...), 'x')
	req2 := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(over))
	req2.Header.Set("X-GitHub-Event", "push")
	req2.Header.Set("X-GitHub-Delivery", "d-over")
	rw2 := httptest.NewRecorder()
	withChiParam(req2, "source", "github")
	r.ServeHTTP(rw2, req2)
	require.Equal(t, http.StatusRequestEntityTooLarge, rw2.Code)
}
