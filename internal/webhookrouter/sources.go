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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
	"github.com/evanhourigan/telemetry-gateway/internal/signature"
)

// genericPayload is the loose shape used by the source-specific derive
// closures below. Every field is optional; a source only reads the ones its
// derivation table entry names.
type genericPayload struct {
	Type          string `json:"type"`
	WebhookEvent  string `json:"webhookEvent"`
	Action        string `json:"action"`
	EventID       string `json:"event_id"`
	GroupKey      string `json:"groupKey"`
	Status        string `json:"status"`
	Event         struct {
		Type      string `json:"type"`
		EventType string `json:"event_type"`
		ID        string `json:"id"`
	} `json:"event"`
	ID        string `json:"id"`
	Challenge string `json:"challenge"`
}

func parseGeneric(body []byte) genericPayload {
	var p genericPayload
	_ = json.Unmarshal(body, &p)
	return p
}

// specs is the closed dispatch table for config.Sources. Sources whose
// derivation the representative table in spec §4.1 leaves unlisted fall
// back to a generic "type header, or payload id, or body digest" scheme
// (genericSpec), since §4.1 step 4 requires synthesizing a stable key from
// the payload when the source supplies none.
var specs = map[string]sourceSpec{
	"github": {
		derive: func(headers http.Header, body []byte) (string, string, error) {
			eventType := headers.Get("X-GitHub-Event")
			deliveryID := headers.Get("X-GitHub-Delivery")
			if eventType == "" || deliveryID == "" {
				return "", "", fmt.Errorf("missing X-GitHub-Event/X-GitHub-Delivery headers")
			}
			return eventType, deliveryID, nil
		},
		// Signature is verified via go-github's ValidatePayload, special-cased
		// in Router.verifySignature; verify is intentionally nil here.
	},
	"jira": {
		derive: func(headers http.Header, body []byte) (string, string, error) {
			p := parseGeneric(body)
			if p.WebhookEvent == "" {
				return "", "", fmt.Errorf("missing payload webhookEvent")
			}
			deliveryID := headers.Get("X-Atlassian-Webhook-Identifier")
			if deliveryID == "" {
				deliveryID = "jira-" + p.WebhookEvent + "-" + sha256Hex(body)[:16]
			}
			return p.WebhookEvent, deliveryID, nil
		},
		verify: func(secret []byte, headers http.Header, body []byte, now time.Time) error {
			shared := headers.Get("X-Webhook-Secret")
			if shared == "" {
				return fmt.Errorf("missing X-Webhook-Secret header")
			}
			if !constantTimeEqual(shared, string(secret)) {
				return fmt.Errorf("shared secret mismatch")
			}
			return nil
		},
	},
	"slack": {
		derive: func(headers http.Header, body []byte) (string, string, error) {
			p := parseGeneric(body)
			eventType := p.Type
			if p.Event.Type != "" {
				eventType = p.Event.Type
			}
			if eventType == "" {
				return "", "", fmt.Errorf("missing payload type/event.type")
			}
			deliveryID := p.EventID
			if deliveryID == "" {
				deliveryID = "slack-" + eventType + "-" + sha256Hex(body)[:16]
			}
			return eventType, deliveryID, nil
		},
		verify: func(secret []byte, headers http.Header, body []byte, now time.Time) error {
			return signature.VerifySlack(secret, body, headers.Get("X-Slack-Request-Timestamp"), headers.Get("X-Slack-Signature"), now)
		},
		handshake: slackHandshake,
	},
	"pagerduty": {
		derive: func(headers http.Header, body []byte) (string, string, error) {
			p := parseGeneric(body)
			if p.Event.EventType == "" {
				return "", "", fmt.Errorf("missing payload event.event_type")
			}
			id := p.Event.ID
			if id == "" {
				id = sha256Hex(body)[:16]
			}
			return p.Event.EventType, "pd-" + id, nil
		},
		verify: func(secret []byte, headers http.Header, body []byte, now time.Time) error {
			if !signature.VerifyHMACSHA256(secret, body, headers.Get("X-PagerDuty-Signature")) {
				return fmt.Errorf("signature mismatch")
			}
			return nil
		},
	},
	"linear": {
		derive: func(headers http.Header, body []byte) (string, string, error) {
			p := parseGeneric(body)
			if p.Type == "" {
				return "", "", fmt.Errorf("missing payload type")
			}
			eventType := p.Type + ":" + p.Action
			id := p.ID
			if id == "" {
				id = sha256Hex(body)[:16]
			}
			return eventType, "linear-" + p.Type + "-" + p.Action + "-" + id, nil
		},
		verify: func(secret []byte, headers http.Header, body []byte, now time.Time) error {
			if !signature.VerifyHMACSHA256(secret, body, headers.Get("Linear-Signature")) {
				return fmt.Errorf("signature mismatch")
			}
			return nil
		},
	},
	"prometheus": {
		derive: func(headers http.Header, body []byte) (string, string, error) {
			p := parseGeneric(body)
			eventType := "alert_firing"
			if p.Status == "resolved" {
				eventType = "alert_resolved"
			}
			return eventType, "prometheus-" + p.GroupKey + "-" + p.Status, nil
		},
		verify: func(secret []byte, headers http.Header, body []byte, now time.Time) error {
			token := headers.Get("Authorization")
			if token == "" {
				return nil // token header is optional per §4.1
			}
			if !constantTimeEqual(token, "Bearer "+string(secret)) {
				return fmt.Errorf("bearer token mismatch")
			}
			return nil
		},
	},
	"cloudwatch": {
		derive: func(headers http.Header, body []byte) (string, string, error) {
			p := parseGeneric(body)
			eventType := p.Type
			if eventType == "" {
				eventType = "eventbridge_notification"
			}
			id := headers.Get("x-amz-sns-message-id")
			if id == "" {
				id = sha256Hex(body)[:16]
			}
			return eventType, id, nil
		},
		// No HMAC scheme: CloudWatch/SNS is trusted via the subscription
		// handshake below, per spec §6's "SNS topic trust" note.
		handshake: cloudwatchHandshake,
	},
}

func init() {
	for _, source := range genericSources {
		specs[source] = sourceSpec{derive: genericDerive(source)}
	}
}

// genericSources is the remainder of config.Sources not covered by the
// representative table in spec §4.1; each gets the generic synth-from-body
// derivation the spec calls for when a source "does not supply" a stable
// identity (§4.1 step 4).
var genericSources = []string{
	"datadog", "sentry", "circleci", "jenkins", "gitlab", "kubernetes", "argocd",
	"ecs", "heroku", "codecov", "sonarqube", "newrelic", "shortcut",
}

func genericDerive(source string) func(http.Header, []byte) (string, string, error) {
	return func(headers http.Header, body []byte) (string, string, error) {
		eventType := firstNonEmpty(headers.Get("X-Event-Type"), headers.Get("X-"+source+"-Event"), parseGeneric(body).Type)
		if eventType == "" {
			eventType = source + "_event"
		}
		deliveryID := firstNonEmpty(headers.Get("X-Delivery-ID"), headers.Get("X-Request-ID"))
		if deliveryID == "" {
			deliveryID = source + "-" + sha256Hex(body)[:16]
		}
		return eventType, deliveryID, nil
	}
}

// slackHandshake implements the url_verification shortcut: echo the
// challenge verbatim, persist nothing (spec §4.1 "URL-verification
// shortcut").
func slackHandshake(_ context.Context, _ *Router, _ http.Header, body []byte) (Result, bool, error) {
	p := parseGeneric(body)
	if p.Type != "url_verification" {
		return Result{}, false, nil
	}
	return Result{IsChallenge: true, Challenge: p.Challenge}, true, nil
}

// cloudwatchHandshake implements the SNS SubscriptionConfirmation handshake:
// fetch SubscribeURL once, confirm, persist nothing (spec §6).
func cloudwatchHandshake(ctx context.Context, r *Router, headers http.Header, body []byte) (Result, bool, error) {
	if headers.Get("x-amz-sns-message-type") != "SubscriptionConfirmation" {
		return Result{}, false, nil
	}

	var msg struct {
		SubscribeURL string `json:"SubscribeURL"`
	}
	if err := json.Unmarshal(body, &msg); err != nil || msg.SubscribeURL == "" {
		return Result{}, true, apperrors.Wrap(err, apperrors.KindValidation, "decoding SNS SubscriptionConfirmation")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, msg.SubscribeURL, nil)
	if err != nil {
		return Result{}, true, apperrors.Wrap(err, apperrors.KindValidation, "building SNS confirmation request")
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Result{}, true, apperrors.Wrap(err, apperrors.KindUnavailable, "confirming SNS subscription")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return Result{}, true, apperrors.Newf(apperrors.KindUnavailable, "SNS confirmation returned status %d", resp.StatusCode)
	}
	return Result{}, true, nil
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
