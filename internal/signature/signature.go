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

// Package signature verifies the per-source signing schemes the webhook
// router accepts: raw HMAC-SHA256 (GitHub, PagerDuty, Linear, ...) and
// Slack's timestamp-bound variant. GitHub's own scheme is additionally
// verified via google/go-github's ValidatePayload at the router boundary,
// since go-github already implements it bit-exact; this package covers the
// sources go-github does not.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SlackMaxClockSkew is the maximum tolerated gap between a Slack request's
// timestamp and the verifier's clock, per Slack's documented scheme.
const SlackMaxClockSkew = 5 * time.Minute

// VerifyHMACSHA256 checks a raw "sha256=<hex>" or bare "<hex>" style
// signature against body, constant-time. Used by PagerDuty, Linear, and any
// other source whose header is a plain HMAC-SHA256 hex digest.
func VerifyHMACSHA256(secret []byte, body []byte, header string) bool {
	digest := strings.TrimPrefix(header, "sha256=")
	if digest == "" {
		return false
	}

	expected := hmacHex(secret, body)
	return hmac.Equal([]byte(expected), []byte(digest))
}

// VerifySlack checks Slack's `v0:<timestamp>:<body>` HMAC scheme, rejecting
// requests whose timestamp has drifted more than SlackMaxClockSkew from now.
func VerifySlack(secret []byte, body []byte, timestampHeader, signatureHeader string, now time.Time) error {
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid X-Slack-Request-Timestamp: %w", err)
	}

	age := now.Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > SlackMaxClockSkew {
		return fmt.Errorf("timestamp %s outside %s window", timestampHeader, SlackMaxClockSkew)
	}

	basestring := "v0:" + timestampHeader + ":" + string(body)
	expected := "v0=" + hmacHex(secret, []byte(basestring))

	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func hmacHex(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
