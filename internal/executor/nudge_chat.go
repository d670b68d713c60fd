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

package executor

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/evanhourigan/telemetry-gateway/internal/quota"
)

// SlackPostsQuotaKind is the quota.Counters key nudge_chat consumes
// (MAX_DAILY_SLACK_POSTS, spec §6, §8 scenario S5).
const SlackPostsQuotaKind = "slack_posts"

// NewNudgeChatAdapter posts payload["text"] to payload["channel"] via the
// Slack Web API, consuming the slack_posts daily quota first. Quota
// exhaustion is a permanent failure; a Slack API/network error is
// transient and left to the Runner's retry/backoff.
func NewNudgeChatAdapter(client *slack.Client, counters *quota.Counters) Adapter {
	return func(ctx context.Context, payload map[string]any, ec ExecContext) error {
		channel, _ := payload["channel"].(string)
		text, _ := payload["text"].(string)
		if channel == "" {
			channel, _ = payload["slack_channel"].(string)
		}
		if channel == "" || text == "" {
			return fmt.Errorf("nudge_chat: payload requires non-empty channel and text")
		}

		if err := consumeQuota(counters, SlackPostsQuotaKind); err != nil {
			return err
		}

		_, _, err := client.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
		if err != nil {
			return fmt.Errorf("nudge_chat: post to %s: %w", channel, err)
		}
		return nil
	}
}
