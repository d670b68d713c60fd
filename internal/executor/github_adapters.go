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

	"github.com/evanhourigan/telemetry-gateway/internal/ghclient"
)

// githubTarget pulls the (owner, repo, number) triple every GitHub adapter
// shares out of a job payload. All three fields are required.
func githubTarget(payload map[string]any) (owner, repo string, number int, err error) {
	owner, _ = payload["owner"].(string)
	repo, _ = payload["repo"].(string)
	switch v := payload["number"].(type) {
	case float64:
		number = int(v)
	case int:
		number = v
	}
	if owner == "" || repo == "" || number == 0 {
		return "", "", 0, fmt.Errorf("payload requires non-empty owner, repo, and a non-zero number")
	}
	return owner, repo, number, nil
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// NewAssignReviewerAdapter requests review from payload["reviewers"] on
// the target pull request.
func NewAssignReviewerAdapter(client *ghclient.Client) Adapter {
	return func(ctx context.Context, payload map[string]any, ec ExecContext) error {
		owner, repo, number, err := githubTarget(payload)
		if err != nil {
			return fmt.Errorf("assign_reviewer: %w", err)
		}
		reviewers := stringSlice(payload["reviewers"])
		if len(reviewers) == 0 {
			return fmt.Errorf("assign_reviewer: payload requires a non-empty reviewers list")
		}
		if err := client.RequestReviewers(ctx, owner, repo, number, reviewers); err != nil {
			return fmt.Errorf("assign_reviewer: %w", err)
		}
		return nil
	}
}

// NewCommentSummaryAdapter posts payload["body"] as a comment on the
// target issue or pull request.
func NewCommentSummaryAdapter(client *ghclient.Client) Adapter {
	return func(ctx context.Context, payload map[string]any, ec ExecContext) error {
		owner, repo, number, err := githubTarget(payload)
		if err != nil {
			return fmt.Errorf("comment_summary: %w", err)
		}
		body, _ := payload["body"].(string)
		if body == "" {
			return fmt.Errorf("comment_summary: payload requires a non-empty body")
		}
		if err := client.CreateComment(ctx, owner, repo, number, body); err != nil {
			return fmt.Errorf("comment_summary: %w", err)
		}
		return nil
	}
}

// NewIssueCreateAdapter opens an issue from payload["title"]/["body"]/
// ["labels"] in the target repository (payload["number"] is not required
// here since there is no existing issue/PR to anchor to).
func NewIssueCreateAdapter(client *ghclient.Client) Adapter {
	return func(ctx context.Context, payload map[string]any, ec ExecContext) error {
		owner, _ := payload["owner"].(string)
		repo, _ := payload["repo"].(string)
		title, _ := payload["title"].(string)
		body, _ := payload["body"].(string)
		if owner == "" || repo == "" || title == "" {
			return fmt.Errorf("issue_create: payload requires non-empty owner, repo, and title")
		}
		labels := stringSlice(payload["labels"])
		if _, err := client.CreateIssue(ctx, owner, repo, title, body, labels); err != nil {
			return fmt.Errorf("issue_create: %w", err)
		}
		return nil
	}
}

// NewLabelAdapter applies payload["labels"] to the target issue or pull
// request.
func NewLabelAdapter(client *ghclient.Client) Adapter {
	return func(ctx context.Context, payload map[string]any, ec ExecContext) error {
		owner, repo, number, err := githubTarget(payload)
		if err != nil {
			return fmt.Errorf("label: %w", err)
		}
		labels := stringSlice(payload["labels"])
		if len(labels) == 0 {
			return fmt.Errorf("label: payload requires a non-empty labels list")
		}
		if err := client.AddLabels(ctx, owner, repo, number, labels); err != nil {
			return fmt.Errorf("label: %w", err)
		}
		return nil
	}
}
