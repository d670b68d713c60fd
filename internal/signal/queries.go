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

package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/evanhourigan/telemetry-gateway/internal/eventstore"
)

// pr is the normalized view of a GitHub pull request the four closed rule
// kinds query against, folded from every pull_request[_review] EventRecord
// seen for a given PR number.
type pr struct {
	Repo               string
	Number             int
	Title              string
	Body               string
	State              string // "open" or "closed", from the most recent event
	Draft              bool
	UpdatedAt          time.Time
	ReviewersRequested bool
	Reviewed           bool
	AssigneeLogin      string
}

// AssigneeResolver collapses a source-specific login (a GitHub handle, a
// Jira account) onto the canonical user_id internal/identity tracks for
// it. Returns login unchanged when no mapping exists, so an unresolved
// assignee still contributes to their own WIP count rather than vanishing.
type AssigneeResolver func(ctx context.Context, githubLogin string) string

func floatToInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

// foldPullRequests replays every "pull_request" and "pull_request_review"
// EventRecord under source=github into a latest-state-wins map keyed by
// "owner/repo#number", matching the append-only, idempotent shape of the
// Event Store (spec §4.1/§4.5: rule queries run directly against stored
// EventRecords).
func foldPullRequests(ctx context.Context, store eventstore.Store) (map[string]*pr, error) {
	records, err := store.List(ctx, eventstore.ListFilter{Source: "github"})
	if err != nil {
		return nil, fmt.Errorf("list github events: %w", err)
	}

	prs := make(map[string]*pr)
	for _, rec := range records {
		switch rec.EventType {
		case "pull_request":
			foldPullRequestEvent(prs, rec)
		case "pull_request_review":
			foldReviewEvent(prs, rec)
		}
	}
	return prs, nil
}

func foldPullRequestEvent(prs map[string]*pr, rec eventstore.EventRecord) {
	var body struct {
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
		PullRequest struct {
			Number             int    `json:"number"`
			Title              string `json:"title"`
			Body               string `json:"body"`
			State              string `json:"state"`
			Draft              bool   `json:"draft"`
			UpdatedAt          string `json:"updated_at"`
			RequestedReviewers []any  `json:"requested_reviewers"`
			Assignee           struct {
				Login string `json:"login"`
			} `json:"assignee"`
		} `json:"pull_request"`
	}
	if err := json.Unmarshal([]byte(rec.Payload), &body); err != nil {
		return
	}
	if body.Repository.FullName == "" || body.PullRequest.Number == 0 {
		return
	}
	key := body.Repository.FullName + "#" + strconv.Itoa(body.PullRequest.Number)
	updatedAt, _ := time.Parse(time.RFC3339, body.PullRequest.UpdatedAt)
	if updatedAt.IsZero() {
		updatedAt = rec.ReceivedAt
	}

	existing, ok := prs[key]
	if ok && existing.UpdatedAt.After(updatedAt) {
		// A later event for this PR has already been folded in; an
		// out-of-order delivery must not regress observed state.
		return
	}

	prs[key] = &pr{
		Repo:               body.Repository.FullName,
		Number:             body.PullRequest.Number,
		Title:              body.PullRequest.Title,
		Body:               body.PullRequest.Body,
		State:              body.PullRequest.State,
		Draft:              body.PullRequest.Draft,
		UpdatedAt:          updatedAt,
		ReviewersRequested: len(body.PullRequest.RequestedReviewers) > 0,
		Reviewed:           ok && existing.Reviewed,
		AssigneeLogin:      body.PullRequest.Assignee.Login,
	}
}

func foldReviewEvent(prs map[string]*pr, rec eventstore.EventRecord) {
	var body struct {
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
		PullRequest struct {
			Number int `json:"number"`
		} `json:"pull_request"`
	}
	if err := json.Unmarshal([]byte(rec.Payload), &body); err != nil {
		return
	}
	if body.Repository.FullName == "" || body.PullRequest.Number == 0 {
		return
	}
	key := body.Repository.FullName + "#" + strconv.Itoa(body.PullRequest.Number)
	if existing, ok := prs[key]; ok {
		existing.Reviewed = true
	}
}

func subjectFor(p *pr) string {
	return fmt.Sprintf("pr:%s#%d", p.Repo, p.Number)
}

func contextFor(p *pr) map[string]any {
	return map[string]any{
		"owner":  ownerOf(p.Repo),
		"repo":   repoOf(p.Repo),
		"number": p.Number,
		"title":  p.Title,
	}
}

func ownerOf(fullName string) string {
	for i, c := range fullName {
		if c == '/' {
			return fullName[:i]
		}
	}
	return fullName
}

func repoOf(fullName string) string {
	for i, c := range fullName {
		if c == '/' {
			return fullName[i+1:]
		}
	}
	return ""
}

func hoursParam(params map[string]any, key string, fallback float64) time.Duration {
	if v, ok := params[key]; ok {
		if f, ok := toFloat(v); ok {
			return time.Duration(f * float64(time.Hour))
		}
	}
	return time.Duration(fallback * float64(time.Hour))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func intParam(params map[string]any, key string, fallback int) int {
	if v, ok := params[key]; ok {
		return floatToInt(v)
	}
	return fallback
}

// StalePR matches open, non-draft pull requests whose last observed update
// is older than parameters["older_than_hours"] (default 72h).
func StalePR(ctx context.Context, store eventstore.Store, params map[string]any, now time.Time) ([]Match, error) {
	threshold := hoursParam(params, "older_than_hours", 72)
	prs, err := foldPullRequests(ctx, store)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, p := range prs {
		if p.State != "open" || p.Draft {
			continue
		}
		if now.Sub(p.UpdatedAt) >= threshold {
			matches = append(matches, Match{Subject: subjectFor(p), Context: contextFor(p)})
		}
	}
	return matches, nil
}

// PRWithoutReview matches open pull requests with reviewers requested but
// no review submitted, older than parameters["older_than_hours"] (default
// 24h).
func PRWithoutReview(ctx context.Context, store eventstore.Store, params map[string]any, now time.Time) ([]Match, error) {
	threshold := hoursParam(params, "older_than_hours", 24)
	prs, err := foldPullRequests(ctx, store)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, p := range prs {
		if p.State != "open" || p.Draft || !p.ReviewersRequested || p.Reviewed {
			continue
		}
		if now.Sub(p.UpdatedAt) >= threshold {
			matches = append(matches, Match{Subject: subjectFor(p), Context: contextFor(p)})
		}
	}
	return matches, nil
}

// WIPLimitExceeded matches repositories with more open, non-draft pull
// requests than parameters["limit"] (default 10); the match subject is the
// repository, not an individual PR. When resolveAssignee is non-nil, PRs
// are also grouped by the assignee's canonical identity (collapsing e.g. a
// GitHub login and a Jira account onto one person, spec §4.12) and an
// additional per-person match is emitted alongside the per-repo one, so a
// WIP limit can be enforced at either granularity.
func WIPLimitExceeded(ctx context.Context, store eventstore.Store, params map[string]any, now time.Time, resolveAssignee AssigneeResolver) ([]Match, error) {
	limit := intParam(params, "limit", 10)
	prs, err := foldPullRequests(ctx, store)
	if err != nil {
		return nil, err
	}

	openByRepo := make(map[string]int)
	openByAssignee := make(map[string]int)
	for _, p := range prs {
		if p.State != "open" || p.Draft {
			continue
		}
		openByRepo[p.Repo]++
		if resolveAssignee != nil && p.AssigneeLogin != "" {
			openByAssignee[resolveAssignee(ctx, p.AssigneeLogin)]++
		}
	}

	var matches []Match
	for repo, count := range openByRepo {
		if count > limit {
			matches = append(matches, Match{
				Subject: "repo:" + repo,
				Context: map[string]any{"owner": ownerOf(repo), "repo": repoOf(repo), "open_prs": count, "limit": limit},
			})
		}
	}
	for userID, count := range openByAssignee {
		if count > limit {
			matches = append(matches, Match{
				Subject: "user:" + userID,
				Context: map[string]any{"user_id": userID, "open_prs": count, "limit": limit},
			})
		}
	}
	return matches, nil
}

// NoTicketLink matches open pull requests whose title and body do not
// match parameters["ticket_pattern"] (a regexp; default matches common
// ticket-ID shapes like "JIRA-123" or "#123").
func NoTicketLink(ctx context.Context, store eventstore.Store, params map[string]any, now time.Time) ([]Match, error) {
	pattern := "[A-Z][A-Z0-9]+-\\d+|#\\d+"
	if v, ok := params["ticket_pattern"].(string); ok && v != "" {
		pattern = v
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("no_ticket_link: invalid ticket_pattern: %w", err)
	}

	prs, err := foldPullRequests(ctx, store)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, p := range prs {
		if p.State != "open" || p.Draft {
			continue
		}
		if re.MatchString(p.Title) || re.MatchString(p.Body) {
			continue
		}
		matches = append(matches, Match{Subject: subjectFor(p), Context: contextFor(p)})
	}
	return matches, nil
}
