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

// Package ghclient wraps google/go-github for the executors that talk to
// GitHub's REST API (assign_reviewer, comment_summary, issue_create,
// label). Construction follows the teacher's libs/github.New: a
// PAT-backed oauth2 static token source, since the executors here act as
// the gateway's own service identity rather than a GitHub App installation.
package ghclient

import (
	"context"
	"time"

	"github.com/google/go-github/v69/github"
	"golang.org/x/oauth2"
)

// ClientTimeout bounds every outbound GitHub REST call, per spec §5's
// per-operation deadline requirement.
const ClientTimeout = 15 * time.Second

// Client is the narrow GitHub surface the executors use.
type Client struct {
	rest *github.Client
}

// New builds a Client authenticated with a personal access token (or
// GitHub App installation token minted elsewhere and passed in as token).
func New(ctx context.Context, token string) *Client {
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	httpClient.Timeout = ClientTimeout
	return &Client{rest: github.NewClient(httpClient)}
}

// RequestReviewers requests review from the given GitHub logins on a pull
// request, backing the assign_reviewer executor.
func (c *Client) RequestReviewers(ctx context.Context, owner, repo string, number int, reviewers []string) error {
	_, _, err := c.rest.PullRequests.RequestReviewers(ctx, owner, repo, number, github.ReviewersRequest{
		Reviewers: reviewers,
	})
	return err
}

// CreateComment posts a comment on an issue or pull request, backing the
// comment_summary executor.
func (c *Client) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := c.rest.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: &body})
	return err
}

// CreateIssue opens a new issue, backing the issue_create executor.
func (c *Client) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (number int, err error) {
	issue, _, err := c.rest.Issues.Create(ctx, owner, repo, &github.IssueRequest{
		Title:  &title,
		Body:   &body,
		Labels: &labels,
	})
	if err != nil {
		return 0, err
	}
	return issue.GetNumber(), nil
}

// AddLabels applies labels to an issue or pull request, backing the label
// executor.
func (c *Client) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	_, _, err := c.rest.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels)
	return err
}
