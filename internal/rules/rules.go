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

// Package rules loads the YAML-defined rule list the signal evaluator runs
// each cycle, reloading it on file change via internal/reload.
package rules

import (
	"fmt"
	"log/slog"

	"github.com/goccy/go-yaml"

	"github.com/evanhourigan/telemetry-gateway/internal/reload"
)

// Kind is the closed set of signal-evaluator rule kinds.
type Kind string

const (
	KindStalePR         Kind = "stale_pr"
	KindWIPLimitExceeded Kind = "wip_limit_exceeded"
	KindPRWithoutReview Kind = "pr_without_review"
	KindNoTicketLink    Kind = "no_ticket_link"
)

var validKinds = map[Kind]bool{
	KindStalePR:          true,
	KindWIPLimitExceeded: true,
	KindPRWithoutReview:  true,
	KindNoTicketLink:     true,
}

// Rule is one entry in the rule list.
type Rule struct {
	Name       string         `yaml:"name"`
	Kind       Kind           `yaml:"kind"`
	Parameters map[string]any `yaml:"parameters"`
}

// Document is the top-level shape of a rules YAML file.
type Document struct {
	Rules []Rule `yaml:"rules"`
}

// Parse decodes and validates raw YAML, rejecting rules with unknown
// kinds up front rather than letting them surface mid-evaluation.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse rules yaml: %w", err)
	}
	for _, r := range doc.Rules {
		if !validKinds[r.Kind] {
			return Document{}, fmt.Errorf("rule %q: unknown kind %q", r.Name, r.Kind)
		}
	}
	return doc, nil
}

// Loader keeps the active Document fresh from RULES_PATH.
type Loader struct {
	watcher *reload.Watcher[Document]
}

// NewLoader reads path once, validates it, and starts watching for changes.
func NewLoader(path string, log *slog.Logger) (*Loader, error) {
	w, err := reload.New(path, Parse, log)
	if err != nil {
		return nil, err
	}
	return &Loader{watcher: w}, nil
}

// Rules returns the currently active rule list.
func (l *Loader) Rules() []Rule {
	return l.watcher.Get().Rules
}

// Close stops the background watch.
func (l *Loader) Close() error {
	return l.watcher.Close()
}
