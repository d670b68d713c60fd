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

package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/goccy/go-yaml"

	"github.com/evanhourigan/telemetry-gateway/internal/reload"
)

// entry is one action policy row, as loaded from POLICY_PATH.
type entry struct {
	Action string `yaml:"action"`
	Mode   Mode   `yaml:"mode"`
	Risk   Risk   `yaml:"risk"`
}

// document is the top-level shape of a policy YAML file: `{actions: {kind: {...}}, limits: {...}}`.
type document struct {
	Actions map[string]entry `yaml:"actions"`
	Limits  map[string]int   `yaml:"limits"`
}

func parseDocument(data []byte) (document, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("parse policy yaml: %w", err)
	}
	for kind, e := range doc.Actions {
		switch e.Mode {
		case ModeAuto, ModeAsk, ModeRequireApproval:
		default:
			return document{}, fmt.Errorf("action %q: invalid mode %q", kind, e.Mode)
		}
	}
	return doc, nil
}

// BuiltinEvaluator serves Decisions from a hot-reloadable YAML table. It is
// the always-available default and the fallback target for ExternalEvaluator
// when the configured policy service is unreachable.
type BuiltinEvaluator struct {
	watcher *reload.Watcher[document]
}

// NewBuiltinEvaluator loads path and starts watching it for changes.
func NewBuiltinEvaluator(path string, log *slog.Logger) (*BuiltinEvaluator, error) {
	w, err := reload.New(path, parseDocument, log)
	if err != nil {
		return nil, err
	}
	return &BuiltinEvaluator{watcher: w}, nil
}

func (e *BuiltinEvaluator) Evaluate(_ context.Context, kind string, _ map[string]any) (Decision, error) {
	doc := e.watcher.Get()
	row, ok := doc.Actions[kind]
	if !ok {
		return fallback, nil
	}
	return Decision{
		Allow:  true,
		Action: row.Action,
		Risk:   row.Risk,
		Mode:   row.Mode,
		Reason: fmt.Sprintf("matched policy entry for %q", kind),
	}, nil
}

// Close stops the background watch.
func (e *BuiltinEvaluator) Close() error {
	return e.watcher.Close()
}
