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

	"github.com/open-policy-agent/opa/v1/rego"
)

// OPAEvaluator evaluates decisions against a compiled rego query, for
// organizations that want policy-as-code instead of (or alongside) the
// built-in YAML table. query must return an object shaped like Decision's
// JSON fields (allow, action, risk, mode, reason).
type OPAEvaluator struct {
	prepared rego.PreparedEvalQuery
	log      *slog.Logger
}

// NewOPAEvaluator compiles the rego module at path under the given query
// (e.g. "data.gateway.policy.decision").
func NewOPAEvaluator(ctx context.Context, path, query string, log *slog.Logger) (*OPAEvaluator, error) {
	r := rego.New(
		rego.Query(query),
		rego.Load([]string{path}, nil),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy rego module %s: %w", path, err)
	}
	return &OPAEvaluator{prepared: prepared, log: log}, nil
}

func (e *OPAEvaluator) Evaluate(ctx context.Context, kind string, evalContext map[string]any) (Decision, error) {
	input := map[string]any{"kind": kind, "context": evalContext}

	results, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate policy for kind %q: %w", kind, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("policy query for kind %q produced no result", kind)
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("policy query for kind %q returned unexpected shape", kind)
	}

	return decisionFromMap(obj), nil
}

func decisionFromMap(obj map[string]any) Decision {
	d := Decision{Mode: ModeAsk, Risk: RiskLow}
	if v, ok := obj["allow"].(bool); ok {
		d.Allow = v
	}
	if v, ok := obj["action"].(string); ok {
		d.Action = v
	}
	if v, ok := obj["risk"].(string); ok {
		d.Risk = Risk(v)
	}
	if v, ok := obj["mode"].(string); ok {
		d.Mode = Mode(v)
	}
	if v, ok := obj["reason"].(string); ok {
		d.Reason = v
	}
	return d
}

// ExternalEvaluator wraps an OPAEvaluator with a fallback to a builtin
// table: per spec §4.4, a network/evaluation error falls back to the
// built-in table rather than failing closed.
type ExternalEvaluator struct {
	external Evaluator
	fallback Evaluator
	log      *slog.Logger
}

// NewExternalEvaluator composes external with fallback.
func NewExternalEvaluator(external, fallbackEvaluator Evaluator, log *slog.Logger) *ExternalEvaluator {
	return &ExternalEvaluator{external: external, fallback: fallbackEvaluator, log: log}
}

func (e *ExternalEvaluator) Evaluate(ctx context.Context, kind string, evalContext map[string]any) (Decision, error) {
	decision, err := e.external.Evaluate(ctx, kind, evalContext)
	if err != nil {
		e.log.Warn("external policy evaluator failed, falling back to built-in table", "kind", kind, "error", err)
		return e.fallback.Evaluate(ctx, kind, evalContext)
	}
	return decision, nil
}
