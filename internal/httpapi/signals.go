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

package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
	"github.com/evanhourigan/telemetry-gateway/internal/rules"
)

// signalsEvaluateRequest is POST /v1/signals/evaluate's body: either an
// already-structured rule list or a raw YAML document, per spec §6 and
// the round-trip property in §8 invariant 5.
type signalsEvaluateRequest struct {
	Rules []rules.Rule `json:"rules"`
	YAML  string       `json:"yaml"`
}

// parseRuleBody decodes body into a rule list, accepting either shape and
// rejecting one that is neither (spec: "unknown input shape returns 400").
func parseRuleBody(body []byte) ([]rules.Rule, error) {
	var req signalsEvaluateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "invalid JSON body")
	}
	if req.YAML != "" {
		doc, err := rules.Parse([]byte(req.YAML))
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindValidation, "invalid rules yaml")
		}
		return doc.Rules, nil
	}
	if len(req.Rules) > 0 {
		return req.Rules, nil
	}
	return nil, apperrors.NewValidationError("body must contain a non-empty \"rules\" array or a \"yaml\" document")
}

func (s *Server) handleSignalsEvaluate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	body, err := readAll(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ruleList, err := parseRuleBody(body)
	if err != nil {
		writeError(w, err)
		return
	}

	results := s.evaluator.Evaluate(r.Context(), ruleList)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
