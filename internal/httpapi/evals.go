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
	"net/http"
)

// handleEvalsRun is POST /v1/evals/run: the same rule batch
// signals/evaluate runs, summarized into timing and counts rather than
// per-rule detail (spec §6 "timing and counts for a rule batch").
func (s *Server) handleEvalsRun(w http.ResponseWriter, r *http.Request) {
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

	var totalMatches int
	var totalElapsedMS int64
	failed := 0
	for _, res := range results {
		totalMatches += res.Matches
		totalElapsedMS += res.ElapsedMS
		if res.Error != "" {
			failed++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rule_count":       len(results),
		"failed_count":     failed,
		"total_matches":    totalMatches,
		"total_elapsed_ms": totalElapsedMS,
	})
}
