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
)

// policyEvaluateRequest is POST /v1/policy/evaluate's body: {kind, …context}.
// The context fields are everything besides "kind", so this is decoded
// twice: once into a typed wrapper for "kind", once into a loose map for
// the rest.
func (s *Server) handlePolicyEvaluate(w http.ResponseWriter, r *http.Request) {
	body, err := readAll(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var envelope struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.KindValidation, "invalid JSON body"))
		return
	}
	if envelope.Kind == "" {
		writeError(w, apperrors.NewValidationError("kind is required"))
		return
	}

	var evalContext map[string]any
	if err := json.Unmarshal(body, &evalContext); err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.KindValidation, "invalid JSON body"))
		return
	}
	delete(evalContext, "kind")

	decision, err := s.pol.Evaluate(r.Context(), envelope.Kind, evalContext)
	if err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.KindInternal, "policy evaluation failed"))
		return
	}
	writeJSON(w, http.StatusOK, decision)
}
