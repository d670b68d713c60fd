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
	"time"
)

// handleHealth is GET /health: {status, db:{ok, details}}, 200 when the
// database round-trips, 503 when it doesn't.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK, details := s.checkDB(r)

	status := "ok"
	code := http.StatusOK
	if !dbOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status": status,
		"db":     map[string]any{"ok": dbOK, "details": details},
	})
}

// handleReady is GET /ready: {ready, db_roundtrip_ms}.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	dbOK, details := s.checkDB(r)
	elapsed := time.Since(start).Milliseconds()

	code := http.StatusOK
	if !dbOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ready":            dbOK,
		"db_roundtrip_ms":  elapsed,
		"details":          details,
	})
}

func (s *Server) checkDB(r *http.Request) (ok bool, details string) {
	if s.dbPing == nil {
		return true, "no database configured for this store"
	}
	if err := s.dbPing(r.Context()); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}
