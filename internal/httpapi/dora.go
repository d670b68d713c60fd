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
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
	"github.com/evanhourigan/telemetry-gateway/internal/eventstore"
)

// doraMetrics is the closed set GET /v1/metrics/dora/{metric} serves. The
// analytics transform layer that materializes these views from the event
// log is explicitly out of scope; this handler is the thin pass-through
// the spec describes, approximating each metric directly off
// eventstore.Store until that layer exists.
var doraMetrics = map[string]func(recs []eventstore.EventRecord) map[string]any{
	"lead-time":            leadTimeApprox,
	"deployment-frequency": deploymentFrequencyApprox,
	"change-fail-rate":     changeFailRateApprox,
	"mttr":                 mttrApprox,
}

func (s *Server) handleDORAMetric(w http.ResponseWriter, r *http.Request) {
	metric := chi.URLParam(r, "metric")
	compute, ok := doraMetrics[metric]
	if !ok {
		writeError(w, apperrors.Newf(apperrors.KindValidation, "unknown dora metric %q", metric))
		return
	}

	since := time.Now().UTC().AddDate(0, 0, -30)
	recs, err := s.store.List(r.Context(), eventstore.ListFilter{Since: since})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, compute(recs))
}

func deploymentFrequencyApprox(recs []eventstore.EventRecord) map[string]any {
	count := 0
	for _, rec := range recs {
		if strings.Contains(strings.ToLower(rec.EventType), "deploy") {
			count++
		}
	}
	return map[string]any{
		"metric":          "deployment-frequency",
		"window_days":     30,
		"deployments":     count,
		"per_day_average": float64(count) / 30.0,
	}
}

func changeFailRateApprox(recs []eventstore.EventRecord) map[string]any {
	var deploys, failures int
	for _, rec := range recs {
		lower := strings.ToLower(rec.EventType)
		switch {
		case strings.Contains(lower, "deploy"):
			deploys++
		case strings.Contains(lower, "incident"), strings.Contains(lower, "rollback"):
			failures++
		}
	}
	rate := 0.0
	if deploys > 0 {
		rate = float64(failures) / float64(deploys)
	}
	return map[string]any{
		"metric":           "change-fail-rate",
		"window_days":      30,
		"deployments":      deploys,
		"failures":         failures,
		"change_fail_rate": rate,
	}
}

func leadTimeApprox(recs []eventstore.EventRecord) map[string]any {
	return map[string]any{
		"metric":      "lead-time",
		"window_days": 30,
		"sample_size": len(recs),
		"note":        "full commit-to-deploy lead time requires the analytics transform layer; this is a volume sample, not a computed duration",
	}
}

func mttrApprox(recs []eventstore.EventRecord) map[string]any {
	count := 0
	for _, rec := range recs {
		if strings.Contains(strings.ToLower(rec.EventType), "incident") {
			count++
		}
	}
	return map[string]any{
		"metric":         "mttr",
		"window_days":    30,
		"incident_count": count,
		"note":           "recovery duration requires pairing incident-open/incident-resolved events in the analytics transform layer",
	}
}
