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

// Package httpapi assembles the gateway's chi.Mux: the full HTTP surface
// of §6 (health, webhooks, approvals, workflows, signals, policy, evals,
// DORA metrics, quotas) behind one per-IP rate limiter, CORS, and an
// optional JWT authentication layer. Individual components (approvals,
// workflow, signal, policy) are collaborators injected at construction;
// this package owns only request decoding, validation, and response
// shaping, mirroring the teacher's thin-handler style in
// eventsources.Server.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
	"github.com/evanhourigan/telemetry-gateway/internal/approvals"
	"github.com/evanhourigan/telemetry-gateway/internal/authn"
	"github.com/evanhourigan/telemetry-gateway/internal/config"
	"github.com/evanhourigan/telemetry-gateway/internal/eventstore"
	"github.com/evanhourigan/telemetry-gateway/internal/metrics"
	"github.com/evanhourigan/telemetry-gateway/internal/policy"
	"github.com/evanhourigan/telemetry-gateway/internal/quota"
	"github.com/evanhourigan/telemetry-gateway/internal/ratelimit"
	"github.com/evanhourigan/telemetry-gateway/internal/rules"
	"github.com/evanhourigan/telemetry-gateway/internal/signal"
	"github.com/evanhourigan/telemetry-gateway/internal/webhookrouter"
	"github.com/evanhourigan/telemetry-gateway/internal/workflow"
)

// Server wires every HTTP-facing collaborator into one chi.Mux.
type Server struct {
	cfg *config.Root
	log *slog.Logger

	store     eventstore.Store
	webhooks  *webhookrouter.Router
	approvals *approvals.Service
	queue     workflow.Queue
	evaluator *signal.Evaluator
	rulesDoc  func() []rules.Rule
	pol       policy.Evaluator
	quotas    *quota.Counters

	limiter  *ratelimit.Limiter
	authn    *authn.Verifier
	metrics  *metrics.Registry
	reg      *prometheus.Registry
	validate *validator.Validate

	// dbPing reports database connectivity for /health and /ready. nil
	// when the event store has no meaningful ping (in-memory mode).
	dbPing func(ctx context.Context) error
}

// New builds a Server. authVerifier may be nil when cfg.AuthEnabled is
// false.
func New(
	cfg *config.Root,
	log *slog.Logger,
	store eventstore.Store,
	webhooks *webhookrouter.Router,
	approvalsSvc *approvals.Service,
	queue workflow.Queue,
	evaluator *signal.Evaluator,
	rulesDoc func() []rules.Rule,
	pol policy.Evaluator,
	quotas *quota.Counters,
	m *metrics.Registry,
	reg *prometheus.Registry,
	authVerifier *authn.Verifier,
	dbPing func(ctx context.Context) error,
) *Server {
	return &Server{
		cfg:       cfg,
		log:       log,
		store:     store,
		webhooks:  webhooks,
		approvals: approvalsSvc,
		queue:     queue,
		evaluator: evaluator,
		rulesDoc:  rulesDoc,
		pol:       pol,
		quotas:    quotas,
		limiter:   ratelimit.New(cfg.RateLimitPerMinute),
		authn:     authVerifier,
		metrics:   m,
		reg:       reg,
		validate:  validator.New(),
		dbPing:    dbPing,
	}
}

// Routes builds the mux. Every route, including /health, sits behind the
// per-IP rate limiter (spec §4.8, scenario S4).
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.rateLimitMiddleware)

	if len(s.cfg.CORSAllowOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSAllowOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Post("/webhooks/{source}", s.webhooks.ServeHTTP)

	r.Group(func(r chi.Router) {
		if s.authn != nil {
			r.Use(s.authn.Middleware)
		}

		r.Route("/v1/approvals", func(r chi.Router) {
			r.Post("/propose", s.handleProposeApproval)
			r.Get("/", s.handleListApprovals)
			r.Get("/{id}", s.handleGetApproval)
			r.Post("/{id}/decision", s.handleDecideApproval)
		})

		r.Route("/v1/workflows", func(r chi.Router) {
			r.Post("/run", s.handleRunWorkflow)
			r.Get("/jobs", s.handleListJobs)
		})

		r.Post("/v1/signals/evaluate", s.handleSignalsEvaluate)
		r.Post("/v1/policy/evaluate", s.handlePolicyEvaluate)
		r.Post("/v1/evals/run", s.handleEvalsRun)
		r.Get("/v1/metrics/dora/{metric}", s.handleDORAMetric)
		r.Get("/v1/metrics/quotas", s.handleQuotas)
	})

	return r
}

// rateLimitMiddleware enforces RATE_LIMIT_PER_MIN per client IP across
// the whole surface, including /health (spec §8 S4).
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.Allow(ip) {
			if s.metrics != nil {
				s.metrics.RateLimited.WithLabelValues(r.URL.Path).Inc()
			}
			writeError(w, apperrors.NewRateLimitedError("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.StatusCode(err), map[string]string{"error": err.Error()})
}

// readAll reads the whole request body without capping it itself. When the
// caller has wrapped the body in http.MaxBytesReader, an overflow becomes a
// typed 413 rather than a generic read error.
func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperrors.NewPayloadTooLargeError("request body too large")
		}
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "reading request body")
	}
	return body, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.KindValidation, "invalid JSON body"))
		return false
	}
	return true
}
