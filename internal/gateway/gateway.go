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

// Package gateway wires every component into one running process:
// NewFromConfig builds the dependency graph from a config.Root, Setup
// prepares anything that needs a live connection check, and Run fans the
// HTTP server, the Signal Evaluator, and N Workflow Runners out under one
// errgroup, shutting all of them down together when ctx is cancelled.
// This mirrors the teacher's approvalservice.Service (NewFromConfig /
// Setup / Run) and its component eventsources.Server.Run shutdown shape.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/slack-go/slack"
	"golang.org/x/sync/errgroup"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
	"github.com/evanhourigan/telemetry-gateway/internal/approvals"
	"github.com/evanhourigan/telemetry-gateway/internal/audit"
	"github.com/evanhourigan/telemetry-gateway/internal/authn"
	"github.com/evanhourigan/telemetry-gateway/internal/config"
	"github.com/evanhourigan/telemetry-gateway/internal/eventbus"
	"github.com/evanhourigan/telemetry-gateway/internal/eventstore"
	"github.com/evanhourigan/telemetry-gateway/internal/executor"
	"github.com/evanhourigan/telemetry-gateway/internal/ghclient"
	"github.com/evanhourigan/telemetry-gateway/internal/httpapi"
	"github.com/evanhourigan/telemetry-gateway/internal/identity"
	"github.com/evanhourigan/telemetry-gateway/internal/metrics"
	"github.com/evanhourigan/telemetry-gateway/internal/policy"
	"github.com/evanhourigan/telemetry-gateway/internal/quota"
	"github.com/evanhourigan/telemetry-gateway/internal/rules"
	"github.com/evanhourigan/telemetry-gateway/internal/signal"
	"github.com/evanhourigan/telemetry-gateway/internal/webhookrouter"
	"github.com/evanhourigan/telemetry-gateway/internal/workflow"

	goredis "github.com/redis/go-redis/v9"
)

// runnerCount is how many concurrent Workflow Runners poll the queue.
// Fixed rather than configurable: the queue's FOR UPDATE SKIP LOCKED claim
// (or, in memory mode, its mutex) already makes additional runners a pure
// throughput knob, not a correctness one.
const runnerCount = 3

// Service is the fully wired gateway process.
type Service struct {
	log *slog.Logger
	cfg config.Root

	api      *httpapi.Server
	evalSvc  *signal.Evaluator
	runners  []*workflow.Runner
	rulesDoc *rules.Loader
	store    eventstore.Store

	pgPool     *pgxpool.Pool
	identityDB *identity.PostgresStore
	listenAddr string
}

// NewFromConfig builds every collaborator described in SPEC_FULL.md's
// domain stack from cfg, following the teacher's approvalservice.NewFromConfig
// shape (one constructor, internal helper methods per concern, returns a
// ready-to-Setup Service).
func NewFromConfig(ctx context.Context, cfg config.Root, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}

	store, pgPool, dbPing, err := newEventStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("building event store: %w", err)
	}

	bus := newEventBus(cfg, log)

	queue, err := newQueue(ctx, cfg, pgPool)
	if err != nil {
		return nil, fmt.Errorf("building workflow queue: %w", err)
	}

	approvalStore, err := newApprovalStore(ctx, cfg, pgPool)
	if err != nil {
		return nil, fmt.Errorf("building approval store: %w", err)
	}

	// ActionLog durability is best-effort by spec (§7: audit failures must
	// not fail the primary operation), and no pack repo models a durable
	// sink for this shape, so the in-memory store is used unconditionally.
	auditDB := audit.NewMemoryStore()

	enqueuer := workflow.Enqueuer{Queue: queue}
	approvalsSvc := approvals.NewService(approvalStore, enqueuer, auditDB, log)

	pol, err := newPolicyEvaluator(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("building policy evaluator: %w", err)
	}

	rulesDoc, err := rules.NewLoader(cfg.RulesPath, log)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	identityStore, identityDB, err := newIdentityStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("building identity store: %w", err)
	}

	evalSvc := signal.New(store, rulesDoc, pol, approvalsSvc, enqueuer, auditDB, log,
		signal.WithInterval(cfg.EvaluatorInterval()), signal.WithMetrics(m), signal.WithIdentity(identityStore))

	quotas := quota.New(map[string]int{
		executor.SlackPostsQuotaKind: cfg.MaxDailySlackPosts,
		"rag_searches":               cfg.MaxDailyRAGSearches,
	})

	registry := newExecutorRegistry(ctx, cfg, quotas)

	runners := make([]*workflow.Runner, 0, runnerCount)
	for i := 0; i < runnerCount; i++ {
		runners = append(runners, workflow.NewRunner(queue, registry, auditDB, log,
			workflow.WithSubjectSerialization(true)))
	}

	var authVerifier *authn.Verifier
	if cfg.AuthEnabled {
		authVerifier = authn.New(cfg.JWTSecretKey, cfg.JWTAlgorithm)
	}

	wh := webhookrouter.New(&cfg, store, bus, m, log)

	api := httpapi.New(&cfg, log, store, wh, approvalsSvc, queue, evalSvc, rulesDoc.Rules, pol, quotas, m, reg, authVerifier, dbPing)

	return &Service{
		log:        log,
		cfg:        cfg,
		api:        api,
		evalSvc:    evalSvc,
		runners:    runners,
		rulesDoc:   rulesDoc,
		store:      store,
		pgPool:     pgPool,
		identityDB: identityDB,
		listenAddr: cfg.ListenAddr,
	}, nil
}

// retentionInterval is how often the janitor checks for rows past
// cfg.RetentionDays. A day is finer-grained than the policy needs but
// cheap against an indexed (source, received_at) scan.
const retentionInterval = 24 * time.Hour

// newIdentityStore returns a durable identity.Store plus the concrete
// *identity.PostgresStore to close on shutdown (nil for the in-memory
// backend, which owns no connection). Separate from cfg.DatabaseURL's
// shared pgxpool.Pool: the identity mapping table is small and read-heavy,
// so it gets its own sqlx.DB over the same DSN rather than borrowing the
// event store's pool type.
func newIdentityStore(cfg config.Root) (identity.Store, *identity.PostgresStore, error) {
	if cfg.DatabaseURL == "" {
		return identity.NewMemoryStore(), nil, nil
	}
	store, err := identity.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

// Setup verifies the process can actually reach its database before Run
// starts serving traffic, matching the teacher's Setup/Run split
// (approvalservice.Service.Setup checks each event source before Run fans
// them out).
func (s *Service) Setup(ctx context.Context) error {
	if s.pgPool != nil {
		if err := s.pgPool.Ping(ctx); err != nil {
			return fmt.Errorf("pinging database: %w", err)
		}
	}
	return nil
}

// Run starts the HTTP server, the Signal Evaluator (when enabled), the
// Workflow Runners, and the retention janitor, blocking until ctx is
// cancelled or one of them returns a fatal error. Shutdown is graceful:
// the HTTP server gets 30s to drain in-flight requests, mirroring
// eventsources.Server.Run.
func (s *Service) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    s.listenAddr,
		Handler: s.api.Routes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	eg.Go(func() error {
		s.log.Info("gateway listening", "addr", s.listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		err := ctx.Err()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			err = errors.Join(err, fmt.Errorf("shutting down http server: %w", shutdownErr))
		}
		return err
	})

	if s.cfg.EvaluatorEnabled {
		eg.Go(func() error {
			return s.evalSvc.Run(ctx)
		})
	}

	for _, runner := range s.runners {
		r := runner
		eg.Go(func() error {
			return r.Run(ctx)
		})
	}

	eg.Go(func() error {
		return s.runRetentionJanitor(ctx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runRetentionJanitor enforces the spec §3/§4.2 retention policy: rows
// older than cfg.RetentionDays are purged on a fixed interval. It runs a
// purge immediately on startup so a long-dormant deployment doesn't wait a
// full interval to catch up, then on every tick thereafter until ctx is
// cancelled.
func (s *Service) runRetentionJanitor(ctx context.Context) error {
	purge := func() {
		cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
		removed, err := s.store.PurgeBefore(ctx, cutoff)
		if err != nil {
			s.log.Error("retention purge failed", "error", err)
			return
		}
		if removed > 0 {
			s.log.Info("retention purge completed", "removed", removed, "cutoff", cutoff)
		}
	}

	purge()

	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			purge()
		}
	}
}

// Close releases long-lived resources (database pools, file watchers)
// that outlive Run's errgroup.
func (s *Service) Close() {
	if err := s.rulesDoc.Close(); err != nil {
		s.log.Warn("closing rules loader", "error", err)
	}
	if s.pgPool != nil {
		s.pgPool.Close()
	}
	if s.identityDB != nil {
		if err := s.identityDB.Close(); err != nil {
			s.log.Warn("closing identity store", "error", err)
		}
	}
}

func newEventStore(ctx context.Context, cfg config.Root) (eventstore.Store, *pgxpool.Pool, func(context.Context) error, error) {
	if cfg.DatabaseURL == "" {
		store := eventstore.NewMemoryStore()
		return store, nil, nil, nil
	}

	store, err := eventstore.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing pool config: %w", err)
	}
	connCfg, err := eventstore.NewPgxConnConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	poolCfg.ConnConfig = connCfg
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, nil, apperrors.Wrap(err, apperrors.KindUnavailable, "connect database pool")
	}

	return store, pool, store.Ping, nil
}

func newEventBus(cfg config.Root, log *slog.Logger) eventbus.Publisher {
	if cfg.RedisURL == "" {
		return eventbus.NoopPublisher{}
	}
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn("invalid REDIS_URL, falling back to no-op event bus", "error", err)
		return eventbus.NoopPublisher{}
	}
	client := goredis.NewClient(opts)
	return eventbus.NewRedisPublisher(client, log)
}

func newQueue(ctx context.Context, cfg config.Root, pool *pgxpool.Pool) (workflow.Queue, error) {
	if pool == nil {
		return workflow.NewMemoryQueue(), nil
	}
	return workflow.NewPostgresQueue(pool), nil
}

func newApprovalStore(ctx context.Context, cfg config.Root, pool *pgxpool.Pool) (approvals.Store, error) {
	if pool == nil {
		return approvals.NewMemoryStore(), nil
	}
	return approvals.NewPostgresStore(pool), nil
}

func newPolicyEvaluator(ctx context.Context, cfg config.Root, log *slog.Logger) (policy.Evaluator, error) {
	builtin, err := policy.NewBuiltinEvaluator(cfg.PolicyPath, log)
	if err != nil {
		return nil, err
	}
	if cfg.OPAURL == "" {
		return builtin, nil
	}
	opa, err := policy.NewOPAEvaluator(ctx, cfg.OPAURL, cfg.OPAQuery, log)
	if err != nil {
		log.Warn("OPA policy bundle failed to load, using built-in table only", "error", err)
		return builtin, nil
	}
	return policy.NewExternalEvaluator(opa, builtin, log), nil
}

// newExecutorRegistry registers the closed set of action executors the
// spec names (spec §4.11): nudge_chat needs a Slack token, the GitHub
// actions need a GitHub token. Either credential being unset simply
// narrows the set of actions this process can dispatch; it is not a
// startup failure, since a gateway that only ingests and evaluates
// (no GITHUB_TOKEN/SLACK_BOT_TOKEN) is a legitimate deployment.
func newExecutorRegistry(ctx context.Context, cfg config.Root, quotas *quota.Counters) *executor.Registry {
	registry := executor.NewRegistry()

	if cfg.GitHubToken != "" {
		gh := ghclient.New(ctx, cfg.GitHubToken)
		registry.Register("assign_reviewer", executor.NewAssignReviewerAdapter(gh))
		registry.Register("comment_summary", executor.NewCommentSummaryAdapter(gh))
		registry.Register("issue_create", executor.NewIssueCreateAdapter(gh))
		registry.Register("label", executor.NewLabelAdapter(gh))
	}

	if cfg.SlackBotToken != "" {
		sc := slack.New(cfg.SlackBotToken)
		registry.Register("nudge_chat", executor.NewNudgeChatAdapter(sc, quotas))
	}

	return registry
}
