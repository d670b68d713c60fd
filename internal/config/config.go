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

// Package config builds the gateway's single immutable configuration
// struct from the process environment and validates it once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Root is the root configuration for the telemetry gateway. It is built
// once by FromEnv and never mutated afterwards; hot-reloadable pieces
// (rules, policy) are not part of this struct — they live behind their
// own mtime-guarded loaders.
type Root struct {
	DatabaseURL string

	RateLimitPerMinute int
	MaxPayloadBytes    int64
	RetentionDays      int

	EvaluatorEnabled    bool
	EvaluatorIntervalSec int
	RulesPath           string
	PolicyPath          string
	// OPAURL is, despite the name (kept for spec compatibility), the path
	// to a compiled rego module: policy.NewOPAEvaluator loads it directly
	// rather than calling out to a running OPA server. Empty disables the
	// external evaluator, leaving the built-in YAML table as the sole
	// policy.Evaluator.
	OPAURL   string
	OPAQuery string

	// RedisURL backs the best-effort event bus publisher. Empty selects
	// eventbus.NoopPublisher, matching spec §4.3's "no broker configured"
	// path.
	RedisURL string

	MaxDailySlackPosts    int
	MaxDailyRAGSearches   int
	SlackSigningSecret    string
	SlackSigningRequired  bool

	// GitHubToken and SlackBotToken credential the executor registry's
	// outbound adapters (ghclient, slack-go). Either may be empty, in
	// which case the corresponding adapters are not registered and jobs
	// targeting those actions fail with a "no adapter registered" error.
	GitHubToken   string
	SlackBotToken string

	Integrations map[string]bool
	// WebhookSecrets holds the per-source signing secret, keyed by the
	// lowercase source name (WEBHOOK_SECRET_<SOURCE>). An empty/missing
	// entry means "signing not configured" for that source, in which case
	// the router accepts the request unverified (spec §4.1 step 6).
	WebhookSecrets map[string]string

	CORSAllowOrigins []string

	AuthEnabled  bool
	JWTSecretKey string
	JWTAlgorithm string

	OTelEnabled           bool
	OTelExporterEndpoint  string

	ListenAddr string
}

// Sources is the closed set of webhook integrations the router registers
// one endpoint per. INTEGRATIONS_<NAME>_ENABLED toggles each.
var Sources = []string{
	"github", "jira", "linear", "pagerduty", "slack", "datadog", "sentry",
	"circleci", "jenkins", "gitlab", "kubernetes", "argocd", "ecs", "heroku",
	"codecov", "sonarqube", "newrelic", "prometheus", "cloudwatch", "shortcut",
}

// FromEnv builds Root from the process environment, applying the documented
// defaults, and fails fast via Validate.
func FromEnv() (Root, error) {
	cfg := Root{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RateLimitPerMinute:   envInt("RATE_LIMIT_PER_MIN", 120),
		MaxPayloadBytes:      envInt64("MAX_PAYLOAD_BYTES", 1<<20),
		RetentionDays:        envInt("RETENTION_DAYS", 30),
		EvaluatorEnabled:     envBool("EVALUATOR_ENABLED", false),
		EvaluatorIntervalSec: envInt("EVALUATOR_INTERVAL_SEC", 60),
		RulesPath:            os.Getenv("RULES_PATH"),
		PolicyPath:           os.Getenv("POLICY_PATH"),
		OPAURL:               os.Getenv("OPA_URL"),
		OPAQuery:             envDefault("OPA_QUERY", "data.gateway.policy.decision"),
		RedisURL:             os.Getenv("REDIS_URL"),
		MaxDailySlackPosts:   envInt("MAX_DAILY_SLACK_POSTS", 200),
		MaxDailyRAGSearches:  envInt("MAX_DAILY_RAG_SEARCHES", 500),
		SlackSigningSecret:   os.Getenv("SLACK_SIGNING_SECRET"),
		SlackSigningRequired: envBool("SLACK_SIGNING_REQUIRED", false),
		GitHubToken:          os.Getenv("GITHUB_TOKEN"),
		SlackBotToken:        os.Getenv("SLACK_BOT_TOKEN"),
		Integrations:         make(map[string]bool, len(Sources)),
		WebhookSecrets:       make(map[string]string, len(Sources)),
		CORSAllowOrigins:     envList("CORS_ALLOW_ORIGINS"),
		AuthEnabled:          envBool("AUTH_ENABLED", false),
		JWTSecretKey:         os.Getenv("JWT_SECRET_KEY"),
		JWTAlgorithm:         envDefault("JWT_ALGORITHM", "HS256"),
		OTelEnabled:          envBool("OTEL_ENABLED", false),
		OTelExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ListenAddr:           envDefault("LISTEN_ADDR", ":8080"),
	}

	for _, source := range Sources {
		enabledKey := fmt.Sprintf("INTEGRATIONS_%s_ENABLED", strings.ToUpper(source))
		cfg.Integrations[source] = envBool(enabledKey, true)

		secretKey := fmt.Sprintf("WEBHOOK_SECRET_%s", strings.ToUpper(source))
		cfg.WebhookSecrets[source] = os.Getenv(secretKey)
	}

	if err := cfg.Validate(); err != nil {
		return Root{}, err
	}
	return cfg, nil
}

// Validate fails fast on configuration that would otherwise surface as a
// confusing runtime error later.
func (c *Root) Validate() error {
	missing := []string{}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MIN must be positive, got %d", c.RateLimitPerMinute)
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("MAX_PAYLOAD_BYTES must be positive, got %d", c.MaxPayloadBytes)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive, got %d", c.RetentionDays)
	}
	if c.EvaluatorEnabled && c.EvaluatorIntervalSec <= 0 {
		return fmt.Errorf("EVALUATOR_INTERVAL_SEC must be positive when EVALUATOR_ENABLED=true")
	}
	if c.EvaluatorEnabled && c.RulesPath == "" {
		return fmt.Errorf("RULES_PATH is required when EVALUATOR_ENABLED=true")
	}
	if c.SlackSigningRequired && c.SlackSigningSecret == "" {
		return fmt.Errorf("SLACK_SIGNING_SECRET is required when SLACK_SIGNING_REQUIRED=true")
	}
	if c.AuthEnabled && len(c.JWTSecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes when AUTH_ENABLED=true")
	}

	return nil
}

// EvaluatorInterval is the typed form of EvaluatorIntervalSec.
func (c *Root) EvaluatorInterval() time.Duration {
	return time.Duration(c.EvaluatorIntervalSec) * time.Second
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
