package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	setEnv(t, map[string]string{"DATABASE_URL": "postgres://localhost/gateway"})

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 120, cfg.RateLimitPerMinute)
	assert.EqualValues(t, 1<<20, cfg.MaxPayloadBytes)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.False(t, cfg.EvaluatorEnabled)
	assert.False(t, cfg.AuthEnabled)
	assert.True(t, cfg.Integrations["github"])
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestFromEnvMissingDatabaseURL(t *testing.T) {
	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidateEvaluatorRequiresRulesPath(t *testing.T) {
	cfg := Root{
		DatabaseURL:          "postgres://localhost/gateway",
		RateLimitPerMinute:   1,
		MaxPayloadBytes:      1,
		RetentionDays:        1,
		EvaluatorEnabled:     true,
		EvaluatorIntervalSec: 60,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RULES_PATH")
}

func TestValidateAuthRequiresLongSecret(t *testing.T) {
	cfg := Root{
		DatabaseURL:        "postgres://localhost/gateway",
		RateLimitPerMinute: 1,
		MaxPayloadBytes:    1,
		RetentionDays:      1,
		AuthEnabled:        true,
		JWTSecretKey:       "too-short",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET_KEY")
}

func TestDisabledIntegrationOverride(t *testing.T) {
	setEnv(t, map[string]string{
		"DATABASE_URL":                  "postgres://localhost/gateway",
		"INTEGRATIONS_PAGERDUTY_ENABLED": "false",
	})

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.False(t, cfg.Integrations["pagerduty"])
	assert.True(t, cfg.Integrations["jira"])
}

func TestEvaluatorInterval(t *testing.T) {
	cfg := Root{EvaluatorIntervalSec: 30}
	assert.Equal(t, 30_000_000_000, int(cfg.EvaluatorInterval()))
}
