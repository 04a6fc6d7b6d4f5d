package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/contravention-engine/engine"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	// GIVEN: No config file
	// WHEN: Loading
	cfg, err := Load("")
	require.NoError(t, err)

	// THEN: Built-in defaults apply
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "contraventions.db", cfg.Database.Path)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ReadTimeout)
	assert.False(t, cfg.HTTP.DevRoutes, "development routes are off unless asked for")
	assert.Equal(t, "log", cfg.Notifications.Driver)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 25*time.Millisecond, cfg.Retry.InitialInterval)

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultEscalationPolicy(), policy)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	// GIVEN: A file with a custom ladder and fiscal year start
	path := writeConfig(t, `
http:
  port: 9090
escalation:
  tiers:
    - {tier: TIER_1, min_points: 4, actions: [TRAINING]}
    - {tier: TIER_2, min_points: 8, actions: [TRAINING, MANAGER_NOTICE]}
training:
  default_course: proc-101
fiscal_year:
  start_month: 4
`)

	// WHEN: Loading it
	cfg, err := Load(path)
	require.NoError(t, err)

	// THEN: File values win, untouched keys keep defaults
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "0.0.0.0", cfg.HTTP.Host)

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	require.Len(t, ec.Policy.Levels, 2)
	assert.Equal(t, 4, ec.Policy.Levels[0].MinPoints)
	assert.Equal(t, engine.Tier2, ec.Policy.TierFor(9))
	assert.Equal(t, time.April, ec.Calendar.StartMonth)
	assert.Equal(t, "proc-101", ec.DefaultTrainingCourse)
	assert.Equal(t, engine.DefaultTrainingDueDays, ec.TrainingDueDays)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	// GIVEN: A file and conflicting environment variables
	path := writeConfig(t, "http:\n  port: 9090\ndatabase:\n  path: file.db\n")
	t.Setenv("CONTRAVENTION_HTTP_PORT", "7070")
	t.Setenv("CONTRAVENTION_DATABASE_PATH", ":memory:")
	t.Setenv("CONTRAVENTION_HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CONTRAVENTION_TRACING_ENABLED", "true")
	t.Setenv("CONTRAVENTION_HTTP_DEV_ROUTES", "true")

	// WHEN: Loading
	cfg, err := Load(path)
	require.NoError(t, err)

	// THEN: Environment wins
	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
	assert.True(t, cfg.Tracing.Enabled)
	assert.True(t, cfg.HTTP.DevRoutes)
}

func TestLoad_RejectsNonAscendingTiers(t *testing.T) {
	// GIVEN: TIER_2 below TIER_1
	path := writeConfig(t, `
escalation:
  tiers:
    - {tier: TIER_1, min_points: 10, actions: [TRAINING]}
    - {tier: TIER_2, min_points: 6, actions: [TRAINING]}
`)

	// WHEN: Loading
	_, err := Load(path)

	// THEN: Validation fails
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escalation")
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("CONTRAVENTION_NOTIFICATIONS_DRIVER", "carrier-pigeon")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("CONTRAVENTION_NOTIFICATIONS_DRIVER", "nats+carrier-pigeon")
	_, err = Load("")
	require.Error(t, err)
}

func TestLoad_AcceptsDriverList(t *testing.T) {
	t.Setenv("CONTRAVENTION_NOTIFICATIONS_DRIVER", "nats+log")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats+log", cfg.Notifications.Driver)
}

func TestDetermineConfigPath(t *testing.T) {
	// Flag beats environment
	t.Setenv(EnvConfigPath, "/from/env.yaml")
	assert.Equal(t, "/from/flag.yaml", DetermineConfigPath("/from/flag.yaml"))
	assert.Equal(t, "/from/env.yaml", DetermineConfigPath(""))
}
