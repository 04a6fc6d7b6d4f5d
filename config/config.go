/*
Package config loads server configuration from YAML with environment
overrides.

PURPOSE:
  One Config struct drives the binary: HTTP listener, SQLite path, logging,
  the escalation ladder, training defaults, the fiscal calendar,
  notification delivery, tracing and API retry. Escalation thresholds are
  policy data and live here, never at engine call sites.

PRECEDENCE (lowest to highest):
  1. Built-in defaults (applyDefaults)
  2. YAML file, when one was found
  3. CONTRAVENTION_* environment variables (applyEnvOverrides)

EXAMPLE:
  http:
    port: 8080
  database:
    path: contraventions.db
  escalation:
    tiers:
      - {tier: TIER_1, min_points: 6,  actions: [TRAINING]}
      - {tier: TIER_2, min_points: 10, actions: [TRAINING, MANAGER_NOTICE]}
  fiscal_year:
    start_month: 4

SEE ALSO:
  - path.go: Config file discovery
  - factory/policy.go: Tier validation shared with JSON policy documents
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/contravention-engine/engine"
	"github.com/warp/contravention-engine/factory"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "CONTRAVENTION_"

type Config struct {
	HTTP          HTTPConfig         `koanf:"http"`
	Database      DatabaseConfig     `koanf:"database"`
	Logging       LoggingConfig      `koanf:"logging"`
	Escalation    EscalationConfig   `koanf:"escalation"`
	Training      TrainingConfig     `koanf:"training"`
	FiscalYear    FiscalYearConfig   `koanf:"fiscal_year"`
	Notifications NotificationConfig `koanf:"notifications"`
	Tracing       TracingConfig      `koanf:"tracing"`
	Retry         RetryConfig        `koanf:"retry"`
}

type HTTPConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	// DevRoutes exposes the unauthenticated user and scenario routes.
	DevRoutes      bool          `koanf:"dev_routes"`
}

// Addr returns host:port for http.Server.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	// Path is a SQLite file or ":memory:".
	Path string `koanf:"path"`
}

type LoggingConfig struct {
	Level    string `koanf:"level"`    // debug, info, warn, error
	Encoding string `koanf:"encoding"` // json, console
}

type EscalationConfig struct {
	Tiers []TierConfig `koanf:"tiers"`
}

type TierConfig struct {
	Tier      string   `koanf:"tier"`
	MinPoints int      `koanf:"min_points"`
	Actions   []string `koanf:"actions"`
}

type TrainingConfig struct {
	DefaultCourse string `koanf:"default_course"`
	DueDays       int    `koanf:"due_days"`
}

type FiscalYearConfig struct {
	StartMonth       int           `koanf:"start_month"`
	SchedulerEnabled bool          `koanf:"scheduler_enabled"`
	CheckInterval    time.Duration `koanf:"check_interval"`
}

type NotificationConfig struct {
	Driver        string `koanf:"driver"` // none, log, nats or nats+log
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	QueueSize     int    `koanf:"queue_size"`
}

type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"service_name"`
	Environment string `koanf:"environment"`
}

type RetryConfig struct {
	MaxAttempts     int           `koanf:"max_attempts"`
	InitialInterval time.Duration `koanf:"initial_interval"`
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads path (if non-empty), then applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	applyDefaults(k)
	applyEnvOverrides(k)

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	setDefault(k, "http.host", "0.0.0.0")
	setDefault(k, "http.port", 8080)
	setDefault(k, "http.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	setDefault(k, "http.read_timeout", "15s")
	setDefault(k, "http.write_timeout", "15s")
	setDefault(k, "http.dev_routes", false)

	setDefault(k, "database.path", "contraventions.db")

	setDefault(k, "logging.level", "info")
	setDefault(k, "logging.encoding", "json")

	setDefault(k, "escalation.tiers", defaultTiers())

	setDefault(k, "training.default_course", "")
	setDefault(k, "training.due_days", engine.DefaultTrainingDueDays)

	setDefault(k, "fiscal_year.start_month", 1)
	setDefault(k, "fiscal_year.scheduler_enabled", true)
	setDefault(k, "fiscal_year.check_interval", "1h")

	setDefault(k, "notifications.driver", "log")
	setDefault(k, "notifications.nats_url", "nats://127.0.0.1:4222")
	setDefault(k, "notifications.subject_prefix", "notifications.contraventions")
	setDefault(k, "notifications.queue_size", 256)

	setDefault(k, "tracing.enabled", false)
	setDefault(k, "tracing.endpoint", "http://localhost:4318")
	setDefault(k, "tracing.service_name", "contravention-engine")
	setDefault(k, "tracing.environment", "development")

	setDefault(k, "retry.max_attempts", 3)
	setDefault(k, "retry.initial_interval", "25ms")
}

func defaultTiers() []map[string]any {
	var tiers []map[string]any
	for _, l := range engine.DefaultEscalationPolicy().Levels {
		actions := make([]string, len(l.Actions))
		for i, a := range l.Actions {
			actions[i] = string(a)
		}
		tiers = append(tiers, map[string]any{
			"tier":       string(l.Tier),
			"min_points": l.MinPoints,
			"actions":    actions,
		})
	}
	return tiers
}

func applyEnvOverrides(k *koanf.Koanf) {
	envString(k, "HTTP_HOST", "http.host")
	envInt(k, "HTTP_PORT", "http.port")
	if v := os.Getenv(EnvPrefix + "HTTP_ALLOWED_ORIGINS"); v != "" {
		k.Set("http.allowed_origins", splitList(v))
	}
	envBool(k, "HTTP_DEV_ROUTES", "http.dev_routes")

	envString(k, "DATABASE_PATH", "database.path")

	envString(k, "LOG_LEVEL", "logging.level")
	envString(k, "LOG_ENCODING", "logging.encoding")

	envString(k, "TRAINING_DEFAULT_COURSE", "training.default_course")
	envInt(k, "TRAINING_DUE_DAYS", "training.due_days")

	envInt(k, "FISCAL_YEAR_START_MONTH", "fiscal_year.start_month")
	envBool(k, "FISCAL_YEAR_SCHEDULER_ENABLED", "fiscal_year.scheduler_enabled")
	envString(k, "FISCAL_YEAR_CHECK_INTERVAL", "fiscal_year.check_interval")

	envString(k, "NOTIFICATIONS_DRIVER", "notifications.driver")
	envString(k, "NATS_URL", "notifications.nats_url")
	envString(k, "NOTIFICATIONS_SUBJECT_PREFIX", "notifications.subject_prefix")
	envInt(k, "NOTIFICATIONS_QUEUE_SIZE", "notifications.queue_size")

	envBool(k, "TRACING_ENABLED", "tracing.enabled")
	envString(k, "TRACING_ENDPOINT", "tracing.endpoint")
	envString(k, "TRACING_SERVICE_NAME", "tracing.service_name")
	envString(k, "ENVIRONMENT", "tracing.environment")

	envInt(k, "RETRY_MAX_ATTEMPTS", "retry.max_attempts")
	envString(k, "RETRY_INITIAL_INTERVAL", "retry.initial_interval")
}

func setDefault(k *koanf.Koanf, key string, value any) {
	if !k.Exists(key) {
		k.Set(key, value)
	}
}

func envString(k *koanf.Koanf, name, key string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		k.Set(key, v)
	}
}

func envInt(k *koanf.Koanf, name, key string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			k.Set(key, n)
		}
	}
}

func envBool(k *koanf.Koanf, name, key string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			k.Set(key, b)
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// VALIDATION AND CONVERSION
// =============================================================================

// Validate checks values that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.FiscalYear.StartMonth < 1 || c.FiscalYear.StartMonth > 12 {
		return fmt.Errorf("fiscal_year.start_month %d out of range", c.FiscalYear.StartMonth)
	}
	if c.Notifications.Driver != "none" {
		for _, name := range strings.Split(c.Notifications.Driver, "+") {
			switch strings.TrimSpace(name) {
			case "log", "nats":
			default:
				return fmt.Errorf("notifications.driver %q must be none or a +-joined list of log, nats", c.Notifications.Driver)
			}
		}
	}
	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("escalation: %w", err)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// Policy converts the configured tiers into an engine policy.
func (c *Config) Policy() (engine.EscalationPolicy, error) {
	tiers := make([]factory.TierJSON, len(c.Escalation.Tiers))
	for i, t := range c.Escalation.Tiers {
		tiers[i] = factory.TierJSON{Tier: t.Tier, MinPoints: t.MinPoints, Actions: t.Actions}
	}
	return factory.FromTiers(tiers)
}

// EngineConfig returns the engine's policy data.
func (c *Config) EngineConfig() (engine.Config, error) {
	policy, err := c.Policy()
	if err != nil {
		return engine.Config{}, err
	}
	ec := engine.DefaultConfig()
	ec.Policy = policy
	ec.Calendar = engine.FiscalCalendar{StartMonth: time.Month(c.FiscalYear.StartMonth)}
	ec.DefaultTrainingCourse = c.Training.DefaultCourse
	ec.TrainingDueDays = c.Training.DueDays
	return ec, nil
}

// LogLevel parses logging.level.
func (c *Config) LogLevel() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the process logger from the logging section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	lvl, err := c.LogLevel()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Logging.Encoding == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
