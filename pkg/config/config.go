// Package config loads jurybox configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Mindburn-Labs/jurybox/pkg/consensus"
	"github.com/Mindburn-Labs/jurybox/pkg/llm"
	"github.com/Mindburn-Labs/jurybox/pkg/observability"
	"github.com/Mindburn-Labs/jurybox/pkg/orchestrator"
	"github.com/Mindburn-Labs/jurybox/pkg/quota"
	"github.com/Mindburn-Labs/jurybox/pkg/scoring"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Scorer kinds.
const (
	ScorerLLM      = "llm"
	ScorerScripted = "scripted"
)

// ErrInvalid wraps every validation failure from Validate.
var ErrInvalid = errors.New("config: invalid")

// Config holds process configuration. Every default is listed on its tag.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	LogLevel    string `env:"JURYBOX_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"JURYBOX_LOG_FORMAT" envDefault:"text"`
	ProfilesDir string `env:"JURYBOX_PROFILES_DIR" envDefault:"profiles"`

	Store     StoreConfig     `envPrefix:"JURYBOX_STORE_"`
	Rounds    RoundsConfig    `envPrefix:"JURYBOX_ROUND_"`
	Consensus ConsensusConfig `envPrefix:"JURYBOX_CONSENSUS_"`
	Scorer    ScorerConfig    `envPrefix:"JURYBOX_SCORER_"`
	Webhook   WebhookConfig   `envPrefix:"JURYBOX_SETTLEMENT_"`
	OTel      OTelConfig      `envPrefix:"JURYBOX_OTEL_"`
}

// StoreConfig selects and addresses the quota store.
type StoreConfig struct {
	Driver            string        `env:"DRIVER" envDefault:"sqlite"`
	SQLitePath        string        `env:"SQLITE_PATH" envDefault:"jurybox.db"`
	PostgresDSN       string        `env:"POSTGRES_DSN" envDefault:"postgres://jurybox@localhost:5432/jurybox?sslmode=disable"`
	RedisAddr         string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisDB           int           `env:"REDIS_DB" envDefault:"0"`
	DefaultMonthlyCap float64       `env:"DEFAULT_MONTHLY_CAP" envDefault:"100"`
	HoldTTL           time.Duration `env:"HOLD_TTL" envDefault:"1h"`
}

// RoundsConfig holds the round defaults applied to requests that leave them unset.
type RoundsConfig struct {
	MaxDiscussionRounds    int           `env:"MAX_DISCUSSION_ROUNDS" envDefault:"3"`
	Timeout                time.Duration `env:"TIMEOUT" envDefault:"60s"`
	ConvergenceThreshold   float64       `env:"CONVERGENCE_THRESHOLD" envDefault:"0.5"`
	OutlierZThreshold      float64       `env:"OUTLIER_Z_THRESHOLD" envDefault:"2"`
	EnableOutlierDetection bool          `env:"ENABLE_OUTLIER_DETECTION" envDefault:"true"`
	EnableDiscussion       bool          `env:"ENABLE_DISCUSSION" envDefault:"true"`
	MaxConcurrency         int           `env:"MAX_CONCURRENCY" envDefault:"0"`
}

// ConsensusConfig holds engine tunables.
type ConsensusConfig struct {
	TrimPercent float64 `env:"TRIM_PERCENT" envDefault:"0.10"`
}

// ScorerConfig selects how judges are invoked.
type ScorerConfig struct {
	Kind              string  `env:"KIND" envDefault:"llm"`
	ScriptPath        string  `env:"SCRIPT_PATH"`
	APIKey            string  `env:"API_KEY"`
	Model             string  `env:"MODEL" envDefault:"gpt-4o-mini"`
	BaseURL           string  `env:"BASE_URL" envDefault:"https://api.openai.com/v1"`
	Temperature       float64 `env:"TEMPERATURE" envDefault:"0.2"`
	MaxTokens         int     `env:"MAX_TOKENS" envDefault:"512"`
	RequestsPerSecond float64 `env:"REQUESTS_PER_SECOND" envDefault:"2"`
	Burst             int     `env:"BURST" envDefault:"1"`
}

// WebhookConfig configures settlement notification. An empty URL disables it.
type WebhookConfig struct {
	URL   string `env:"WEBHOOK_URL"`
	Token string `env:"WEBHOOK_TOKEN"`
}

// OTelConfig configures OpenTelemetry export.
type OTelConfig struct {
	Enabled    bool    `env:"ENABLED" envDefault:"false"`
	Endpoint   string  `env:"ENDPOINT" envDefault:"localhost:4317"`
	Insecure   bool    `env:"INSECURE" envDefault:"true"`
	SampleRate float64 `env:"SAMPLE_RATE" envDefault:"1.0"`
}

// LoadDotEnv loads .env and then .env.<APP_ENV>, the latter overriding.
// Missing files are ignored.
func LoadDotEnv(logger *slog.Logger) {
	appEnv := os.Getenv("APP_ENV")
	if appEnv == "" {
		appEnv = "dev"
	}
	if err := godotenv.Load(".env"); err == nil {
		logger.Debug("loaded env file", "file", ".env")
	}
	envFile := ".env." + appEnv
	if err := godotenv.Overload(envFile); err == nil {
		logger.Debug("loaded env file", "file", envFile)
	}
}

// Load parses the environment into a validated Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case StoreMemory, StoreSQLite, StorePostgres, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("store driver %q", c.Store.Driver))
	}
	switch c.Scorer.Kind {
	case ScorerLLM, ScorerScripted:
	default:
		errs = append(errs, fmt.Errorf("scorer kind %q", c.Scorer.Kind))
	}
	if c.Store.DefaultMonthlyCap <= 0 {
		errs = append(errs, fmt.Errorf("default monthly cap must be positive, got %v", c.Store.DefaultMonthlyCap))
	}
	if c.Store.HoldTTL <= 0 {
		errs = append(errs, fmt.Errorf("quota hold ttl must be positive, got %v", c.Store.HoldTTL))
	}
	if c.Consensus.TrimPercent < 0 || c.Consensus.TrimPercent >= 0.5 {
		errs = append(errs, fmt.Errorf("trim percent must be in [0, 0.5), got %v", c.Consensus.TrimPercent))
	}
	if c.Rounds.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("max concurrency must not be negative, got %d", c.Rounds.MaxConcurrency))
	}
	if c.OTel.SampleRate < 0 || c.OTel.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("otel sample rate must be in [0, 1], got %v", c.OTel.SampleRate))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RoundConfig returns the configured round defaults.
func (c *Config) RoundConfig() orchestrator.RoundConfig {
	return orchestrator.RoundConfig{
		MaxDiscussionRounds:    c.Rounds.MaxDiscussionRounds,
		RoundTimeout:           c.Rounds.Timeout,
		ConvergenceThreshold:   c.Rounds.ConvergenceThreshold,
		OutlierZThreshold:      c.Rounds.OutlierZThreshold,
		EnableOutlierDetection: c.Rounds.EnableOutlierDetection,
		EnableDiscussion:       c.Rounds.EnableDiscussion,
	}
}

// QuotaConfig returns the gate configuration.
func (c *Config) QuotaConfig() quota.Config {
	return quota.Config{DefaultMonthlyCap: c.Store.DefaultMonthlyCap, HoldTTL: c.Store.HoldTTL}
}

// EngineConfig returns the consensus engine configuration.
func (c *Config) EngineConfig() consensus.Config {
	return consensus.Config{TrimPercent: c.Consensus.TrimPercent}
}

// LLMConfig returns the LLM scorer configuration with the given personas.
func (c *Config) LLMConfig(personas map[string]string) scoring.LLMConfig {
	return scoring.LLMConfig{
		Personas:          personas,
		Temperature:       c.Scorer.Temperature,
		MaxTokens:         c.Scorer.MaxTokens,
		RequestsPerSecond: c.Scorer.RequestsPerSecond,
		Burst:             c.Scorer.Burst,
	}
}

// LLMClient builds the chat client for the LLM scorer.
func (c *Config) LLMClient() *llm.OpenAIClient {
	return llm.NewOpenAIClient(c.Scorer.APIKey, c.Scorer.Model, llm.WithBaseURL(c.Scorer.BaseURL))
}

// ObservabilityConfig returns the telemetry configuration.
func (c *Config) ObservabilityConfig(version string) *observability.Config {
	oc := observability.DefaultConfig()
	oc.ServiceVersion = version
	oc.Environment = c.AppEnv
	oc.Enabled = c.OTel.Enabled
	oc.OTLPEndpoint = c.OTel.Endpoint
	oc.Insecure = c.OTel.Insecure
	oc.SampleRate = c.OTel.SampleRate
	return oc
}
