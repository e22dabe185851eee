package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Recovery   RecoveryConfig   `yaml:"recovery" mapstructure:"recovery"`
	Credential CredentialConfig `yaml:"credential" mapstructure:"credential"`
	Challenge  ChallengeConfig  `yaml:"challenge" mapstructure:"challenge"`
	Health     HealthConfig     `yaml:"health" mapstructure:"health"`
	Ranking    RankingConfig    `yaml:"ranking" mapstructure:"ranking"`
	Strategy   StrategyConfig   `yaml:"strategy" mapstructure:"strategy"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Solver     ClientConfig     `yaml:"solver" mapstructure:"solver"`
	Identity   ClientConfig     `yaml:"identity" mapstructure:"identity"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the account record store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RecoveryConfig configures the temporary ban recovery job.
type RecoveryConfig struct {
	IntervalSecs int `yaml:"interval_secs" mapstructure:"interval_secs"`
	TimeoutSecs  int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Concurrency  int `yaml:"concurrency" mapstructure:"concurrency"`
}

// CredentialConfig configures credential refresh.
type CredentialConfig struct {
	LookaheadMins int `yaml:"lookahead_mins" mapstructure:"lookahead_mins"`
	IntervalSecs  int `yaml:"interval_secs" mapstructure:"interval_secs"`
	TimeoutSecs   int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Concurrency   int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ChallengeConfig configures the challenge mediator.
type ChallengeConfig struct {
	TTLSecs           int `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	TimeoutSecs       int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PruneIntervalSecs int `yaml:"prune_interval_secs" mapstructure:"prune_interval_secs"`
}

// HealthConfig configures health scoring and escalation.
type HealthConfig struct {
	RecentErrorLimit         int     `yaml:"recent_error_limit" mapstructure:"recent_error_limit"`
	Alpha                    float64 `yaml:"alpha" mapstructure:"alpha"`
	ErrorHalfLifeMins        int     `yaml:"error_half_life_mins" mapstructure:"error_half_life_mins"`
	ManualInterventionScore  float64 `yaml:"manual_intervention_score" mapstructure:"manual_intervention_score"`
	ManualInterventionStreak int     `yaml:"manual_intervention_streak" mapstructure:"manual_intervention_streak"`
}

// RankingConfig weights account selection.
type RankingConfig struct {
	SuccessWeight      float64 `yaml:"success_weight" mapstructure:"success_weight"`
	LatencyWeight      float64 `yaml:"latency_weight" mapstructure:"latency_weight"`
	RecencyWeight      float64 `yaml:"recency_weight" mapstructure:"recency_weight"`
	LatencyReferenceMs int     `yaml:"latency_reference_ms" mapstructure:"latency_reference_ms"`
	RecencyHorizonMins int     `yaml:"recency_horizon_mins" mapstructure:"recency_horizon_mins"`
}

// StrategyConfig holds the baseline operating policy.
type StrategyConfig struct {
	BaselineRequestsPerHour int `yaml:"baseline_requests_per_hour" mapstructure:"baseline_requests_per_hour"`
	BaselineDelayMs         int `yaml:"baseline_delay_ms" mapstructure:"baseline_delay_ms"`
}

// ResilienceConfig configures retry and circuit breaking around the
// solver and identity services.
type ResilienceConfig struct {
	RetryAttempts           int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryInitialMs          int     `yaml:"retry_initial_ms" mapstructure:"retry_initial_ms"`
	RetryMaxMs              int     `yaml:"retry_max_ms" mapstructure:"retry_max_ms"`
	RetryMultiplier         float64 `yaml:"retry_multiplier" mapstructure:"retry_multiplier"`
	RetryJitter             float64 `yaml:"retry_jitter" mapstructure:"retry_jitter"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitCooldownSecs     int     `yaml:"circuit_cooldown_secs" mapstructure:"circuit_cooldown_secs"`
}

// ClientConfig configures an external collaborator client.
type ClientConfig struct {
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	Key       string  `yaml:"key" mapstructure:"key"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// MonitoringConfig configures pool monitoring and alerting.
type MonitoringConfig struct {
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	ExpiringWithinMins  int     `yaml:"expiring_within_mins" mapstructure:"expiring_within_mins"`
	MinActiveFraction   float64 `yaml:"min_active_fraction" mapstructure:"min_active_fraction"`
	BanWaveThreshold    int     `yaml:"ban_wave_threshold" mapstructure:"ban_wave_threshold"`
}

// ServerConfig configures the admin API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.account-engine")

	// Environment
	v.SetEnvPrefix("ACCOUNTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "accounts.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("recovery.interval_secs", 30)
	v.SetDefault("recovery.timeout_secs", 30)
	v.SetDefault("recovery.concurrency", 4)
	v.SetDefault("credential.lookahead_mins", 60)
	v.SetDefault("credential.interval_secs", 300)
	v.SetDefault("credential.timeout_secs", 30)
	v.SetDefault("credential.concurrency", 4)
	v.SetDefault("challenge.ttl_secs", 600)
	v.SetDefault("challenge.timeout_secs", 120)
	v.SetDefault("challenge.prune_interval_secs", 60)
	v.SetDefault("health.recent_error_limit", 10)
	v.SetDefault("health.alpha", 0.2)
	v.SetDefault("health.error_half_life_mins", 15)
	v.SetDefault("health.manual_intervention_score", 10.0)
	v.SetDefault("health.manual_intervention_streak", 5)
	v.SetDefault("ranking.success_weight", 0.5)
	v.SetDefault("ranking.latency_weight", 0.3)
	v.SetDefault("ranking.recency_weight", 0.2)
	v.SetDefault("ranking.latency_reference_ms", 1000)
	v.SetDefault("ranking.recency_horizon_mins", 10)
	v.SetDefault("strategy.baseline_requests_per_hour", 120)
	v.SetDefault("strategy.baseline_delay_ms", 2000)
	v.SetDefault("resilience.retry_attempts", 3)
	v.SetDefault("resilience.retry_initial_ms", 500)
	v.SetDefault("resilience.retry_max_ms", 30000)
	v.SetDefault("resilience.retry_multiplier", 2.0)
	v.SetDefault("resilience.retry_jitter", 0.25)
	v.SetDefault("resilience.circuit_failure_threshold", 5)
	v.SetDefault("resilience.circuit_cooldown_secs", 60)
	v.SetDefault("solver.base_url", "http://localhost:8082")
	v.SetDefault("solver.rate_limit", 5.0)
	v.SetDefault("solver.rate_burst", 2)
	v.SetDefault("solver.key", "")
	v.SetDefault("identity.base_url", "http://localhost:8081")
	v.SetDefault("identity.rate_limit", 10.0)
	v.SetDefault("identity.rate_burst", 5)
	v.SetDefault("identity.key", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 1)
	v.SetDefault("monitoring.expiring_within_mins", 10)
	v.SetDefault("monitoring.min_active_fraction", 0.25)
	v.SetDefault("monitoring.ban_wave_threshold", 5)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: "serve",
// "migrate" and "accounts".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "migrate", "accounts":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "memory":
		if mode == "migrate" {
			errs = append(errs, "store.driver memory has nothing to migrate")
		}
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for "+c.Store.Driver)
		}
	default:
		errs = append(errs, "store.driver must be one of memory, sqlite, postgres")
	}

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	if c.Ranking.SuccessWeight < 0 || c.Ranking.LatencyWeight < 0 || c.Ranking.RecencyWeight < 0 {
		errs = append(errs, "ranking weights must be >= 0")
	}
	if c.Health.Alpha < 0 || c.Health.Alpha > 1 {
		errs = append(errs, "health.alpha must be between 0 and 1")
	}
	if c.Monitoring.MinActiveFraction < 0 || c.Monitoring.MinActiveFraction > 1 {
		errs = append(errs, "monitoring.min_active_fraction must be between 0 and 1")
	}
	for name, n := range map[string]int{
		"recovery.concurrency":   c.Recovery.Concurrency,
		"credential.concurrency": c.Credential.Concurrency,
	} {
		if n < 0 || n > 64 {
			errs = append(errs, name+" must be between 0 and 64")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Secs converts a seconds setting to a duration.
func Secs(n int) time.Duration { return time.Duration(n) * time.Second }

// Mins converts a minutes setting to a duration.
func Mins(n int) time.Duration { return time.Duration(n) * time.Minute }

// Millis converts a milliseconds setting to a duration.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
