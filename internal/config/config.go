package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Fusion     FusionConfig     `yaml:"fusion" mapstructure:"fusion"`
	Resolution ResolutionConfig `yaml:"resolution" mapstructure:"resolution"`
	Patterns   PatternConfig    `yaml:"patterns" mapstructure:"patterns"`
	Insights   InsightConfig    `yaml:"insights" mapstructure:"insights"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// FusionConfig tunes the log-odds fusion of signals.
type FusionConfig struct {
	// Epsilon bounds confidences to (ε, 1-ε) before any logit.
	Epsilon float64 `yaml:"epsilon" mapstructure:"epsilon"`
	// SmoothingK discounts sources with few updates: evidence = n/(n+k).
	SmoothingK float64 `yaml:"smoothing_k" mapstructure:"smoothing_k"`
	// WeightScale multiplies the posterior mean of a well-evidenced source.
	WeightScale float64 `yaml:"weight_scale" mapstructure:"weight_scale"`
	// PriorWeight is the weight of a source with no updates.
	PriorWeight float64 `yaml:"prior_weight" mapstructure:"prior_weight"`
	// DecayMode is "confidence" or "evidence".
	DecayMode string `yaml:"decay_mode" mapstructure:"decay_mode"`
}

// ResolutionConfig tunes the entity resolution cascade.
type ResolutionConfig struct {
	Threshold                 float64  `yaml:"threshold" mapstructure:"threshold"`
	ExplicitMargin            float64  `yaml:"explicit_margin" mapstructure:"explicit_margin"`
	ExplicitConfidence        float64  `yaml:"explicit_confidence" mapstructure:"explicit_confidence"`
	TieEpsilon                float64  `yaml:"tie_epsilon" mapstructure:"tie_epsilon"`
	InternalDomains           []string `yaml:"internal_domains" mapstructure:"internal_domains"`
	DomainConfidence          float64  `yaml:"domain_confidence" mapstructure:"domain_confidence"`
	KeywordHitConfidence      float64  `yaml:"keyword_hit_confidence" mapstructure:"keyword_hit_confidence"`
	KeywordCap                float64  `yaml:"keyword_cap" mapstructure:"keyword_cap"`
	ReinforcementConfidence   float64  `yaml:"reinforcement_confidence" mapstructure:"reinforcement_confidence"`
	ReinforcementHalfLifeDays float64  `yaml:"reinforcement_half_life_days" mapstructure:"reinforcement_half_life_days"`
	ContextSignalTypes        []string `yaml:"context_signal_types" mapstructure:"context_signal_types"`
}

// PatternConfig tunes attendee-group pattern learning.
type PatternConfig struct {
	SmoothingK float64 `yaml:"smoothing_k" mapstructure:"smoothing_k"`
	GraceHours int     `yaml:"grace_hours" mapstructure:"grace_hours"`
	BatchSize  int     `yaml:"batch_size" mapstructure:"batch_size"`
}

// InsightConfig configures the proactive detectors.
type InsightConfig struct {
	RulesPath   string `yaml:"rules_path" mapstructure:"rules_path"`
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// SyncConfig configures the provider sync state machine and poller.
type SyncConfig struct {
	MaxAttempts        int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffSecs int     `yaml:"initial_backoff_secs" mapstructure:"initial_backoff_secs"`
	MaxBackoffSecs     int     `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	Multiplier         float64 `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter             float64 `yaml:"jitter" mapstructure:"jitter"`
	LeaseSecs          int     `yaml:"lease_secs" mapstructure:"lease_secs"`
	PollLimit          int     `yaml:"poll_limit" mapstructure:"poll_limit"`
	Concurrency        int     `yaml:"concurrency" mapstructure:"concurrency"`
	RatePerSec         float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	BreakerThreshold   int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs   int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// IngestConfig sets the decay of signals derived from collaborator payloads.
type IngestConfig struct {
	ActivityHalfLifeDays   float64 `yaml:"activity_half_life_days" mapstructure:"activity_half_life_days"`
	SentimentHalfLifeDays  float64 `yaml:"sentiment_half_life_days" mapstructure:"sentiment_half_life_days"`
	HintHalfLifeDays       float64 `yaml:"hint_half_life_days" mapstructure:"hint_half_life_days"`
	EnrichmentHalfLifeDays float64 `yaml:"enrichment_half_life_days" mapstructure:"enrichment_half_life_days"`
}

// RetryConfig bounds local retries of conflicting store writes.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "signal-engine.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("fusion.epsilon", 1e-6)
	v.SetDefault("fusion.smoothing_k", 5.0)
	v.SetDefault("fusion.weight_scale", 2.0)
	v.SetDefault("fusion.prior_weight", 1.0)
	v.SetDefault("fusion.decay_mode", "confidence")

	v.SetDefault("resolution.threshold", 0.75)
	v.SetDefault("resolution.explicit_margin", 0.15)
	v.SetDefault("resolution.explicit_confidence", 0.9)
	v.SetDefault("resolution.tie_epsilon", 0.01)
	v.SetDefault("resolution.internal_domains", []string{})
	v.SetDefault("resolution.domain_confidence", 0.95)
	v.SetDefault("resolution.keyword_hit_confidence", 0.5)
	v.SetDefault("resolution.keyword_cap", 0.9)
	v.SetDefault("resolution.reinforcement_confidence", 0.55)
	v.SetDefault("resolution.reinforcement_half_life_days", 30.0)
	v.SetDefault("resolution.context_signal_types", []string{})

	v.SetDefault("patterns.smoothing_k", 3.0)
	v.SetDefault("patterns.grace_hours", 72)
	v.SetDefault("patterns.batch_size", 200)

	v.SetDefault("insights.rules_path", "")
	v.SetDefault("insights.batch_size", 500)
	v.SetDefault("insights.concurrency", 4)

	v.SetDefault("sync.max_attempts", 6)
	v.SetDefault("sync.initial_backoff_secs", 30)
	v.SetDefault("sync.max_backoff_secs", 3600)
	v.SetDefault("sync.multiplier", 2.0)
	v.SetDefault("sync.jitter", 0.1)
	v.SetDefault("sync.lease_secs", 600)
	v.SetDefault("sync.poll_limit", 25)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.rate_per_sec", 5.0)
	v.SetDefault("sync.breaker_threshold", 5)
	v.SetDefault("sync.breaker_reset_secs", 60)

	v.SetDefault("ingest.activity_half_life_days", 14.0)
	v.SetDefault("ingest.sentiment_half_life_days", 30.0)
	v.SetDefault("ingest.hint_half_life_days", 30.0)
	v.SetDefault("ingest.enrichment_half_life_days", 90.0)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_backoff_ms", 20)
	v.SetDefault("retry.max_backoff_ms", 500)
}

// Validate checks the settings a command needs. Mode is the command family:
// "store", "serve", or "" for everything.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	if mode == "serve" || mode == "" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, fmt.Sprintf("server.port must be between 1 and 65535, got %d", c.Server.Port))
		}
	}

	if mode == "" {
		if c.Fusion.Epsilon <= 0 || c.Fusion.Epsilon >= 0.5 {
			problems = append(problems, "fusion.epsilon must be in (0, 0.5)")
		}
		if c.Fusion.SmoothingK < 0 {
			problems = append(problems, "fusion.smoothing_k must not be negative")
		}
		if c.Fusion.WeightScale <= 0 {
			problems = append(problems, "fusion.weight_scale must be positive")
		}
		if c.Fusion.PriorWeight < 0 {
			problems = append(problems, "fusion.prior_weight must not be negative")
		}
		switch c.Fusion.DecayMode {
		case "confidence", "evidence":
		default:
			problems = append(problems, fmt.Sprintf("fusion.decay_mode must be confidence or evidence, got %q", c.Fusion.DecayMode))
		}
		if c.Resolution.Threshold <= 0 || c.Resolution.Threshold > 1 {
			problems = append(problems, "resolution.threshold must be in (0, 1]")
		}
		if c.Patterns.SmoothingK <= 0 {
			problems = append(problems, "patterns.smoothing_k must be positive")
		}
		if c.Sync.MaxAttempts <= 0 {
			problems = append(problems, "sync.max_attempts must be positive")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

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
