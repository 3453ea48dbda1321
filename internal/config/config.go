// Package config loads SentinelD's configuration surface (spec.md §6.4)
// from a YAML file plus environment variable overrides, the same
// file-then-env-override layering the teacher's pulse-sensor-proxy
// loadConfig uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/rcourtman/sentineld/internal/sentinelerr"
)

// DedupConfig is spec.md §6.4 "dedup.*".
type DedupConfig struct {
	WindowSecs       int      `yaml:"window_secs"`
	ReopenWindowSecs int      `yaml:"reopen_window_secs"`
	LabelKeys        []string `yaml:"label_keys"`
}

// CorrelationConfig is spec.md §6.4 "correlation.*".
type CorrelationConfig struct {
	WindowSecs             int     `yaml:"window_secs"`
	MinScore               float64 `yaml:"min_score"`
	MaxGroupSize           int     `yaml:"max_group_size"`
	EnableTemporal         bool    `yaml:"enable_temporal"`
	EnablePattern          bool    `yaml:"enable_pattern"`
	EnableSource           bool    `yaml:"enable_source"`
	EnableFingerprint      bool    `yaml:"enable_fingerprint"`
	EnableTopology         bool    `yaml:"enable_topology"`
	PatternSimilarityThreshold float64 `yaml:"pattern_similarity_threshold"`
	AutoMerge              bool    `yaml:"auto_merge"`
	MergeThreshold         float64 `yaml:"merge_threshold"`
	TopologyMaxHop         int     `yaml:"topology_max_hop"`
	MaintenanceIntervalSecs int    `yaml:"maintenance_interval_secs"`
}

// EnrichmentConfig is spec.md §6.4 "enrichment.*".
type EnrichmentConfig struct {
	TimeoutSecs         int     `yaml:"timeout_secs"`
	MaxConcurrent       int     `yaml:"max_concurrent"`
	CacheTTLSecs        int     `yaml:"cache_ttl_secs"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	TopK                int     `yaml:"top_k"`
	AsyncEnrichment     bool    `yaml:"async_enrichment"`
	EnableHistorical    bool    `yaml:"enable_historical"`
	EnableService       bool    `yaml:"enable_service"`
	EnableTeam          bool    `yaml:"enable_team"`
	EnableMetrics       bool    `yaml:"enable_metrics"`
	EnableLogs          bool    `yaml:"enable_logs"`
}

// MLFeatureConfig is spec.md §6.4 "ml.feature.*".
type MLFeatureConfig struct {
	MaxVocabSize int    `yaml:"max_vocab_size"`
	MinDocFreq   int    `yaml:"min_doc_freq"`
	UseTFIDF     bool   `yaml:"use_tfidf"`
	NgramRange   [2]int `yaml:"ngram_range"`
}

// MLConfig is spec.md §6.4 "ml.*".
type MLConfig struct {
	RetrainThreshold   int             `yaml:"retrain_threshold"`
	MinConfidence      float64         `yaml:"min_confidence"`
	MaxTrainingSamples int             `yaml:"max_training_samples"`
	AutoRetrain        bool            `yaml:"auto_retrain"`
	Feature            MLFeatureConfig `yaml:"feature"`
	RedisAddr          string          `yaml:"redis_addr"`
}

// ChannelTimeouts holds per-channel send timeouts in seconds.
type ChannelTimeouts struct {
	Slack     int `yaml:"slack"`
	Email     int `yaml:"email"`
	PagerDuty int `yaml:"pagerduty"`
	Webhook   int `yaml:"webhook"`
}

// NotificationsConfig is spec.md §6.4 "notifications.*".
type NotificationsConfig struct {
	QueueSize        int             `yaml:"queue_size"`
	WorkerThreads    int             `yaml:"worker_threads"`
	MaxRetries       int             `yaml:"max_retries"`
	RetryBackoffSecs int             `yaml:"retry_backoff_secs"`
	RateLimitPerSec  float64         `yaml:"rate_limit_per_sec"`
	ChannelTimeouts  ChannelTimeouts `yaml:"channel_timeouts"`

	// Secrets are referenced by environment-variable name, never inlined
	// (spec.md §6.4).
	SlackTokenEnv      string `yaml:"slack_token_env"`
	SMTPHost           string `yaml:"smtp_host"`
	SMTPPort           int    `yaml:"smtp_port"`
	SMTPUsernameEnv    string `yaml:"smtp_username_env"`
	SMTPPasswordEnv    string `yaml:"smtp_password_env"`
	SMTPFrom           string `yaml:"smtp_from"`
	PagerDutyRoutingKeyEnv string `yaml:"pagerduty_routing_key_env"`
}

// EscalationConfig is spec.md §6.4 "escalation.*".
type EscalationConfig struct {
	DefaultTimeoutSecs int `yaml:"default_timeout_secs"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend           string `yaml:"backend"` // "memory" or "sqlite"
	SQLitePath        string `yaml:"sqlite_path"`
	RetentionHours    int    `yaml:"retention_hours"` // 0 disables pruning
	PruneIntervalSecs int    `yaml:"prune_interval_secs"`
}

// Config is the root configuration document.
type Config struct {
	LogLevel     string              `yaml:"log_level"`
	Store        StoreConfig         `yaml:"store"`
	Dedup        DedupConfig         `yaml:"dedup"`
	Correlation  CorrelationConfig   `yaml:"correlation"`
	Enrichment   EnrichmentConfig    `yaml:"enrichment"`
	ML           MLConfig            `yaml:"ml"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Escalation   EscalationConfig    `yaml:"escalation"`
}

// Default returns the configuration with every documented default applied,
// mirroring the teacher's loadConfig pattern of seeding a Config literal
// before the file/env layers are applied.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			Backend:           "memory",
			RetentionHours:    720,
			PruneIntervalSecs: 3600,
		},
		Dedup: DedupConfig{
			WindowSecs:       900,
			ReopenWindowSecs: 3600,
		},
		Correlation: CorrelationConfig{
			WindowSecs:              1800,
			MinScore:                0.5,
			MaxGroupSize:            25,
			EnableTemporal:          true,
			EnablePattern:           true,
			EnableSource:            true,
			EnableFingerprint:       true,
			EnableTopology:          false,
			PatternSimilarityThreshold: 0.5,
			AutoMerge:               true,
			MergeThreshold:          0.6,
			TopologyMaxHop:          2,
			MaintenanceIntervalSecs: 60,
		},
		Enrichment: EnrichmentConfig{
			TimeoutSecs:         5,
			MaxConcurrent:       4,
			CacheTTLSecs:        300,
			SimilarityThreshold: 0.5,
			TopK:                5,
			EnableHistorical:    true,
		},
		ML: MLConfig{
			RetrainThreshold:   50,
			MinConfidence:      0.6,
			MaxTrainingSamples: 5000,
			AutoRetrain:        true,
			Feature: MLFeatureConfig{
				MaxVocabSize: 2000,
				MinDocFreq:   2,
				UseTFIDF:     true,
				NgramRange:   [2]int{1, 2},
			},
		},
		Notifications: NotificationsConfig{
			QueueSize:        256,
			WorkerThreads:    4,
			MaxRetries:       3,
			RetryBackoffSecs: 1,
			SMTPPort:         587,
		},
		Escalation: EscalationConfig{DefaultTimeoutSecs: 900},
	}
}

// Load reads configPath (if non-empty and present) over the defaults, then
// applies a .env file (if present) and environment variable overrides,
// same three-layer precedence the teacher's sensor-proxy loadConfig uses.
func Load(configPath, envFilePath string) (*Config, error) {
	cfg := Default()

	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", envFilePath).Msg("failed to load .env file, continuing without it")
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, sentinelerr.Wrap(sentinelerr.ConfigInvalid, "read config file", err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, sentinelerr.Wrap(sentinelerr.ConfigInvalid, "parse config file", err)
			}
			log.Info().Str("path", configPath).Msg("loaded configuration from file")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers SENTINELD_-prefixed environment variables on
// top of file/default values, following the teacher's per-field
// "parse-or-warn-and-ignore" override style.
func applyEnvOverrides(cfg *Config) {
	overrideString("SENTINELD_LOG_LEVEL", &cfg.LogLevel)
	overrideString("SENTINELD_STORE_BACKEND", &cfg.Store.Backend)
	overrideString("SENTINELD_STORE_SQLITE_PATH", &cfg.Store.SQLitePath)
	overrideInt("SENTINELD_STORE_RETENTION_HOURS", &cfg.Store.RetentionHours)
	overrideInt("SENTINELD_STORE_PRUNE_INTERVAL_SECS", &cfg.Store.PruneIntervalSecs)
	overrideInt("SENTINELD_DEDUP_WINDOW_SECS", &cfg.Dedup.WindowSecs)
	overrideInt("SENTINELD_DEDUP_REOPEN_WINDOW_SECS", &cfg.Dedup.ReopenWindowSecs)
	overrideInt("SENTINELD_CORRELATION_WINDOW_SECS", &cfg.Correlation.WindowSecs)
	overrideFloat("SENTINELD_CORRELATION_MIN_SCORE", &cfg.Correlation.MinScore)
	overrideBool("SENTINELD_CORRELATION_AUTO_MERGE", &cfg.Correlation.AutoMerge)
	overrideInt("SENTINELD_ENRICHMENT_MAX_CONCURRENT", &cfg.Enrichment.MaxConcurrent)
	overrideInt("SENTINELD_ENRICHMENT_CACHE_TTL_SECS", &cfg.Enrichment.CacheTTLSecs)
	overrideInt("SENTINELD_ML_RETRAIN_THRESHOLD", &cfg.ML.RetrainThreshold)
	overrideString("SENTINELD_ML_REDIS_ADDR", &cfg.ML.RedisAddr)
	overrideInt("SENTINELD_NOTIFICATIONS_QUEUE_SIZE", &cfg.Notifications.QueueSize)
	overrideInt("SENTINELD_NOTIFICATIONS_MAX_RETRIES", &cfg.Notifications.MaxRetries)
	overrideInt("SENTINELD_ESCALATION_DEFAULT_TIMEOUT_SECS", &cfg.Escalation.DefaultTimeoutSecs)
}

func overrideString(envVar string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		*dst = v
	}
}

func overrideInt(envVar string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			log.Warn().Str("var", envVar).Str("value", v).Err(err).Msg("invalid integer override, ignoring")
			return
		}
		*dst = parsed
	}
}

func overrideFloat(envVar string, dst *float64) {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Warn().Str("var", envVar).Str("value", v).Err(err).Msg("invalid float override, ignoring")
			return
		}
		*dst = parsed
	}
}

func overrideBool(envVar string, dst *bool) {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			log.Warn().Str("var", envVar).Str("value", v).Err(err).Msg("invalid boolean override, ignoring")
			return
		}
		*dst = parsed
	}
}

// Validate rejects an internally inconsistent configuration (spec.md §7
// "ConfigInvalid — refused at load").
func (c *Config) Validate() error {
	if c.Dedup.WindowSecs <= 0 {
		return sentinelerr.New(sentinelerr.ConfigInvalid, "dedup.window_secs must be positive")
	}
	if c.Correlation.MinScore < 0 || c.Correlation.MinScore > 1 {
		return sentinelerr.New(sentinelerr.ConfigInvalid, "correlation.min_score must be in [0,1]")
	}
	if c.Enrichment.MaxConcurrent < 1 {
		return sentinelerr.New(sentinelerr.ConfigInvalid, "enrichment.max_concurrent must be >= 1")
	}
	if c.Notifications.QueueSize < 1 {
		return sentinelerr.New(sentinelerr.ConfigInvalid, "notifications.queue_size must be >= 1")
	}
	if c.Store.Backend != "memory" && c.Store.Backend != "sqlite" {
		return sentinelerr.New(sentinelerr.ConfigInvalid, fmt.Sprintf("unknown store.backend %q", c.Store.Backend))
	}
	if c.Store.RetentionHours < 0 {
		return sentinelerr.New(sentinelerr.ConfigInvalid, "store.retention_hours must be >= 0")
	}
	return nil
}

// EnrichmentTimeout returns the configured per-enricher timeout as a
// time.Duration.
func (c *Config) EnrichmentTimeout() time.Duration {
	return time.Duration(c.Enrichment.TimeoutSecs) * time.Second
}
