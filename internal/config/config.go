package config

import (
	"encoding/json"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL      string `yaml:"database_url"`
	RedisAddr        string `yaml:"redis_addr"`
	BlobDir          string `yaml:"blob_dir"`
	UpstreamEndpoint string `yaml:"upstream_endpoint"`
	UpstreamUsername string `yaml:"upstream_username"`
	UpstreamPassword string `yaml:"upstream_password"`
	APIPort          int    `yaml:"api_port"`

	PageSize               int            `yaml:"page_size"`
	MaxRetries             int            `yaml:"max_retries"`
	RetryBaseMs            int            `yaml:"retry_base_ms"`
	ConsolidateMinSuccess  int            `yaml:"consolidate_min_success_pct"`
	ConsolidateDelaySec    int            `yaml:"consolidate_delay_sec"`
	HeatmapMaxWorkers      int            `yaml:"heatmap_max_workers"`
	HeatmapMinRecords      int64          `yaml:"heatmap_min_records_per_worker"`
	HeatmapDenseThreshold  float64        `yaml:"heatmap_dense_zone_threshold"`
	HeatmapDenseStep       float64        `yaml:"heatmap_dense_zone_step"`
	BaseMargins            map[string]float64 `yaml:"base_margins"`
	LockDurationSec        int            `yaml:"lock_duration_sec"`
	ReapplyBatchSize       int            `yaml:"reapply_batch_size"`
	ReapplyParallelism     int            `yaml:"reapply_parallelism"`
	FullRunMaxAgeHours     int            `yaml:"full_run_max_age_h"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// FromEnv builds a Config purely from environment variables. This is the
// normal production path; the yaml file is for local development.
func FromEnv() *Config {
	cfg := &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        envFirst("REDIS_ADDR", "QUEUE_CONNECTION", "STORAGE_CONNECTION"),
		BlobDir:          os.Getenv("BLOB_DIR"),
		UpstreamEndpoint: os.Getenv("UPSTREAM_ENDPOINT"),
		UpstreamUsername: os.Getenv("UPSTREAM_USERNAME"),
		UpstreamPassword: os.Getenv("UPSTREAM_PASSWORD"),
		APIPort:          EnvInt("PORT", 8080),

		PageSize:              EnvInt("PAGE_SIZE", 30),
		MaxRetries:            EnvInt("MAX_RETRIES", 3),
		RetryBaseMs:           EnvInt("RETRY_BASE_MS", 2000),
		ConsolidateMinSuccess: EnvInt("CONSOLIDATE_MIN_SUCCESS_PCT", 70),
		ConsolidateDelaySec:   EnvInt("CONSOLIDATE_DELAY_SEC", 300),
		HeatmapMaxWorkers:     EnvInt("HEATMAP_MAX_WORKERS", 30),
		HeatmapMinRecords:     EnvInt64("HEATMAP_MIN_RECORDS_PER_WORKER", 500),
		HeatmapDenseThreshold: EnvFloat("HEATMAP_DENSE_ZONE_THRESHOLD", 20000),
		HeatmapDenseStep:      EnvFloat("HEATMAP_DENSE_ZONE_STEP", 100),
		LockDurationSec:       EnvInt("LOCK_DURATION_SEC", 600),
		ReapplyBatchSize:      EnvInt("REAPPLY_BATCH_SIZE", 500),
		ReapplyParallelism:    EnvInt("REAPPLY_PARALLELISM", 4),
		FullRunMaxAgeHours:    EnvInt("FULL_RUN_MAX_AGE_H", 0),
	}

	if raw := os.Getenv("BASE_MARGINS"); raw != "" {
		var m map[string]float64
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			cfg.BaseMargins = m
		}
	}

	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 30
	}
	if c.PageSize > 50 {
		c.PageSize = 50 // upstream maximum
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseMs <= 0 {
		c.RetryBaseMs = 2000
	}
	if c.ConsolidateMinSuccess <= 0 {
		c.ConsolidateMinSuccess = 70
	}
	if c.ConsolidateDelaySec < 0 {
		c.ConsolidateDelaySec = 300
	}
	if c.HeatmapMaxWorkers <= 0 {
		c.HeatmapMaxWorkers = 30
	}
	if c.HeatmapDenseThreshold <= 0 {
		c.HeatmapDenseThreshold = 20000
	}
	if c.HeatmapDenseStep <= 0 {
		c.HeatmapDenseStep = 100
	}
	if c.LockDurationSec <= 0 {
		c.LockDurationSec = 600
	}
	if c.ReapplyBatchSize <= 0 {
		c.ReapplyBatchSize = 500
	}
	if c.ReapplyParallelism <= 0 {
		c.ReapplyParallelism = 4
	}
	if c.BaseMargins == nil {
		c.BaseMargins = map[string]float64{
			"natural": 40,
			"lab":     79,
			"fancy":   40,
		}
	}
}

func envFirst(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// EnvInt reads an integer env var with a default.
func EnvInt(key string, defaultVal int) int {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.Atoi(valStr); err == nil {
			return val
		}
	}
	return defaultVal
}

// EnvInt64 reads an int64 env var with a default.
func EnvInt64(key string, defaultVal int64) int64 {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.ParseInt(valStr, 10, 64); err == nil {
			return val
		}
	}
	return defaultVal
}

// EnvFloat reads a float env var with a default.
func EnvFloat(key string, defaultVal float64) float64 {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.ParseFloat(valStr, 64); err == nil {
			return val
		}
	}
	return defaultVal
}
