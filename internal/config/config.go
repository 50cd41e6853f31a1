package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	BlobDir          string        `mapstructure:"BLOB_DIR"`
	SettingsFile     string        `mapstructure:"SETTINGS_FILE"`
	SchemaDir        string        `mapstructure:"SCHEMA_DIR"`
	BatchPeriod      time.Duration `mapstructure:"BATCH_DECIDER_PERIOD"`
	BatchMaxRetries  int           `mapstructure:"BATCH_MAX_RETRIES"`
	RetryBase        time.Duration `mapstructure:"RETRY_BASE"`
	RetryMultiplier  float64       `mapstructure:"RETRY_MULTIPLIER"`
	RetryCap         time.Duration `mapstructure:"RETRY_CAP"`
	RetryMaxAttempts int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	DedupWindowDays  int           `mapstructure:"DEDUP_WINDOW_DAYS"`
	WorkerCount      int           `mapstructure:"WORKER_COUNT"`
	StrictTranslate  bool          `mapstructure:"STRICT_TRANSLATE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("BLOB_DIR", "./blobs")
	v.SetDefault("SETTINGS_FILE", "./settings/organizations.yml")
	v.SetDefault("SCHEMA_DIR", "./metadata/hl7_mapping")
	v.SetDefault("BATCH_DECIDER_PERIOD", "60s")
	v.SetDefault("BATCH_MAX_RETRIES", 2)
	v.SetDefault("RETRY_BASE", "30s")
	v.SetDefault("RETRY_MULTIPLIER", 2.0)
	v.SetDefault("RETRY_CAP", "12h")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 100)
	v.SetDefault("DEDUP_WINDOW_DAYS", 7)
	v.SetDefault("WORKER_COUNT", 4)
	v.SetDefault("STRICT_TRANSLATE", false)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("BLOB_DIR")
	v.BindEnv("SETTINGS_FILE")
	v.BindEnv("SCHEMA_DIR")
	v.BindEnv("BATCH_DECIDER_PERIOD")
	v.BindEnv("BATCH_MAX_RETRIES")
	v.BindEnv("RETRY_BASE")
	v.BindEnv("RETRY_MULTIPLIER")
	v.BindEnv("RETRY_CAP")
	v.BindEnv("RETRY_MAX_ATTEMPTS")
	v.BindEnv("DEDUP_WINDOW_DAYS")
	v.BindEnv("WORKER_COUNT")
	v.BindEnv("STRICT_TRANSLATE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RetryMultiplier < 1 {
		return nil, fmt.Errorf("RETRY_MULTIPLIER must be >= 1, got %v", cfg.RetryMultiplier)
	}
	if cfg.RetryMaxAttempts < 1 {
		return nil, fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.DedupWindowDays < 1 {
		return nil, fmt.Errorf("DEDUP_WINDOW_DAYS must be >= 1, got %d", cfg.DedupWindowDays)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// DedupWindow returns the trailing span searched for prior item hashes.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowDays) * 24 * time.Hour
}
