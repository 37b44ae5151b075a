package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"credex/internal/model"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	Path string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  time.Duration(getEnvAsInt("READ_TIMEOUT", 10)) * time.Second,
			WriteTimeout: time.Duration(getEnvAsInt("WRITE_TIMEOUT", 10)) * time.Second,
		},
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", "./credex.db"),
		},
	}
}

// LoadExchange reads the exchange business configuration from a JSON file and
// fills curve and limit defaults for anything left unset.
func LoadExchange(path string) (model.Config, error) {
	var cfg model.Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *model.Config) {
	if cfg.Curve.MinMult.IsZero() {
		cfg.Curve.MinMult = decimal.RequireFromString("0.5")
	}
	if cfg.Curve.MaxMult.IsZero() {
		cfg.Curve.MaxMult = decimal.RequireFromString("1.2")
	}
	if cfg.Curve.LowWatermark.IsZero() {
		cfg.Curve.LowWatermark = decimal.NewFromInt(1000)
	}
	if cfg.Curve.TargetWatermark.IsZero() {
		cfg.Curve.TargetWatermark = decimal.NewFromInt(5000)
	}
	if cfg.Curve.HighWatermark.IsZero() {
		cfg.Curve.HighWatermark = cfg.Curve.TargetWatermark
	}
	if cfg.Limits.MinWithdrawalCredits.IsZero() {
		cfg.Limits.MinWithdrawalCredits = decimal.NewFromInt(1)
	}
	if cfg.Limits.MinDepositTokens.IsZero() {
		cfg.Limits.MinDepositTokens = decimal.RequireFromString("0.1")
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 20
	}
	if cfg.Reconcile.GracePeriodSeconds <= 0 {
		cfg.Reconcile.GracePeriodSeconds = 300
	}
	if cfg.Reconcile.SweepSeconds <= 0 {
		cfg.Reconcile.SweepSeconds = 60
	}
}

func getEnv(key string, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultVal
}
