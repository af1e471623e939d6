package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	LogLevel    string
	LogFormat   string

	// RedisAddr selects the shared rate limiter; empty means per-process.
	RedisAddr          string
	RedisPassword      string
	RateLimitPerMinute int

	LongPollMaxWait     time.Duration
	ExpirySweepInterval time.Duration
	TokenTTL            time.Duration
}

// fileConfig is the optional YAML file named by CONFIG_FILE. Environment
// variables override every value it sets.
type fileConfig struct {
	HTTPAddr            string `yaml:"httpAddr"`
	DatabaseURL         string `yaml:"databaseURL"`
	LogLevel            string `yaml:"logLevel"`
	LogFormat           string `yaml:"logFormat"`
	RedisAddr           string `yaml:"redisAddr"`
	RedisPassword       string `yaml:"redisPassword"`
	RateLimitPerMinute  int    `yaml:"rateLimitPerMinute"`
	LongPollMaxWait     string `yaml:"longPollMaxWait"`
	ExpirySweepInterval string `yaml:"expirySweepInterval"`
	TokenTTL            string `yaml:"tokenTTL"`
}

func Load() (Config, error) {
	file, err := readFile(getEnv("CONFIG_FILE", ""))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPAddr:      getEnv("HTTP_ADDR", or(file.HTTPAddr, ":8080")),
		DatabaseURL:   getEnv("DATABASE_URL", or(file.DatabaseURL, "sqlite::memory:")),
		LogLevel:      strings.TrimSpace(getEnv("LOG_LEVEL", or(file.LogLevel, "info"))),
		LogFormat:     getEnv("LOG_FORMAT", or(file.LogFormat, "json")),
		RedisAddr:     getEnv("REDIS_ADDR", file.RedisAddr),
		RedisPassword: getEnv("REDIS_PASSWORD", file.RedisPassword),
	}

	defaultRate := 120
	if file.RateLimitPerMinute != 0 {
		defaultRate = file.RateLimitPerMinute
	}
	if cfg.RateLimitPerMinute, err = getInt("RATE_LIMIT_PER_MINUTE", defaultRate); err != nil {
		return Config{}, err
	}
	if cfg.LongPollMaxWait, err = getDuration("LONG_POLL_MAX_WAIT", or(file.LongPollMaxWait, "30s")); err != nil {
		return Config{}, err
	}
	if cfg.ExpirySweepInterval, err = getDuration("EXPIRY_SWEEP_INTERVAL", or(file.ExpirySweepInterval, "1m")); err != nil {
		return Config{}, err
	}
	if cfg.TokenTTL, err = getDuration("TOKEN_TTL", or(file.TokenTTL, "720h")); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return Config{}, fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must not be empty")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RateLimitPerMinute < 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be >= 0")
	}
	if cfg.LongPollMaxWait <= 0 {
		return Config{}, fmt.Errorf("LONG_POLL_MAX_WAIT must be positive")
	}
	if cfg.TokenTTL <= 0 {
		return Config{}, fmt.Errorf("TOKEN_TTL must be positive")
	}

	return cfg, nil
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config: %w", err)
	}
	return fc, nil
}

func getEnv(key, defaultValue string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultValue
	}
	return v
}

func getInt(key string, defaultValue int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key, defaultValue string) (time.Duration, error) {
	v := getEnv(key, defaultValue)
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func or(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return strings.TrimSpace(v)
}
