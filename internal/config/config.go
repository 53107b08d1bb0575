// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"APP_ENV"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	JWTExpiryHours int    `mapstructure:"JWT_EXPIRY_HOURS"`

	DBDriver               string `mapstructure:"DB_DRIVER"`
	DBHost                 string `mapstructure:"DB_HOST"`
	DBPort                 string `mapstructure:"DB_PORT"`
	DBUser                 string `mapstructure:"DB_USER"`
	DBPassword             string `mapstructure:"DB_PASSWORD"`
	DBName                 string `mapstructure:"DB_NAME"`
	DBSSLMode              string `mapstructure:"DB_SSLMODE"`
	DBSQLitePath           string `mapstructure:"DB_SQLITE_PATH"`
	DBConnectRetries       int    `mapstructure:"DB_CONNECT_RETRIES"`
	DBRetryIntervalSeconds int    `mapstructure:"DB_RETRY_INTERVAL_SECONDS"`

	RedisURL       string `mapstructure:"REDIS_URL"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	FeatureFlags   string `mapstructure:"FEATURE_FLAGS"`

	RateLimitMax           int `mapstructure:"RATE_LIMIT_MAX"`
	RateLimitWindowMinutes int `mapstructure:"RATE_LIMIT_WINDOW_MINUTES"`

	MediaStoragePath string `mapstructure:"MEDIA_STORAGE_PATH"`
	MediaMaxUploadMB int    `mapstructure:"MEDIA_MAX_UPLOAD_MB"`

	RelayPingIntervalSeconds int `mapstructure:"RELAY_PING_INTERVAL_SECONDS"`
	RelayPongTimeoutSeconds  int `mapstructure:"RELAY_PONG_TIMEOUT_SECONDS"`
	RelayOfflineGraceSeconds int `mapstructure:"RELAY_OFFLINE_GRACE_SECONDS"`
	RelayMaxConnsPerUser     int `mapstructure:"RELAY_MAX_CONNS_PER_USER"`
	RelayMaxTotalConns       int `mapstructure:"RELAY_MAX_TOTAL_CONNS"`

	BanSweepSchedule string `mapstructure:"BAN_SWEEP_SCHEDULE"`

	STUNURLs     string `mapstructure:"STUN_URLS"`
	TURNURL      string `mapstructure:"TURN_URL"`
	TURNUsername string `mapstructure:"TURN_USERNAME"`
	TURNPassword string `mapstructure:"TURN_PASSWORD"`

	TracingEnabled     bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter    string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint       string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSampleRatio float64 `mapstructure:"TRACING_SAMPLE_RATIO"`

	DevBootstrapRoot bool   `mapstructure:"DEV_BOOTSTRAP_ROOT"`
	DevRootUsername  string `mapstructure:"DEV_ROOT_USERNAME"`
	DevRootEmail     string `mapstructure:"DEV_ROOT_EMAIL"`
	DevRootPassword  string `mapstructure:"DEV_ROOT_PASSWORD"`
}

var defaults = map[string]any{
	"PORT":                        "8375",
	"APP_ENV":                     "development",
	"JWT_SECRET":                  defaultJWTSecret,
	"JWT_EXPIRY_HOURS":            24,
	"DB_DRIVER":                   "postgres",
	"DB_HOST":                     "localhost",
	"DB_PORT":                     "5432",
	"DB_USER":                     "user",
	"DB_PASSWORD":                 "password",
	"DB_NAME":                     "webchat",
	"DB_SSLMODE":                  "disable",
	"DB_SQLITE_PATH":              "webchat.db",
	"DB_CONNECT_RETRIES":          5,
	"DB_RETRY_INTERVAL_SECONDS":   5,
	"REDIS_URL":                   "localhost:6379",
	"ALLOWED_ORIGINS":             "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173",
	"FEATURE_FLAGS":               "media_uploads=on,video_calls=on",
	"RATE_LIMIT_MAX":              100,
	"RATE_LIMIT_WINDOW_MINUTES":   15,
	"MEDIA_STORAGE_PATH":          "uploads",
	"MEDIA_MAX_UPLOAD_MB":         10,
	"RELAY_PING_INTERVAL_SECONDS": 5,
	"RELAY_PONG_TIMEOUT_SECONDS":  10,
	"RELAY_OFFLINE_GRACE_SECONDS": 5,
	"RELAY_MAX_CONNS_PER_USER":    12,
	"RELAY_MAX_TOTAL_CONNS":       20000,
	"BAN_SWEEP_SCHEDULE":          "@every 10m",
	"STUN_URLS":                   "stun:stun.l.google.com:19302",
	"TURN_URL":                    "",
	"TURN_USERNAME":               "",
	"TURN_PASSWORD":               "",
	"TRACING_ENABLED":             false,
	"TRACING_EXPORTER":            "otlp",
	"OTLP_ENDPOINT":               "localhost:4318",
	"TRACING_SAMPLE_RATIO":        1.0,
	"DEV_BOOTSTRAP_ROOT":          false,
	"DEV_ROOT_USERNAME":           "root",
	"DEV_ROOT_EMAIL":              "root@webchat.local",
	"DEV_ROOT_PASSWORD":           "",
}

// LoadConfig loads application configuration from .env, config files and environment variables.
func LoadConfig() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// Initial read to get APP_ENV if set in base config
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "test" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		slog.Info("loaded profile-specific configuration", slog.String("file", "config."+env+".yml"))
	}

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) normalize() {
	c.DBSSLMode = strings.ToLower(strings.TrimSpace(c.DBSSLMode))
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.BanSweepSchedule = strings.TrimSpace(c.BanSweepSchedule)
}

// IsProduction reports whether the config targets a production deployment.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.JWTExpiryHours <= 0 {
		return errors.New("JWT_EXPIRY_HOURS must be positive")
	}
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}
	if c.DBConnectRetries < 1 {
		return errors.New("DB_CONNECT_RETRIES must be at least 1")
	}
	if c.MediaMaxUploadMB <= 0 {
		return errors.New("MEDIA_MAX_UPLOAD_MB must be positive")
	}
	if c.RelayPingIntervalSeconds <= 0 || c.RelayPongTimeoutSeconds <= c.RelayPingIntervalSeconds {
		return errors.New("RELAY_PONG_TIMEOUT_SECONDS must exceed RELAY_PING_INTERVAL_SECONDS")
	}
	if c.RelayOfflineGraceSeconds < 0 {
		return errors.New("RELAY_OFFLINE_GRACE_SECONDS cannot be negative")
	}

	// Strict checks for production
	if c.IsProduction() {
		if c.JWTSecret == defaultJWTSecret {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DBDriver == "postgres" {
			if c.DBPassword == "password" || c.DBPassword == "" {
				return errors.New("a strong DB_PASSWORD is required in production")
			}
			if c.DBSSLMode == "disable" || c.DBSSLMode == "" {
				return errors.New("DB_SSLMODE must enable TLS in production")
			}
		}
		if c.AllowedOrigins == "*" {
			slog.Warn("ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
	} else if len(c.JWTSecret) < 32 {
		slog.Warn("JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	return nil
}
