package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Env:                      "development",
		Port:                     "8080",
		JWTSecret:                "secure-secret-at-least-32-chars-long",
		JWTExpiryHours:           24,
		DBDriver:                 "postgres",
		DBPassword:               "secure-password",
		DBSSLMode:                "require",
		DBConnectRetries:         5,
		MediaMaxUploadMB:         10,
		RelayPingIntervalSeconds: 5,
		RelayPongTimeoutSeconds:  10,
		RelayOfflineGraceSeconds: 5,
		RedisURL:                 "redis://localhost:6379",
	}
}

func TestConfig_ValidateSSLMode(t *testing.T) {
	tests := []struct {
		name        string
		env         string
		sslMode     string
		expectError bool
	}{
		{"Production with empty SSL mode", "production", "", true},
		{"Production with disable SSL mode", "production", "disable", true},
		{"Production with require SSL mode", "production", "require", false},
		{"Prod with disable SSL mode", "prod", "disable", true},
		{"Prod with verify-full SSL mode", "prod", "verify-full", false},
		{"Development with disable SSL mode", "development", "disable", false},
		{"Test with empty SSL mode", "test", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			c.Env = tt.env
			c.DBSSLMode = tt.sslMode

			err := c.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing port", func(c *Config) { c.Port = "" }},
		{"missing secret", func(c *Config) { c.JWTSecret = "" }},
		{"zero expiry", func(c *Config) { c.JWTExpiryHours = 0 }},
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }},
		{"no retries", func(c *Config) { c.DBConnectRetries = 0 }},
		{"pong not after ping", func(c *Config) { c.RelayPongTimeoutSeconds = 5 }},
		{"negative grace", func(c *Config) { c.RelayOfflineGraceSeconds = -1 }},
		{"default secret in production", func(c *Config) {
			c.Env = "production"
			c.JWTSecret = defaultJWTSecret
		}},
		{"weak db password in production", func(c *Config) {
			c.Env = "production"
			c.DBPassword = "password"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestConfig_SQLiteInProductionSkipsPostgresChecks(t *testing.T) {
	c := validConfig()
	c.Env = "production"
	c.DBDriver = "sqlite"
	c.DBPassword = ""
	c.DBSSLMode = ""

	assert.NoError(t, c.Validate())
}

func TestLoadConfig_Normalization(t *testing.T) {
	defer viper.Reset()
	t.Setenv("APP_ENV", "development")
	t.Setenv("DB_SSLMODE", "  DISABLE  ")
	t.Setenv("DB_DRIVER", " SQLite ")

	c, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "disable", c.DBSSLMode)
	assert.Equal(t, "sqlite", c.DBDriver)
}

func TestLoadConfig_Defaults(t *testing.T) {
	defer viper.Reset()
	t.Setenv("APP_ENV", "development")
	os.Unsetenv("BAN_SWEEP_SCHEDULE")

	c, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 24, c.JWTExpiryHours)
	assert.Equal(t, 5, c.DBConnectRetries)
	assert.Equal(t, 10, c.MediaMaxUploadMB)
	assert.Equal(t, "@every 10m", c.BanSweepSchedule)
	assert.Equal(t, "media_uploads=on,video_calls=on", c.FeatureFlags)
}
