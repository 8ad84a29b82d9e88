package pulse

import (
	"encoding/base64"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type ConfigLoader interface {
	Load() (*Config, error)
}

// EnvConfigLoader loads the configuration from environment variables,
// optionally seeded from a .env file. The SECRET environment variable is
// expected to be a base64-encoded string. ALLOWED_ORIGINS is a
// comma-separated list of origins allowed to connect to the server.
type EnvConfigLoader struct {
}

func (l *EnvConfigLoader) Load() (*Config, error) {
	// .env is optional; real environments set variables directly
	godotenv.Load()

	port, _ := strconv.Atoi(getEnv("PORT"))

	secret, err := base64.StdEncoding.DecodeString(getEnv("SECRET"))
	if err != nil {
		return nil, errors.New("invalid secret value")
	}

	allowedOrigins := strings.Split(getEnv("ALLOWED_ORIGINS"), ",")

	config := &Config{
		Port:           port,
		Hostname:       getEnv("HOSTNAME"),
		AllowedOrigins: allowedOrigins,
	}
	config.Auth.Secret = secret
	config.Auth.TokenExpiration = durationEnv("TOKEN_EXPIRATION", time.Hour*24)
	config.SQLite.File = getEnv("SQLITE_FILE")
	config.SQLite.Migrations = getEnv("MIGRATION_DIR")
	config.Presence.AwayAfter = durationEnv("PRESENCE_AWAY_AFTER", time.Minute*5)
	config.Typing.TTL = durationEnv("TYPING_TTL", time.Second*3)
	config.Typing.Debounce = durationEnv("TYPING_DEBOUNCE", time.Millisecond*500)
	config.Receipts.SummaryTTL = durationEnv("RECEIPT_SUMMARY_TTL", time.Minute)
	config.Receipts.MaxReaders = intEnv("RECEIPT_MAX_READERS", 10)
	config.Notifications.Enabled = getEnv("NOTIFICATIONS_ENABLED") != "false"
	config.Notifications.RateLimit = intEnv("NOTIFICATION_RATE_LIMIT", 50)
	config.Notifications.RateWindow = durationEnv("NOTIFICATION_RATE_WINDOW", time.Minute)
	return config, nil
}

// Utility function to get an environment variable with a default value
func getEnv(key string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return ""
	}
	return value
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key))
	if err != nil {
		return fallback
	}
	return d
}

func intEnv(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key))
	if err != nil {
		return fallback
	}
	return n
}
