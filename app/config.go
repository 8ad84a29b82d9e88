package pulse

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/spf13/viper"
)

type Config struct {
	// Port is the Port number to listen on. The default is 8080.
	Port int `validate:"required,port" default:"8080"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required" default:"0.0.0.0"`
	Auth     struct {
		// Secret is the Secret key used to sign JWT tokens.
		// The secret must be a base64 encoded string. The default is a random 32 byte string.
		Secret Base64Encoded `validate:"required"`
		// TokenExpiration is how long an issued session token stays valid.
		TokenExpiration time.Duration `validate:"required"`
	}
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `validate:"required"`
		// Migrations is the path to the directory that the migration files reside.
		Migrations string `validate:"required"`
	}
	Presence struct {
		// AwayAfter is the inactivity threshold before an online user decays
		// to away.
		AwayAfter time.Duration `validate:"required"`
	}
	Typing struct {
		// TTL is how long a typing entry lives without a refresh.
		TTL time.Duration `validate:"required"`
		// Debounce is the minimum interval between typing start signals
		// forwarded per (user, room) at the transport edge.
		Debounce time.Duration `validate:"required"`
	}
	Receipts struct {
		// SummaryTTL is how long a cached read summary is served before it
		// is recomputed.
		SummaryTTL time.Duration `validate:"required"`
		// MaxReaders bounds the reader id list in a read summary.
		MaxReaders int `validate:"required,min=1"`
	}
	Notifications struct {
		// Enabled is the global kill switch for the dispatcher.
		Enabled bool
		// RateLimit is the maximum notifications per user per RateWindow.
		RateLimit int `validate:"required,min=1"`
		// RateWindow is the sliding window the rate limit applies over.
		RateWindow time.Duration `validate:"required"`
	}
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string
	valid          bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

// LoadConfig loads the configuration from the config file and environment variables.
// Any invalid configuration will not be loaded, and the error will be caught in the validation step.
func LoadConfig() (*Config, error) {
	config := &Config{}
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("port", 8080)
	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	viper.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	viper.SetDefault("auth.tokenexpiration", time.Hour*24)
	viper.SetDefault("hostname", "0.0.0.0")

	viper.SetDefault("sqlite.file", "./pulse.db")
	viper.SetDefault("sqlite.migrations", "./migrations")

	viper.SetDefault("presence.awayafter", time.Minute*5)
	viper.SetDefault("typing.ttl", time.Second*3)
	viper.SetDefault("typing.debounce", time.Millisecond*500)
	viper.SetDefault("receipts.summaryttl", time.Minute)
	viper.SetDefault("receipts.maxreaders", 10)
	viper.SetDefault("notifications.enabled", true)
	viper.SetDefault("notifications.ratelimit", 50)
	viper.SetDefault("notifications.ratewindow", time.Minute)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(&config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {
	errors, ok := err.(validator.ValidationErrors)
	if !ok {
		return ""
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errors.Translate(trans)

	var sb strings.Builder
	for v := range maps.Values(translated) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
