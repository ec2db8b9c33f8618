// Package config loads the runtime configuration of the account binaries from
// the environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/wispberry-tech/wispy-accounts/accounts"
	"github.com/wispberry-tech/wispy-accounts/accounts/storage"
)

// Config is the process configuration. Every field maps to an ACCOUNTS_*
// environment variable.
type Config struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"DB_DSN" envDefault:"accounts.db"`

	SessionLifetime   time.Duration `env:"SESSION_LIFETIME" envDefault:"336h"`
	SessionPruneEvery time.Duration `env:"SESSION_PRUNE_INTERVAL" envDefault:"1h"`
	CookieSecure      bool          `env:"COOKIE_SECURE" envDefault:"true"`
	BcryptCost        int           `env:"BCRYPT_COST" envDefault:"10"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	LoginRateInterval time.Duration `env:"LOGIN_RATE_INTERVAL" envDefault:"6s"`
	LoginRateBurst    int           `env:"LOGIN_RATE_BURST" envDefault:"10"`
	TrustProxyHeaders bool          `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	Retry RetryPolicy `envPrefix:"DB_RETRY_"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL" envDefault:"http://localhost:8080/oauth/google/callback"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// RetryPolicy controls the startup connection retries to the database.
type RetryPolicy struct {
	MaxRetries uint64        `env:"MAX" envDefault:"5"`
	BaseDelay  time.Duration `env:"BASE_DELAY" envDefault:"500ms"`
	MaxDelay   time.Duration `env:"MAX_DELAY" envDefault:"10s"`
}

// Prefix is prepended to every variable name.
const Prefix = "ACCOUNTS_"

// Load reads files (".env" when none are given) into the environment without
// overriding variables that are already set, then parses the configuration.
// Missing files are not an error.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				slog.Debug("No env file found", "file", f)
				continue
			}
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return Parse()
}

// Parse reads the configuration from the current environment.
func Parse() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that parse but cannot work.
func (c Config) Validate() error {
	var problems []string

	switch c.DBDriver {
	case storage.DriverSQLite, storage.DriverPostgres:
	default:
		problems = append(problems, fmt.Sprintf("%sDB_DRIVER must be %q or %q, got %q", Prefix, storage.DriverSQLite, storage.DriverPostgres, c.DBDriver))
	}
	if c.DBDSN == "" {
		problems = append(problems, Prefix+"DB_DSN is required")
	}
	if c.SessionLifetime < 0 {
		problems = append(problems, Prefix+"SESSION_LIFETIME must not be negative")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		problems = append(problems, Prefix+"BCRYPT_COST must be between 4 and 31")
	}
	if c.LoginRateInterval < 0 || c.LoginRateBurst < 0 {
		problems = append(problems, Prefix+"LOGIN_RATE_INTERVAL and LOGIN_RATE_BURST must not be negative")
	}
	if (c.GoogleClientID == "") != (c.GoogleClientSecret == "") {
		problems = append(problems, Prefix+"GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set together")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, Prefix+`LOG_FORMAT must be "text" or "json"`)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SecurityConfig derives the account service policy. A zero login interval
// disables rate limiting.
func (c Config) SecurityConfig() accounts.SecurityConfig {
	sc := accounts.DefaultSecurityConfig()
	sc.BcryptCost = c.BcryptCost
	sc.SessionLifetime = c.SessionLifetime
	sc.CookieSecure = c.CookieSecure
	sc.LoginRateLimit = 0
	if c.LoginRateInterval > 0 {
		sc.LoginRateLimit = rate.Every(c.LoginRateInterval)
	}
	sc.LoginRateBurst = c.LoginRateBurst
	sc.TrustProxyHeaders = c.TrustProxyHeaders
	return sc
}

// OAuthProviders returns the configured identity providers.
func (c Config) OAuthProviders() map[string]accounts.OAuthProviderConfig {
	providers := make(map[string]accounts.OAuthProviderConfig)
	if c.GoogleClientID != "" {
		providers["google"] = accounts.NewGoogleOAuthProvider(c.GoogleClientID, c.GoogleClientSecret, c.GoogleRedirectURL)
	}
	return providers
}

// ConnectOptions converts the retry policy for storage.Open.
func (c Config) ConnectOptions() storage.ConnectOptions {
	return storage.ConnectOptions{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
	}
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%sLOG_LEVEL: %w", Prefix, err)
	}
	return level, nil
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c Config) NewLogger() *slog.Logger {
	level, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if c.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
