// Package accounts provides user account management: registration,
// password authentication, server-side sessions, admin/user role
// authorization and profile administration.
//
// This package includes:
//   - Registration with a configurable password policy
//   - Username/password authentication with bcrypt hashes
//   - Opaque session tokens stored server side with an idle lifetime
//   - Role and permission guards for API and page endpoints
//   - Admin operations: role changes, activation, permissions, profile edits
//   - OAuth2 login that provisions accounts for verified emails
//
// ## Quick Start:
//
//	store, err := storage.NewSQLiteStorage(ctx, "accounts.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	svc, err := accounts.NewAccountService(accounts.Config{
//		Storage:        store,
//		SecurityConfig: accounts.DefaultSecurityConfig(),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	r.With(svc.SessionMiddleware).Post("/login", func(w http.ResponseWriter, r *http.Request) {
//		result := svc.SignInHandler(r)
//		w.WriteHeader(result.StatusCode)
//		json.NewEncoder(w).Encode(result)
//	})
package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// SecurityConfig defines security-related configuration options
type SecurityConfig struct {
	// Password policy
	PasswordMinLength      int
	PasswordRequireUpper   bool
	PasswordRequireLower   bool
	PasswordRequireNumber  bool
	PasswordRequireSpecial bool
	BcryptCost             int

	// Sessions
	SessionLifetime time.Duration // Idle lifetime; 0 keeps sessions until logout
	CookieSecure    bool          // Mark session cookies Secure

	// Login throttling per client IP
	LoginRateLimit rate.Limit
	LoginRateBurst int

	// Take the client IP from X-Forwarded-For / X-Real-IP. Only enable behind
	// a proxy that overwrites those headers.
	TrustProxyHeaders bool
}

// DefaultSecurityConfig returns a secure default configuration
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		PasswordMinLength:      8,
		PasswordRequireUpper:   true,
		PasswordRequireLower:   true,
		PasswordRequireNumber:  true,
		PasswordRequireSpecial: true,
		BcryptCost:             bcrypt.DefaultCost,
		SessionLifetime:        14 * 24 * time.Hour,
		CookieSecure:           true,
		LoginRateLimit:         rate.Every(6 * time.Second),
		LoginRateBurst:         10,
	}
}

// Config contains the configuration for the AccountService
type Config struct {
	Storage        Storage                        // Storage implementation (required)
	SecurityConfig SecurityConfig                 // Security configuration
	OAuthProviders map[string]OAuthProviderConfig // OAuth provider configurations
	Clock          func() time.Time               // Defaults to time.Now
}

// AccountService is the main service for account operations.
type AccountService struct {
	storage        Storage
	securityConfig SecurityConfig
	validator      *validator.Validate
	oauthConfigs   map[string]*oauth2.Config
	oauthProviders map[string]OAuthProviderConfig
	loginLimiter   *RateLimiter
	dummyHash      []byte
	now            func() time.Time
}

// NewAccountService creates a new account service. The storage connection is
// checked once here; the service never reconnects on its own.
func NewAccountService(cfg Config) (*AccountService, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	if err := cfg.Storage.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}

	securityConfig := cfg.SecurityConfig
	if securityConfig.PasswordMinLength == 0 {
		securityConfig = DefaultSecurityConfig()
	}
	if securityConfig.BcryptCost == 0 {
		securityConfig.BcryptCost = bcrypt.DefaultCost
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	// Compared against when the username is unknown so both failure paths
	// cost one bcrypt comparison.
	dummySecret, err := generateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate dummy secret: %w", err)
	}
	dummyHash, err := bcrypt.GenerateFromPassword([]byte(dummySecret), securityConfig.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash dummy secret: %w", err)
	}

	oauthConfigs := make(map[string]*oauth2.Config)
	oauthProviders := make(map[string]OAuthProviderConfig)
	for provider, providerCfg := range cfg.OAuthProviders {
		oauthConfigs[provider] = providerCfg.oauth2Config()
		oauthProviders[provider] = providerCfg
	}

	var limiter *RateLimiter
	if securityConfig.LoginRateLimit > 0 {
		limiter = NewRateLimiter(securityConfig.LoginRateLimit, securityConfig.LoginRateBurst)
	}

	service := &AccountService{
		storage:        cfg.Storage,
		securityConfig: securityConfig,
		validator:      newValidator(),
		oauthConfigs:   oauthConfigs,
		oauthProviders: oauthProviders,
		loginLimiter:   limiter,
		dummyHash:      dummyHash,
		now:            now,
	}

	slog.Debug("Account service initialised",
		"session_lifetime", securityConfig.SessionLifetime,
		"oauth_providers", len(oauthConfigs))

	return service, nil
}

// SecurityConfig returns the effective security configuration.
func (a *AccountService) SecurityConfig() SecurityConfig {
	return a.securityConfig
}

// PruneLoginLimiter forgets clients whose last login attempt is older than
// idle. It returns the number of clients dropped.
func (a *AccountService) PruneLoginLimiter(idle time.Duration) int {
	if a.loginLimiter == nil {
		return 0
	}
	return a.loginLimiter.CleanupAt(idle, a.now())
}

// storageErr logs a persistence failure with its detail and returns the
// generic error callers surface to users.
func (a *AccountService) storageErr(op string, err error) error {
	slog.Error("Storage operation failed", "op", op, "error", err)
	return &StorageError{Op: op, Err: err}
}

// Close closes the account service and cleans up resources
func (a *AccountService) Close() error {
	return a.storage.Close()
}
