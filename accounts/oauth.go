package accounts

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	// OAuthStateCookieName carries the state parameter between the init and
	// callback requests.
	OAuthStateCookieName = "oauth_state"

	oauthStateTTL        = 10 * time.Minute
	googleUserInfoURL    = "https://www.googleapis.com/oauth2/v2/userinfo"
	maxUsernameAttempts  = 50
	maxDerivedUsernameLn = 140
	maxNameLen           = 30
)

// OAuthProviderConfig defines the configuration for an OAuth2 provider.
type OAuthProviderConfig struct {
	ClientID     string   `json:"client_id"`     // OAuth2 client ID from provider
	ClientSecret string   `json:"client_secret"` // OAuth2 client secret from provider
	RedirectURL  string   `json:"redirect_url"`  // Callback URL registered with provider
	AuthURL      string   `json:"auth_url"`      // OAuth2 authorization endpoint
	TokenURL     string   `json:"token_url"`     // OAuth2 token endpoint
	UserInfoURL  string   `json:"userinfo_url"`  // Returns the signed-in identity as JSON
	Scopes       []string `json:"scopes"`        // OAuth2 scopes to request

	// AssumeEmailVerified accepts the userinfo email when the provider sends
	// neither verified_email nor email_verified.
	AssumeEmailVerified bool `json:"assume_email_verified"`
}

// NewGoogleOAuthProvider creates a Google OAuth provider configuration with defaults
func NewGoogleOAuthProvider(clientID, clientSecret, redirectURL string) OAuthProviderConfig {
	return OAuthProviderConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      google.Endpoint.AuthURL,
		TokenURL:     google.Endpoint.TokenURL,
		UserInfoURL:  googleUserInfoURL,
		Scopes:       []string{"https://www.googleapis.com/auth/userinfo.email", "https://www.googleapis.com/auth/userinfo.profile"},
	}
}

// NewCustomOAuthProvider creates a custom OAuth provider configuration
func NewCustomOAuthProvider(clientID, clientSecret, redirectURL, authURL, tokenURL, userInfoURL string, scopes []string) OAuthProviderConfig {
	return OAuthProviderConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      authURL,
		TokenURL:     tokenURL,
		UserInfoURL:  userInfoURL,
		Scopes:       scopes,
	}
}

func (p OAuthProviderConfig) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  p.RedirectURL,
		Scopes:       p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.AuthURL,
			TokenURL: p.TokenURL,
		},
	}
}

// OAuthIdentity is what an external provider vouches for: a verified email
// address and a display name.
type OAuthIdentity struct {
	Email       string
	DisplayName string
}

// ProvisionOAuthUser signs in the owner of identity.Email, creating the account
// first when no user has that email. New accounts get a username derived from
// the email local part, are active and verified, and carry a random password
// nobody knows. The returned token belongs to a freshly created session.
func (a *AccountService) ProvisionOAuthUser(ctx context.Context, identity OAuthIdentity, clientIP, clientAgent string) (*User, string, error) {
	user, _, err := a.provisionOAuthUser(ctx, identity)
	if err != nil {
		return nil, "", err
	}

	token, err := a.CreateSession(ctx, user, clientIP, clientAgent)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

func (a *AccountService) provisionOAuthUser(ctx context.Context, identity OAuthIdentity) (*User, bool, error) {
	email := normalizeEmail(identity.Email)
	if !validEmail(email) {
		return nil, false, NewValidationError("email", "Enter a valid email address")
	}

	existing, err := a.storage.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, false, a.storageErr("get user by email", err)
	}
	if existing != nil {
		return a.oauthLogin(ctx, existing)
	}

	secret, err := generateSecureToken(32)
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate account secret: %w", err)
	}
	hashedPassword, err := hashPassword(secret, a.securityConfig.BcryptCost)
	if err != nil {
		return nil, false, fmt.Errorf("failed to hash password: %w", err)
	}

	firstName, lastName := splitName(identity.DisplayName)
	base := usernameFromEmail(email)

	for attempt := 0; attempt < maxUsernameAttempts; attempt++ {
		candidate := base
		if attempt > 0 {
			candidate = base + strconv.Itoa(attempt)
		}

		taken, err := a.storage.GetUserByUsername(ctx, candidate)
		if err != nil {
			return nil, false, a.storageErr("get user by username", err)
		}
		if taken != nil {
			continue
		}

		now := a.now()
		user := &User{
			ID:           uuid.NewString(),
			Username:     candidate,
			Email:        email,
			FirstName:    firstName,
			LastName:     lastName,
			PasswordHash: hashedPassword,
			Role:         RoleUser,
			Permissions:  []string{},
			IsActive:     true,
			IsVerified:   true,
			DateJoined:   now,
			LastLogin:    &now,
			UpdatedAt:    now,
		}

		err = a.storage.CreateUser(ctx, user)
		if err == nil {
			slog.Info("OAuth user provisioned", "user_id", user.ID, "username", user.Username)
			return user, true, nil
		}

		var dup *DuplicateKeyError
		if !errors.As(err, &dup) {
			return nil, false, a.storageErr("create user", err)
		}
		if dup.Field == "email" {
			// Another request provisioned the same email first.
			winner, err := a.storage.GetUserByEmail(ctx, email)
			if err != nil {
				return nil, false, a.storageErr("get user by email", err)
			}
			if winner == nil {
				return nil, false, a.storageErr("create user", dup)
			}
			return a.oauthLogin(ctx, winner)
		}
	}

	return nil, false, NewValidationError("username", "Could not derive a free username from the email address")
}

func (a *AccountService) oauthLogin(ctx context.Context, user *User) (*User, bool, error) {
	if !user.IsActive {
		slog.Debug("OAuth login on inactive account", "user_id", user.ID)
		return nil, false, ErrAccountDisabled
	}
	now := a.now()
	if err := a.storage.UpdateLastLogin(ctx, user.ID, now); err != nil {
		slog.Error("Failed to update last login", "user_id", user.ID, "error", err)
	} else {
		user.LastLogin = &now
	}
	return user, false, nil
}

// usernameFromEmail keeps the characters of the local part that are valid in a
// username.
func usernameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	var b strings.Builder
	for _, r := range local {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	name := b.String()
	if len(name) < 3 {
		name = "user" + name
	}
	if len(name) > maxDerivedUsernameLn {
		name = name[:maxDerivedUsernameLn]
	}
	return name
}

// splitName splits a display name into first name and the rest.
func splitName(fullName string) (string, string) {
	parts := strings.Fields(fullName)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return truncateRunes(parts[0], maxNameLen), ""
	default:
		return truncateRunes(parts[0], maxNameLen), truncateRunes(strings.Join(parts[1:], " "), maxNameLen)
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// OAuthResponse represents the response for OAuth operations
type OAuthResponse struct {
	Result
	URL         string    `json:"url,omitempty"`         // Authorization URL (init)
	Credentials string    `json:"credentials,omitempty"` // Session credentials (callback)
	User        *UserView `json:"user,omitempty"`
	IsNewUser   bool      `json:"is_new_user,omitempty"`
}

// OAuthInitHandler starts the authorization code flow for provider. The state
// cookie in the response must be set on the client before redirecting to URL.
func (a *AccountService) OAuthInitHandler(r *http.Request, provider string) OAuthResponse {
	oauthConfig, exists := a.oauthConfigs[provider]
	if !exists {
		slog.Debug("Unsupported OAuth provider", "provider", provider)
		return OAuthResponse{Result: failure(http.StatusBadRequest, "Unsupported OAuth provider")}
	}

	state, err := generateSecureToken(32)
	if err != nil {
		slog.Error("Failed to generate state token", "error", err)
		return OAuthResponse{Result: failure(http.StatusInternalServerError, "Internal server error")}
	}

	slog.Debug("OAuth flow initiated", "provider", provider)

	resp := OAuthResponse{
		Result: Result{Success: true, StatusCode: http.StatusOK},
		URL:    oauthConfig.AuthCodeURL(state),
	}
	resp.Cookies = []*http.Cookie{{
		Name:     OAuthStateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   int(oauthStateTTL.Seconds()),
		HttpOnly: true,
		Secure:   a.securityConfig.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}}
	return resp
}

// OAuthCallbackHandler completes the flow: it checks the state, exchanges the
// code, reads the identity from the provider and signs the user in.
func (a *AccountService) OAuthCallbackHandler(r *http.Request, provider string) OAuthResponse {
	oauthConfig, exists := a.oauthConfigs[provider]
	if !exists {
		slog.Debug("Unsupported OAuth provider", "provider", provider)
		return OAuthResponse{Result: failure(http.StatusBadRequest, "Unsupported OAuth provider")}
	}

	clearState := &http.Cookie{
		Name:     OAuthStateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.securityConfig.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	fail := func(status int, msg string) OAuthResponse {
		res := failure(status, msg)
		res.Cookies = []*http.Cookie{clearState}
		return OAuthResponse{Result: res}
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		slog.Debug("Missing state or code in OAuth callback")
		return fail(http.StatusBadRequest, "Missing state or code parameter")
	}

	stateCookie, err := r.Cookie(OAuthStateCookieName)
	if err != nil || subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(state)) != 1 {
		slog.Debug("OAuth state mismatch", "provider", provider)
		return fail(http.StatusBadRequest, "Invalid state parameter")
	}

	ctx := r.Context()
	token, err := oauthConfig.Exchange(ctx, code)
	if err != nil {
		slog.Error("Failed to exchange OAuth code", "provider", provider, "error", err)
		return fail(http.StatusBadGateway, "Failed to exchange authorization code")
	}

	identity, err := a.fetchOAuthIdentity(ctx, provider, oauthConfig, token)
	if err != nil {
		slog.Error("Failed to fetch OAuth user info", "provider", provider, "error", err)
		return fail(http.StatusBadGateway, "Failed to fetch user information")
	}
	if identity == nil {
		return fail(http.StatusBadRequest, "The provider did not return a verified email address")
	}

	user, isNew, err := a.provisionOAuthUser(ctx, *identity)
	if err != nil {
		res := errorResult(err)
		res.Cookies = []*http.Cookie{clearState}
		return OAuthResponse{Result: res}
	}

	sessionToken, err := a.CreateSession(ctx, user, a.clientIP(r), r.UserAgent())
	if err != nil {
		res := errorResult(err)
		res.Cookies = []*http.Cookie{clearState}
		return OAuthResponse{Result: res}
	}

	creds := SessionCredentials{Username: user.Username, Token: sessionToken}
	slog.Info("OAuth authentication successful", "user_id", user.ID, "provider", provider, "is_new_user", isNew)

	resp := OAuthResponse{
		Result:      Result{Success: true, Message: "Signed in", StatusCode: http.StatusOK},
		Credentials: creds.String(),
		User:        NewUserView(user),
		IsNewUser:   isNew,
	}
	resp.Cookies = []*http.Cookie{clearState, a.NewSessionCookie(creds)}
	return resp
}

// fetchOAuthIdentity reads the signed-in identity from the provider's userinfo
// endpoint. It returns nil when the provider reports no email or does not
// confirm that it is verified.
func (a *AccountService) fetchOAuthIdentity(ctx context.Context, provider string, oauthConfig *oauth2.Config, token *oauth2.Token) (*OAuthIdentity, error) {
	userInfoURL := a.oauthProviders[provider].UserInfoURL
	if userInfoURL == "" {
		return nil, fmt.Errorf("no userinfo endpoint configured for %s", provider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := oauthConfig.Client(ctx, token)
	client.Timeout = 10 * time.Second
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch user info: status %d", resp.StatusCode)
	}

	// Google v2 reports verified_email, OpenID Connect email_verified.
	var info struct {
		Email         string `json:"email"`
		Name          string `json:"name"`
		VerifiedEmail *bool  `json:"verified_email"`
		EmailVerified *bool  `json:"email_verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	if info.Email == "" {
		slog.Debug("OAuth user has no email", "provider", provider)
		return nil, nil
	}
	if !emailVerified(info.VerifiedEmail, info.EmailVerified, a.oauthProviders[provider].AssumeEmailVerified) {
		slog.Debug("OAuth email not verified", "provider", provider)
		return nil, nil
	}

	return &OAuthIdentity{Email: info.Email, DisplayName: info.Name}, nil
}

// emailVerified requires every flag the provider sent to be true. With no flag
// at all the email only counts when the provider is configured to be trusted.
func emailVerified(verifiedEmail, emailVerifiedFlag *bool, assume bool) bool {
	if verifiedEmail == nil && emailVerifiedFlag == nil {
		return assume
	}
	if verifiedEmail != nil && !*verifiedEmail {
		return false
	}
	if emailVerifiedFlag != nil && !*emailVerifiedFlag {
		return false
	}
	return true
}
