package accounts

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// SessionCookieName is the cookie holding "username:token" credentials.
const SessionCookieName = "session"

// SessionCredentials identify a session: both parts must match the stored
// record.
type SessionCredentials struct {
	Username string
	Token    string
}

func (c SessionCredentials) String() string {
	return c.Username + ":" + c.Token
}

// ParseSessionCredentials splits "username:token" at the first colon.
// Usernames cannot contain a colon, tokens are URL-safe base64.
func ParseSessionCredentials(s string) (SessionCredentials, bool) {
	username, token, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || username == "" || token == "" {
		return SessionCredentials{}, false
	}
	return SessionCredentials{Username: username, Token: token}, true
}

type contextKey int

const (
	userContextKey contextKey = iota
	sessionContextKey
	credentialsContextKey
)

// UserFromContext returns the user resolved by SessionMiddleware, or nil.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userContextKey).(*User)
	return user
}

// SessionFromContext returns the session resolved by SessionMiddleware, or nil.
func SessionFromContext(ctx context.Context) *Session {
	session, _ := ctx.Value(sessionContextKey).(*Session)
	return session
}

// CredentialsFromContext returns the credentials of the current session.
func CredentialsFromContext(ctx context.Context) (SessionCredentials, bool) {
	creds, ok := ctx.Value(credentialsContextKey).(SessionCredentials)
	return creds, ok
}

// WithUser returns a copy of ctx carrying user and its session credentials.
func WithUser(ctx context.Context, user *User, creds SessionCredentials) context.Context {
	ctx = context.WithValue(ctx, userContextKey, user)
	return context.WithValue(ctx, credentialsContextKey, creds)
}

// extractCredentials reads session credentials from the Authorization header
// ("Session <creds>" or "Bearer <creds>") or from the session cookie.
func extractCredentials(r *http.Request) (SessionCredentials, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, value, ok := strings.Cut(header, " ")
		if ok && (strings.EqualFold(scheme, "Session") || strings.EqualFold(scheme, "Bearer")) {
			return ParseSessionCredentials(value)
		}
	}

	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return SessionCredentials{}, false
	}
	return ParseSessionCredentials(cookie.Value)
}

// NewSessionCookie returns the cookie binding creds to a browser.
func (a *AccountService) NewSessionCookie(creds SessionCredentials) *http.Cookie {
	cookie := &http.Cookie{
		Name:     SessionCookieName,
		Value:    creds.String(),
		Path:     "/",
		HttpOnly: true,
		Secure:   a.securityConfig.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if lifetime := a.securityConfig.SessionLifetime; lifetime > 0 {
		cookie.MaxAge = int(lifetime.Seconds())
	}
	return cookie
}

// ExpiredSessionCookie returns a cookie that removes the session cookie.
func (a *AccountService) ExpiredSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.securityConfig.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// SessionMiddleware resolves session credentials into the request context.
// Requests without credentials pass through anonymously; requests with stale
// credentials also pass through, with the session cookie cleared. Guards
// applied later decide whether anonymous access is acceptable.
func (a *AccountService) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds, ok := extractCredentials(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		user, session, err := a.resolve(r.Context(), creds.Username, creds.Token)
		if err != nil {
			if errors.Is(err, ErrStorageUnavailable) {
				writeJSON(w, http.StatusServiceUnavailable, failure(http.StatusServiceUnavailable, storageUnavailableMessage))
				return
			}
			slog.Debug("Discarding invalid session credentials", "username", creds.Username)
			http.SetCookie(w, a.ExpiredSessionCookie())
			next.ServeHTTP(w, r)
			return
		}

		ctx := WithUser(r.Context(), user, creds)
		ctx = context.WithValue(ctx, sessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
