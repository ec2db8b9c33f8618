package accounts

import (
	"crypto/rand"
	"encoding/base64"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Password utilities
func hashPassword(password string, cost int) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(bytes), err
}

func checkPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// generateSecureToken returns length random bytes as unpadded URL-safe base64.
func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// IP utilities
func extractIPFromRequest(remoteAddr, xForwardedFor, xRealIP string) string {
	// X-Forwarded-For can carry a chain; the first hop is the client
	if xForwardedFor != "" {
		ips := strings.Split(xForwardedFor, ",")
		clientIP := strings.TrimSpace(ips[0])
		if net.ParseIP(clientIP) != nil {
			return clientIP
		}
	}

	if xRealIP != "" {
		if net.ParseIP(xRealIP) != nil {
			return xRealIP
		}
	}

	return remoteHost(remoteAddr)
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// clientIP returns the address login throttling and sessions are keyed on.
// Forwarding headers are client-controlled, so they only count behind a
// trusted proxy.
func (a *AccountService) clientIP(r *http.Request) string {
	if a.securityConfig.TrustProxyHeaders {
		return extractIPFromRequest(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"))
	}
	return remoteHost(r.RemoteAddr)
}

// tokenPrefix is the only part of a token that may appear in logs.
func tokenPrefix(token string) string {
	return token[:min(8, len(token))]
}
