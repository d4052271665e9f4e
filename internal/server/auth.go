package server

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// sessionIssuer mints short-lived HS256 tokens for WebSocket upgrades, so
// browser clients never put the long-lived bearer credential in a URL.
// The signing key is random per process: hub restarts invalidate all
// outstanding session tokens, which is acceptable at their lifetime.
type sessionIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func newSessionIssuer(ttl time.Duration) (*sessionIssuer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return &sessionIssuer{key: key, ttl: ttl, now: time.Now}, nil
}

// Mint issues a session token and its expiry.
func (i *sessionIssuer) Mint() (string, time.Time, error) {
	now := i.now()
	expires := now.Add(i.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   "hub-client",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expires, nil
}

// Validate checks a session token's signature and expiry.
func (i *sessionIssuer) Validate(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return i.key, nil
		},
		jwt.WithTimeFunc(func() time.Time { return i.now() }))
	if err != nil {
		return fmt.Errorf("parse session token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid session token")
	}
	return nil
}

// bearerMatches compares a presented credential against the configured
// token in constant time.
func bearerMatches(presented, configured string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// isLoopback reports whether the request originates from the local host.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// authenticate validates the request credential: the configured bearer
// token, or loopback origin when no token is configured.
func (s *Server) authenticate(r *http.Request) bool {
	if s.config.AuthToken == "" {
		return isLoopback(r.RemoteAddr)
	}

	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return bearerMatches(after, s.config.AuthToken)
	}
	return false
}

// authenticateWS additionally accepts credentials via the token query
// parameter, the only channel a browser WebSocket client has. The raw
// bearer on a URL is the higher-risk path and is logged distinctly.
func (s *Server) authenticateWS(r *http.Request) bool {
	if s.authenticate(r) {
		return true
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		return false
	}
	if err := s.sessions.Validate(token); err == nil {
		return true
	}
	if s.config.AuthToken != "" && bearerMatches(token, s.config.AuthToken) {
		slog.Warn("Raw bearer token accepted via query parameter",
			"remote", r.RemoteAddr, "path", r.URL.Path)
		return true
	}
	return false
}

// checkOrigin applies the browser-origin rules: with a configured
// allowlist the origin must match it; with none, only same-origin or
// non-browser requests pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.config.AllowedOrigins) > 0 {
		return originAllowed(origin, s.config.AllowedOrigins)
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// originKey identifies the caller for rate limiting: the client IP.
func originKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireAuth wraps a handler with credential and origin checks. Auth and
// origin failures are terminal: nothing is forwarded to the layers below.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credential")
			return
		}
		if !s.checkOrigin(r) {
			writeError(w, http.StatusForbidden, "origin_denied", "origin not allowed")
			return
		}
		next(w, r)
	}
}

// requireLoopback gates the bridge ingress: bridges are local processes,
// so registration traffic never crosses the host boundary.
func (s *Server) requireLoopback(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r.RemoteAddr) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "bridge ingress is loopback-only")
			return
		}
		next(w, r)
	}
}

// limit wraps a mutating handler with the per-origin rate limiter.
func (s *Server) limit(category string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := originKey(r)
		if !s.limiter.Allow(key, category) {
			s.auditor.Record(auditEntry(r, "rate-limited", "", "category="+category))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next(w, r)
	}
}

// handleAuthSession exchanges the bearer credential for a short-lived
// WebSocket session token.
func (s *Server) handleAuthSession(w http.ResponseWriter, r *http.Request) {
	token, expires, err := s.sessions.Mint()
	if err != nil {
		slog.Error("Session token mint failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create session token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expires.UTC().Format(time.RFC3339),
	})
}
