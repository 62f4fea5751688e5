// Package security establishes caller identity for orchestration requests.
// Every request runs on behalf of a caller; the caller ID keys the
// orchestrator cache, the registry refresh cooldown, and job ownership.
package security

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

type contextKey string

const callerKey contextKey = "caller"

// Caller is the authenticated identity attached to a request context.
type Caller struct {
	ID       string `json:"id"`
	AuthType string `json:"auth_type"` // "api_key", "jwt", or "anonymous"
}

// Claims are the JWT claims this service accepts. Subject carries the
// caller ID.
type Claims struct {
	jwt.RegisteredClaims
}

// Config holds authentication settings.
type Config struct {
	APIKeys     []string      `yaml:"api_keys"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTExpiry   time.Duration `yaml:"jwt_expiry"`
	RequireAuth bool          `yaml:"require_auth"`
}

// Authenticator resolves bearer tokens and API keys to callers.
type Authenticator struct {
	cfg    Config
	logger *logrus.Logger
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(cfg Config, logger *logrus.Logger) *Authenticator {
	if cfg.JWTExpiry == 0 {
		cfg.JWTExpiry = 24 * time.Hour
	}
	return &Authenticator{cfg: cfg, logger: logger}
}

// Authenticate resolves a token, trying the API key list first and JWT
// second.
func (a *Authenticator) Authenticate(token string) (*Caller, error) {
	if caller, err := a.authenticateAPIKey(token); err == nil {
		return caller, nil
	}
	if caller, err := a.authenticateJWT(token); err == nil {
		return caller, nil
	}
	return nil, errors.New("invalid authentication token")
}

func (a *Authenticator) authenticateAPIKey(key string) (*Caller, error) {
	if key == "" {
		return nil, errors.New("empty token")
	}
	for _, valid := range a.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return &Caller{ID: callerIDFromKey(key), AuthType: "api_key"}, nil
		}
	}
	return nil, errors.New("unknown API key")
}

func (a *Authenticator) authenticateJWT(tokenString string) (*Caller, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token claims")
	}
	return &Caller{ID: claims.Subject, AuthType: "jwt"}, nil
}

// IssueJWT mints a token for a caller. Used by operator tooling, not the
// request path.
func (a *Authenticator) IssueJWT(callerID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "llm-orchestrator",
			Subject:   callerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.JWTExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.JWTSecret))
}

// Middleware authenticates requests and attaches the caller to the context.
// Health and metrics endpoints bypass authentication.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") || strings.HasPrefix(r.URL.Path, "/metrics") {
				next.ServeHTTP(w, r)
				return
			}

			if !a.cfg.RequireAuth {
				ctx := WithCaller(r.Context(), &Caller{ID: "anonymous", AuthType: "anonymous"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token := extractToken(r)
			if token == "" {
				a.writeUnauthorized(w, "missing authentication token")
				return
			}

			caller, err := a.Authenticate(token)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"path":   r.URL.Path,
					"method": r.Method,
				}).Warn("Authentication failed")
				a.writeUnauthorized(w, "invalid authentication token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func (a *Authenticator) writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "authentication_error",
			"code":    http.StatusUnauthorized,
		},
	})
}

// WithCaller attaches a caller to the context.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFrom extracts the caller from the context.
func CallerFrom(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(callerKey).(*Caller)
	return c, ok
}

// CallerID returns the caller ID or "anonymous" when none is attached.
func CallerID(ctx context.Context) string {
	if c, ok := CallerFrom(ctx); ok {
		return c.ID
	}
	return "anonymous"
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return ""
}

// callerIDFromKey derives a stable, non-reversible caller ID from an API key.
func callerIDFromKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key_" + hex.EncodeToString(sum[:6])
}
