package security

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// GuardConfig bounds inbound request bodies before they reach handlers.
type GuardConfig struct {
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// RequestGuard enforces coarse request limits: body size, content type, and
// UTF-8 cleanliness of JSON bodies. Fine-grained schema validation happens in
// the OpenAPI middleware; this layer exists so oversized or malformed payloads
// are rejected before being parsed at all.
type RequestGuard struct {
	cfg    GuardConfig
	logger *logrus.Logger
}

// NewRequestGuard creates a request guard.
func NewRequestGuard(cfg GuardConfig, logger *logrus.Logger) *RequestGuard {
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 10 * 1024 * 1024
	}
	return &RequestGuard{cfg: cfg, logger: logger}
}

// Middleware applies the guard to mutating requests.
func (g *RequestGuard) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodDelete {
				next.ServeHTTP(w, r)
				return
			}

			if r.ContentLength > g.cfg.MaxBodyBytes {
				g.reject(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
				g.reject(w, http.StatusUnsupportedMediaType, "content type must be application/json")
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// ValidPrompt reports whether a prompt is well-formed text: valid UTF-8 with
// no NUL bytes.
func ValidPrompt(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

func (g *RequestGuard) reject(w http.ResponseWriter, code int, message string) {
	g.logger.WithField("code", code).Warn("Request rejected by guard")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "validation_error",
			"code":    code,
		},
	})
}
