package middleware

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/security"
)

// SecurityConfig holds the settings for the security middleware chain.
type SecurityConfig struct {
	Auth      security.Config          `yaml:"auth"`
	RateLimit security.RateLimitConfig `yaml:"rate_limit"`
	Guard     security.GuardConfig     `yaml:"guard"`
}

// SecurityStack composes the request guard, authentication, and rate
// limiting middleware in that order: cheap structural checks first, then
// identity, then per-caller throttling keyed by that identity.
type SecurityStack struct {
	auth    *security.Authenticator
	limiter *security.RateLimiter
	guard   *security.RequestGuard
}

// NewSecurityStack builds the chain.
func NewSecurityStack(cfg SecurityConfig, logger *logrus.Logger) *SecurityStack {
	return &SecurityStack{
		auth:    security.NewAuthenticator(cfg.Auth, logger),
		limiter: security.NewRateLimiter(cfg.RateLimit, logger),
		guard:   security.NewRequestGuard(cfg.Guard, logger),
	}
}

// Handler wraps next with the full chain.
func (s *SecurityStack) Handler(next http.Handler) http.Handler {
	handler := s.limiter.Middleware()(next)
	handler = s.auth.Middleware()(handler)
	handler = s.guard.Middleware()(handler)
	return handler
}

// Authenticator exposes the underlying authenticator for token issuance.
func (s *SecurityStack) Authenticator() *security.Authenticator {
	return s.auth
}

// Stop releases background resources.
func (s *SecurityStack) Stop() {
	s.limiter.Stop()
}
