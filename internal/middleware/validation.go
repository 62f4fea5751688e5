// Package middleware holds HTTP middleware shared across the server.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"
)

// OpenAPIConfig configures request validation against the published spec.
type OpenAPIConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SpecPath string `yaml:"spec_path"`
}

// OpenAPIValidator rejects requests that do not match the OpenAPI document.
// Routes absent from the document (health, metrics) pass through untouched.
type OpenAPIValidator struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
}

// NewOpenAPIValidator loads the spec and builds the route matcher.
func NewOpenAPIValidator(cfg OpenAPIConfig, logger *logrus.Logger) (*OpenAPIValidator, error) {
	v := &OpenAPIValidator{logger: logger, enabled: cfg.Enabled}
	if !cfg.Enabled {
		logger.Info("OpenAPI request validation disabled")
		return v, nil
	}

	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(cfg.SpecPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenAPI router: %w", err)
	}
	v.router = router
	logger.WithField("spec_path", cfg.SpecPath).Info("OpenAPI request validation enabled")
	return v, nil
}

// Middleware returns the validating handler wrapper.
func (v *OpenAPIValidator) Middleware(next http.Handler) http.Handler {
	if !v.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.validate(r); err != nil {
			v.logger.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Request failed schema validation")
			writeValidationError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *OpenAPIValidator) validate(r *http.Request) error {
	route, pathParams, err := v.router.FindRoute(r)
	if err != nil {
		// Undocumented routes pass through.
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
	}
	if len(body) > 0 {
		input.Request.Body = io.NopCloser(bytes.NewReader(body))
	}
	if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
		return err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return nil
}

func writeValidationError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": err.Error(),
			"type":    "validation_error",
			"code":    http.StatusBadRequest,
		},
	})
}
