package middleware

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mihaisavezi/claude-openai-bridge/internal/apierr"
)

type AuthMiddleware struct {
	config ConfigSource
	logger *slog.Logger
}

// NewAuthMiddleware checks the caller's key against the configured inbound
// key. With no key configured every request passes.
func NewAuthMiddleware(config ConfigSource, logger *slog.Logger) func(http.Handler) http.Handler {
	am := &AuthMiddleware{
		config: config,
		logger: logger,
	}

	return am.middleware
}

func (am *AuthMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := am.authenticate(r); err != nil {
			am.logger.Warn("Authentication failed",
				"error", err,
				"remote_addr", r.RemoteAddr,
				"request_id", RequestID(r.Context()),
			)
			apierr.Write(w, apierr.Unauthorized("bridge API key not authorized"))

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (am *AuthMiddleware) authenticate(r *http.Request) error {
	expected := am.config.Get().APIKey

	if r.URL.Path == "/health" || expected == "" {
		return nil
	}

	var token string

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	} else if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		token = apiKey
	}

	if token == "" {
		return errors.New("no authentication token provided")
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return errors.New("invalid API key")
	}

	return nil
}
