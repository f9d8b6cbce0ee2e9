package middleware

import (
	"log/slog"
	"net/http"

	"github.com/mihaisavezi/claude-openai-bridge/internal/config"
)

// Middleware represents a middleware function
type Middleware func(http.Handler) http.Handler

// ConfigSource hands out the current config snapshot. Implemented by config.Manager.
type ConfigSource interface {
	Get() *config.Config
}

// Chain represents a middleware chain
type Chain struct {
	middlewares []Middleware
}

// New creates a new middleware chain
func New(middlewares ...Middleware) Chain {
	return Chain{middlewares: middlewares}
}

// Then adds more middleware to the chain
func (c Chain) Then(middlewares ...Middleware) Chain {
	combined := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	combined = append(combined, c.middlewares...)

	return Chain{middlewares: append(combined, middlewares...)}
}

// Handler applies all middleware in the chain to the given handler
func (c Chain) Handler(handler http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}

	return handler
}

// MiddlewareSet contains all configured middleware for easy composition
type MiddlewareSet struct {
	RequestID  Middleware
	Decompress Middleware
	Logging    Middleware
	Metrics    Middleware
	Auth       Middleware
}

// NewMiddlewareSet wires every middleware to its dependencies.
func NewMiddlewareSet(config ConfigSource, metrics *Metrics, logger *slog.Logger) MiddlewareSet {
	return MiddlewareSet{
		RequestID:  NewRequestIDMiddleware(),
		Decompress: NewDecompressMiddleware(logger),
		Logging:    NewLoggingMiddleware(logger),
		Metrics:    metrics.Middleware(),
		Auth:       NewAuthMiddleware(config, logger),
	}
}

// DefaultChain is used for the API endpoints.
func (ms MiddlewareSet) DefaultChain() Chain {
	return New(
		ms.RequestID,
		ms.Logging,
		ms.Metrics,
		ms.Auth,
		ms.Decompress, // only authenticated bodies get inflated
	)
}

// HealthChain returns the middleware chain for health endpoints (no auth)
func (ms MiddlewareSet) HealthChain() Chain {
	return New(
		ms.RequestID,
		ms.Logging,
	)
}

// PublicChain is for scrape endpoints that should stay out of the request log.
func (ms MiddlewareSet) PublicChain() Chain {
	return New(ms.RequestID)
}
