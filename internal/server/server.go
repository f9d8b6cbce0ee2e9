package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mihaisavezi/claude-openai-bridge/internal/apierr"
	"github.com/mihaisavezi/claude-openai-bridge/internal/config"
	"github.com/mihaisavezi/claude-openai-bridge/internal/handlers"
	"github.com/mihaisavezi/claude-openai-bridge/internal/middleware"
	"github.com/mihaisavezi/claude-openai-bridge/internal/modelmap"
	"github.com/mihaisavezi/claude-openai-bridge/internal/translator"
	"github.com/mihaisavezi/claude-openai-bridge/internal/transport"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	config  *config.Manager
	mapper  *modelmap.Mapper
	metrics *middleware.Metrics
	version string
	logger  *slog.Logger
	server  *http.Server

	// CountTokens replaces the tiktoken estimate when set.
	CountTokens handlers.TokenCounter
}

func New(configManager *config.Manager, version string, logger *slog.Logger) *Server {
	return &Server{
		config:  configManager,
		mapper:  modelmap.New(),
		metrics: middleware.NewMetrics(),
		version: version,
		logger:  logger,
	}
}

// Start runs the server until SIGINT or SIGTERM.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return s.Run(ctx)
}

// Run serves until ctx ends, then shuts down gracefully. The config watcher
// runs alongside and pushes model mapping changes into the live mapper.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.config.Get()
	if cfg == nil {
		return errors.New("configuration not loaded")
	}

	handler, err := s.Handler()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}

	s.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting server",
		"address", ln.Addr().String(),
		"backend", cfg.Backend.BaseURL,
		"decoder", cfg.Stream.Decoder,
		"aliases", len(s.mapper.Aliases()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Server is shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		if err := s.config.Watch(gctx, s.logger, s.applyConfig); err != nil {
			// hot reload is optional, the bridge runs without it
			s.logger.Warn("Config hot reload disabled", "error", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.Info("Server exited")

	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// applyConfig is called with each successfully reloaded config. Backend,
// stream and key settings are read per request; retry and proxy settings
// are fixed at startup.
func (s *Server) applyConfig(cfg *config.Config) {
	s.mapper.SetMapping(cfg.ModelMapping)
	s.logger.Info("Model mapping updated", "aliases", len(s.mapper.Aliases()))
}

func (s *Server) upstream(cfg *config.Config) (*transport.Client, error) {
	httpClient, err := transport.NewHTTPClient(transport.ClientConfig{
		ResponseHeaderTimeout: cfg.Backend.Timeout.Std(),
		ProxyURL:              cfg.Backend.ProxyURL,
	})
	if err != nil {
		return nil, err
	}

	client := transport.NewClient(httpClient, transport.RetryPolicy{
		Attempts: cfg.Retry.MaxAttempts,
		Delay:    retryDelay(cfg.Retry),
		Statuses: cfg.Retry.Statuses,
	}, s.logger)
	client.OnRetry = s.metrics.ObserveRetry

	return client, nil
}

func retryDelay(r config.Retry) time.Duration {
	if r.Delay == 0 {
		return transport.DefaultRetryPolicy.Delay
	}

	return r.Delay.Std()
}

// Handler builds the routed, middleware-wrapped handler tree.
func (s *Server) Handler() (http.Handler, error) {
	cfg := s.config.Get()
	s.mapper.SetMapping(cfg.ModelMapping)

	client, err := s.upstream(cfg)
	if err != nil {
		return nil, fmt.Errorf("build upstream client: %w", err)
	}

	chat := handlers.NewChatCompletionsHandler(s.config, translator.NewConverter(s.mapper, s.logger), client, s.metrics, s.logger)
	if s.CountTokens != nil {
		chat.CountTokens = s.CountTokens
	}

	models := handlers.NewModelsHandler(s.mapper, s.logger)
	health := handlers.NewHealthHandler(s.version, s.logger)

	set := middleware.NewMiddlewareSet(s.config, s.metrics, s.logger)
	api := set.DefaultChain()

	routes := []route{
		{http.MethodPost, "/v1/chat/completions", api.Handler(chat)},
		{http.MethodPost, "/chat/completions", api.Handler(chat)},
		{http.MethodGet, "/v1/models", api.Handler(models)},
		{http.MethodGet, "/models", api.Handler(models)},
		{http.MethodGet, "/health", set.HealthChain().Handler(health)},
		{http.MethodGet, "/metrics", set.PublicChain().Handler(s.metrics.Handler())},
	}

	mux := http.NewServeMux()
	allowed := make(map[string][]string)

	for _, rt := range routes {
		mux.Handle(rt.method+" "+rt.path, rt.handler)
		allowed[rt.path] = append(allowed[rt.path], rt.method)
	}

	// The catch-all below would otherwise shadow ServeMux's own 405s.
	for path, methods := range allowed {
		mux.Handle(path, set.HealthChain().Handler(methodNotAllowed(methods)))
	}

	mux.Handle("/", set.HealthChain().Handler(http.HandlerFunc(notFound)))

	return mux, nil
}

type route struct {
	method  string
	path    string
	handler http.Handler
}

func methodNotAllowed(methods []string) http.HandlerFunc {
	allow := strings.Join(methods, ", ")

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", allow)
		apierr.Write(w, &apierr.Error{
			Kind:    apierr.KindMalformedRequest,
			Status:  http.StatusMethodNotAllowed,
			Message: fmt.Sprintf("method %s not allowed for %s", r.Method, r.URL.Path),
		})
	}
}

func notFound(w http.ResponseWriter, r *http.Request) {
	apierr.Write(w, &apierr.Error{
		Kind:    apierr.KindMalformedRequest,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
	})
}
