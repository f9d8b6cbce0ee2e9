package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mihaisavezi/claude-openai-bridge/internal/apierr"
	"github.com/mihaisavezi/claude-openai-bridge/internal/config"
	"github.com/mihaisavezi/claude-openai-bridge/internal/middleware"
	"github.com/mihaisavezi/claude-openai-bridge/internal/schema"
	"github.com/mihaisavezi/claude-openai-bridge/internal/translator"
	"github.com/mihaisavezi/claude-openai-bridge/internal/transport"
)

const (
	maxRequestBytes = 32 << 20
	// upstream error bodies are relayed, but never without bound
	maxErrorBodyBytes = 1 << 20
)

// ConfigSource hands out the current config snapshot.
type ConfigSource interface {
	Get() *config.Config
}

// Upstream sends prepared calls to the messages API. Send retries transient
// failures; Do makes exactly one attempt.
type Upstream interface {
	Send(ctx context.Context, r *transport.Request) (*http.Response, error)
	Do(ctx context.Context, r *transport.Request) (*http.Response, error)
}

// Observer is told about every completed translation.
type Observer interface {
	ObserveCompletion(c *schema.ChatCompletion)
	ObserveStream(stats translator.StreamStats)
}

type nopObserver struct{}

func (nopObserver) ObserveCompletion(*schema.ChatCompletion) {}
func (nopObserver) ObserveStream(translator.StreamStats)      {}

// ChatCompletionsHandler serves the chat completions endpoint by converting
// each request for the messages API and converting the answer back.
type ChatCompletionsHandler struct {
	config    ConfigSource
	converter *translator.Converter
	upstream  Upstream
	observer  Observer
	logger    *slog.Logger

	// CountTokens estimates prompt size for the request log.
	CountTokens TokenCounter
}

func NewChatCompletionsHandler(config ConfigSource, converter *translator.Converter, upstream Upstream, observer Observer, logger *slog.Logger) *ChatCompletionsHandler {
	if observer == nil {
		observer = nopObserver{}
	}

	return &ChatCompletionsHandler{
		config:      config,
		converter:   converter,
		upstream:    upstream,
		observer:    observer,
		logger:      logger,
		CountTokens: NewTiktokenCounter(logger),
	}
}

func (h *ChatCompletionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", middleware.RequestID(ctx))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		h.fail(w, logger, apierr.MalformedRequest("failed to read request body: %v", err))
		return
	}

	req, err := translator.ParseChatRequest(body)
	if err != nil {
		h.fail(w, logger, err)
		return
	}

	converted, err := h.converter.ConvertRequest(req)
	if err != nil {
		h.fail(w, logger, err)
		return
	}

	payload, err := json.Marshal(converted)
	if err != nil {
		h.fail(w, logger, fmt.Errorf("marshal upstream request: %w", err))
		return
	}

	cfg := h.config.Get()
	provider := cfg.Provider()

	call := transport.NewMessagesRequest(provider.BaseURL, provider.APIKey, payload)
	if cfg.Backend.Version != "" {
		call.Header.Set("Anthropic-Version", cfg.Backend.Version)
	}

	logger.Info("Proxying request",
		"alias", req.Model,
		"model", converted.Model,
		"stream", req.Stream,
		"messages", len(converted.Messages),
		"tools", len(converted.Tools),
		"thinking", converted.Thinking != nil,
		"input_tokens", h.CountTokens(promptText(req)),
		"url", call.URL,
	)

	if req.Stream {
		includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
		h.serveStream(ctx, w, logger, cfg, call, translator.StreamOptions{
			Model:        converted.Model,
			IncludeUsage: includeUsage,
		})

		return
	}

	h.serveCompletion(ctx, w, logger, call)
}

func (h *ChatCompletionsHandler) serveCompletion(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, call *transport.Request) {
	start := time.Now()

	call.Header.Set("Accept-Encoding", transport.AcceptEncoding)

	resp, err := h.upstream.Send(ctx, call)
	if err != nil {
		h.fail(w, logger, err)
		return
	}
	defer resp.Body.Close()

	if err := transport.DecompressBody(resp); err != nil {
		h.fail(w, logger, apierr.Transport(err))
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		h.fail(w, logger, apierr.Transport(fmt.Errorf("read upstream response: %w", err)))
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.fail(w, logger, apierr.Upstream(resp.StatusCode, truncateBody(respBody)))
		return
	}

	completion, err := h.converter.ConvertResponse(respBody)
	if err != nil {
		h.fail(w, logger, err)
		return
	}

	h.observer.ObserveCompletion(completion)

	out, err := json.Marshal(completion)
	if err != nil {
		h.fail(w, logger, fmt.Errorf("marshal completion: %w", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(out); err != nil {
		logger.Debug("Client went away before the response was written", "error", err)
	}

	attrs := []any{"id", completion.ID, "duration", time.Since(start)}
	if len(completion.Choices) > 0 {
		attrs = append(attrs, "tool_calls", len(completion.Choices[0].Message.ToolCalls))
		if fr := completion.Choices[0].FinishReason; fr != nil {
			attrs = append(attrs, "finish_reason", *fr)
		}
	}

	if completion.Usage != nil {
		attrs = append(attrs, "input_tokens", completion.Usage.PromptTokens, "output_tokens", completion.Usage.CompletionTokens)
	}

	logger.Info("Completed response", attrs...)
}

func (h *ChatCompletionsHandler) serveStream(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, cfg *config.Config, call *transport.Request, opts translator.StreamOptions) {
	start := time.Now()

	call.Header.Set("Accept", "text/event-stream")

	resp, err := h.upstream.Do(ctx, call)
	if err != nil {
		h.fail(w, logger, err)
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()

		if err := transport.DecompressBody(resp); err != nil {
			h.fail(w, logger, apierr.Upstream(resp.StatusCode, nil))
			return
		}

		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		h.fail(w, logger, apierr.Upstream(resp.StatusCode, errBody))

		return
	}

	if err := transport.DecompressBody(resp); err != nil {
		resp.Body.Close()
		h.fail(w, logger, apierr.Transport(err))

		return
	}

	// the reader closes the body when the client leaves or the upstream stalls
	resp.Body = transport.NewStreamReader(ctx, resp.Body, cfg.Stream.IdleTimeout.Std(), logger)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flushResponse(w)

	stats, err := h.converter.ConvertStream(ctx, h.eventSource(cfg, resp, logger), translator.NewFlushingWriter(w), opts)
	if err != nil {
		logger.Info("Stream ended early",
			"reason", err,
			"chunks", stats.Chunks,
			"duration", time.Since(start),
		)

		return
	}

	h.observer.ObserveStream(stats)

	logger.Info("Completed streaming response",
		"id", stats.ResponseID,
		"chunks", stats.Chunks,
		"tool_calls", stats.ToolCalls,
		"finish_reason", stats.FinishReason,
		"input_tokens", stats.Usage.PromptTokens,
		"output_tokens", stats.Usage.CompletionTokens,
		"truncated", stats.Truncated,
		"duration", time.Since(start),
	)
}

func (h *ChatCompletionsHandler) eventSource(cfg *config.Config, resp *http.Response, logger *slog.Logger) translator.EventSource {
	if cfg.Stream.Decoder == config.DecoderSDK {
		return translator.NewSDKEventSourceFromResponse(resp, logger)
	}

	return translator.NewSSEEventSource(resp.Body, logger)
}

// fail reports err to the client. A cancelled request has nobody to answer.
func (h *ChatCompletionsHandler) fail(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, context.Canceled) {
		logger.Debug("Request cancelled by client")
		return
	}

	if apiErr, ok := apierr.As(err); ok {
		logger.Warn("Request failed",
			"kind", apiErr.Kind,
			"status", apiErr.Status,
			"message", apiErr.Message,
			"error", apiErr.Err,
		)
	} else {
		logger.Error("Request failed", "error", err)
	}

	apierr.Write(w, err)
}

func truncateBody(body []byte) []byte {
	if len(body) > maxErrorBodyBytes {
		return body[:maxErrorBodyBytes]
	}

	return body
}

func flushResponse(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
