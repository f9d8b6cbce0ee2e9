// Package transport talks to the messages API: pooled HTTP/2 client, a
// fixed-delay retry policy for gateway failures, context-aware stream bodies
// and response decompression.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/mihaisavezi/claude-openai-bridge/internal/apierr"
)

const (
	AnthropicVersion = "2023-06-01"
	MessagesPath     = "/v1/messages"
)

// ClientConfig tunes the pooled upstream client.
type ClientConfig struct {
	// ResponseHeaderTimeout bounds the wait for upstream headers. Zero disables it.
	ResponseHeaderTimeout time.Duration
	// ProxyURL routes upstream traffic through an HTTP(S) proxy when set.
	ProxyURL string
}

var transportSettings = struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	DialTimeout         time.Duration
	KeepAlive           time.Duration
	H2ReadIdleTimeout   time.Duration
	H2PingTimeout       time.Duration
}{
	MaxIdleConns:        200,
	MaxIdleConnsPerHost: 50,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
	DialTimeout:         30 * time.Second,
	KeepAlive:           30 * time.Second,
	H2ReadIdleTimeout:   30 * time.Second,
	H2PingTimeout:       15 * time.Second,
}

// NewHTTPClient builds the upstream client. There is no overall client
// timeout; streamed responses can legitimately run for minutes.
func NewHTTPClient(cfg ClientConfig) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   transportSettings.DialTimeout,
		KeepAlive: transportSettings.KeepAlive,
	}

	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          transportSettings.MaxIdleConns,
		MaxIdleConnsPerHost:   transportSettings.MaxIdleConnsPerHost,
		IdleConnTimeout:       transportSettings.IdleConnTimeout,
		TLSHandshakeTimeout:   transportSettings.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}

		t.Proxy = http.ProxyURL(proxyURL)
	}

	h2, err := http2.ConfigureTransports(t)
	if err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}

	h2.ReadIdleTimeout = transportSettings.H2ReadIdleTimeout
	h2.PingTimeout = transportSettings.H2PingTimeout

	return &http.Client{Transport: t}, nil
}

// Request is an upstream call whose body can be replayed on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NewMessagesRequest prepares a POST to the messages endpoint of baseURL.
func NewMessagesRequest(baseURL, apiKey string, body []byte) *Request {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Anthropic-Version", AnthropicVersion)

	if apiKey != "" {
		header.Set("X-Api-Key", apiKey)
	}

	return &Request{
		Method: http.MethodPost,
		URL:    MessagesURL(baseURL),
		Header: header,
		Body:   body,
	}
}

// MessagesURL appends the messages path unless baseURL already ends with it.
func MessagesURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(base, MessagesPath) {
		return base
	}

	return base + MessagesPath
}

func (r *Request) build(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}

	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}

	return req, nil
}

// Client sends requests upstream.
type Client struct {
	http   *http.Client
	policy RetryPolicy
	logger *slog.Logger
	// OnRetry is called before each retry with the attempt that failed and
	// its status, or 0 for a connection error.
	OnRetry func(attempt, status int)
}

func NewClient(httpClient *http.Client, policy RetryPolicy, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		http:   httpClient,
		policy: policy.withDefaults(),
		logger: logger,
	}
}

// Do performs a single attempt. It is used for streaming calls, which are
// never retried.
func (c *Client) Do(ctx context.Context, r *Request) (*http.Response, error) {
	req, err := r.build(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, apierr.Transport(err)
	}

	return resp, nil
}
