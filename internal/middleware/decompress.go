package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/mihaisavezi/claude-openai-bridge/internal/apierr"
)

// NewDecompressMiddleware inflates gzip and zstd request bodies so handlers
// always see plain JSON.
func NewDecompressMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))

			var body io.ReadCloser

			switch encoding {
			case "", "identity":
				next.ServeHTTP(w, r)
				return
			case "gzip", "x-gzip":
				gz, err := gzip.NewReader(r.Body)
				if err != nil {
					logger.Debug("Bad gzip request body", "error", err)
					apierr.Write(w, apierr.MalformedRequest("request body is not valid gzip"))

					return
				}

				body = gz
			case "zstd":
				zr, err := zstd.NewReader(r.Body)
				if err != nil {
					apierr.Write(w, apierr.MalformedRequest("request body is not valid zstd"))
					return
				}

				body = zr.IOReadCloser()
			default:
				apierr.Write(w, apierr.MalformedRequest("unsupported Content-Encoding %q", encoding))
				return
			}

			defer body.Close()

			r.Body = body
			r.Header.Del("Content-Encoding")
			r.Header.Del("Content-Length")
			r.ContentLength = -1

			next.ServeHTTP(w, r)
		})
	}
}
