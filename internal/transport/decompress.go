package transport

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// AcceptEncoding is advertised on non-streaming upstream calls.
const AcceptEncoding = "gzip, br, zstd"

type decodedBody struct {
	io.Reader
	closers []func() error
}

func (d *decodedBody) Close() error {
	var first error

	for _, c := range d.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}

	return first
}

// DecompressBody replaces resp.Body with a decoding reader for the response's
// Content-Encoding and drops the encoding headers. Closing the new body also
// closes the original.
func DecompressBody(resp *http.Response) error {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if encoding == "" || encoding == "identity" {
		return nil
	}

	original := resp.Body
	body := &decodedBody{closers: []func() error{original.Close}}

	switch encoding {
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(original)
		if err != nil {
			return fmt.Errorf("open gzip body: %w", err)
		}

		body.Reader = gz
		body.closers = append([]func() error{gz.Close}, body.closers...)
	case "br":
		body.Reader = brotli.NewReader(original)
	case "zstd":
		zr, err := zstd.NewReader(original)
		if err != nil {
			return fmt.Errorf("open zstd body: %w", err)
		}

		body.Reader = zr
		body.closers = append([]func() error{func() error { zr.Close(); return nil }}, body.closers...)
	default:
		return fmt.Errorf("unsupported content encoding %q", encoding)
	}

	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true

	return nil
}
