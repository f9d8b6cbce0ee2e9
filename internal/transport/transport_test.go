package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mihaisavezi/claude-openai-bridge/internal/apierr"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: time.Millisecond}
}

// statusSequence answers with the given statuses in order, repeating the last.
func statusSequence(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32, *[][]byte) {
	t.Helper()

	var (
		hits   atomic.Int32
		mu     sync.Mutex
		bodies [][]byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}

		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()

		assert.Equal(t, AnthropicVersion, r.Header.Get("Anthropic-Version"))
		assert.Equal(t, "sk-test", r.Header.Get("X-Api-Key"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statuses[n])
		_, _ = io.WriteString(w, `{"attempt":`+strconv.Itoa(n+1)+`}`)
	}))
	t.Cleanup(srv.Close)

	return srv, &hits, &bodies
}

func TestMessagesURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://api.anthropic.com", "https://api.anthropic.com/v1/messages"},
		{"https://api.anthropic.com/", "https://api.anthropic.com/v1/messages"},
		{"https://gw.example.com/v1/messages", "https://gw.example.com/v1/messages"},
		{"https://gw.example.com/v1/messages/", "https://gw.example.com/v1/messages"},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			assert.Equal(t, tt.want, MessagesURL(tt.base))
		})
	}
}

func TestSend_RetriesTransientStatus(t *testing.T) {
	srv, hits, bodies := statusSequence(t, http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK)

	var retried []int
	client := NewClient(srv.Client(), fastPolicy(), quietLogger())
	client.OnRetry = func(_, status int) { retried = append(retried, status) }

	payload := []byte(`{"model":"claude"}`)
	resp, err := client.Send(context.Background(), NewMessagesRequest(srv.URL, "sk-test", payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"attempt":3}`, string(body))
	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, []int{503, 503}, retried)

	for _, b := range *bodies {
		assert.Equal(t, payload, b, "every attempt replays the full body")
	}
}

func TestSend_ReturnsLastTransientResponse(t *testing.T) {
	srv, hits, _ := statusSequence(t, 529)

	client := NewClient(srv.Client(), fastPolicy(), quietLogger())
	resp, err := client.Send(context.Background(), NewMessagesRequest(srv.URL, "sk-test", []byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 529, resp.StatusCode)
	assert.JSONEq(t, `{"attempt":3}`, string(body))
	assert.EqualValues(t, 3, hits.Load())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type trackedBody struct {
	io.Reader
	closed atomic.Bool
}

func (b *trackedBody) Close() error {
	b.closed.Store(true)
	return nil
}

// scriptedClient answers attempt n with steps[n]; a zero status means a
// connection failure.
func scriptedClient(steps ...int) (*http.Client, *[]*trackedBody) {
	var (
		mu     sync.Mutex
		n      int
		bodies []*trackedBody
	)

	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()

		status := steps[min(n, len(steps)-1)]
		n++

		if status == 0 {
			return nil, errors.New("connection refused")
		}

		body := &trackedBody{Reader: strings.NewReader(`{"attempt":` + strconv.Itoa(n) + `}`)}
		bodies = append(bodies, body)

		return &http.Response{StatusCode: status, Header: http.Header{}, Body: body}, nil
	})}

	return client, &bodies
}

func TestSend_ClosesSupersededResponses(t *testing.T) {
	httpClient, bodies := scriptedClient(529, 503, 529)

	client := NewClient(httpClient, fastPolicy(), quietLogger())
	resp, err := client.Send(context.Background(), NewMessagesRequest("http://upstream.test", "sk-test", []byte(`{}`)))
	require.NoError(t, err)

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 529, resp.StatusCode)
	assert.JSONEq(t, `{"attempt":3}`, string(body))

	require.Len(t, *bodies, 3)
	assert.True(t, (*bodies)[0].closed.Load())
	assert.True(t, (*bodies)[1].closed.Load())
	assert.False(t, (*bodies)[2].closed.Load(), "the returned body belongs to the caller")
}

func TestSend_KeepsTransientResponseWhenLastAttemptFailsToConnect(t *testing.T) {
	httpClient, bodies := scriptedClient(503, 0, 0)

	client := NewClient(httpClient, fastPolicy(), quietLogger())
	resp, err := client.Send(context.Background(), NewMessagesRequest("http://upstream.test", "sk-test", []byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Len(t, *bodies, 1)
	assert.False(t, (*bodies)[0].closed.Load())
}

func TestSend_ClientErrorsAreNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusTooManyRequests, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv, hits, _ := statusSequence(t, status)

			client := NewClient(srv.Client(), fastPolicy(), quietLogger())
			resp, err := client.Send(context.Background(), NewMessagesRequest(srv.URL, "sk-test", []byte(`{}`)))
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, status, resp.StatusCode)
			assert.EqualValues(t, 1, hits.Load())
		})
	}
}

func TestSend_ConnectionErrorBecomesTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var retries atomic.Int32
	client := NewClient(nil, fastPolicy(), quietLogger())
	client.OnRetry = func(_, status int) {
		assert.Zero(t, status)
		retries.Add(1)
	}

	_, err := client.Send(context.Background(), NewMessagesRequest(url, "sk-test", []byte(`{}`)))
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindTransport))
	assert.EqualValues(t, 2, retries.Load())

	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, e.Status)
}

func TestSend_StopsOnCancel(t *testing.T) {
	srv, _, _ := statusSequence(t, http.StatusServiceUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(srv.Client(), RetryPolicy{Attempts: 5, Delay: time.Hour}, quietLogger())
	client.OnRetry = func(int, int) { cancel() }

	done := make(chan error, 1)
	go func() {
		_, err := client.Send(ctx, NewMessagesRequest(srv.URL, "sk-test", []byte(`{}`)))
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return after cancellation")
	}
}

func TestDo_SingleAttempt(t *testing.T) {
	srv, hits, _ := statusSequence(t, http.StatusServiceUnavailable)

	client := NewClient(srv.Client(), fastPolicy(), quietLogger())
	resp, err := client.Do(context.Background(), NewMessagesRequest(srv.URL, "sk-test", []byte(`{}`)))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.EqualValues(t, 1, hits.Load())
}

func TestNewHTTPClient(t *testing.T) {
	_, err := NewHTTPClient(ClientConfig{ProxyURL: "http://proxy.local:3128"})
	assert.NoError(t, err)

	_, err = NewHTTPClient(ClientConfig{ProxyURL: "://bad"})
	assert.Error(t, err)
}

type blockingBody struct {
	closed chan struct{}
	once   sync.Once
}

func newBlockingBody() *blockingBody {
	return &blockingBody{closed: make(chan struct{})}
}

func (b *blockingBody) Read([]byte) (int, error) {
	<-b.closed
	return 0, io.ErrClosedPipe
}

func (b *blockingBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestStreamReader_CancelUnblocksRead(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	sr := NewStreamReader(ctx, newBlockingBody(), 0, quietLogger())

	errCh := make(chan error, 1)
	go func() {
		_, err := sr.Read(make([]byte, 16))
		errCh <- err
	}()

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("read stayed blocked after cancel")
	}

	require.NoError(t, sr.Close())
}

func TestStreamReader_IdleTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sr := NewStreamReader(context.Background(), newBlockingBody(), 30*time.Millisecond, quietLogger())
	defer sr.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := sr.Read(make([]byte, 16))
		errCh <- err
	}()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stalled read was never closed")
	}
}

func TestStreamReader_PassesDataThrough(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sr := NewStreamReader(context.Background(), io.NopCloser(bytes.NewBufferString("data: hello\n\n")), time.Second, quietLogger())

	got, err := io.ReadAll(sr)
	require.NoError(t, err)
	assert.Equal(t, "data: hello\n\n", string(got))

	require.NoError(t, sr.Close())
	require.NoError(t, sr.Close())

	n, err := sr.Read(make([]byte, 4))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecompressBody(t *testing.T) {
	const payload = `{"id":"msg_1","content":[{"type":"text","text":"hi"}]}`

	encode := map[string]func(*testing.T) []byte{
		"gzip": func(t *testing.T) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			_, err := w.Write([]byte(payload))
			require.NoError(t, err)
			require.NoError(t, w.Close())

			return buf.Bytes()
		},
		"br": func(t *testing.T) []byte {
			var buf bytes.Buffer
			w := brotli.NewWriter(&buf)
			_, err := w.Write([]byte(payload))
			require.NoError(t, err)
			require.NoError(t, w.Close())

			return buf.Bytes()
		},
		"zstd": func(t *testing.T) []byte {
			enc, err := zstd.NewWriter(nil)
			require.NoError(t, err)
			defer enc.Close()

			return enc.EncodeAll([]byte(payload), nil)
		},
		"": func(*testing.T) []byte { return []byte(payload) },
	}

	for encoding, fn := range encode {
		t.Run("encoding="+encoding, func(t *testing.T) {
			resp := &http.Response{
				Header: http.Header{},
				Body:   io.NopCloser(bytes.NewReader(fn(t))),
			}
			if encoding != "" {
				resp.Header.Set("Content-Encoding", encoding)
			}

			require.NoError(t, DecompressBody(resp))
			defer resp.Body.Close()

			got, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, payload, string(got))
			assert.Empty(t, resp.Header.Get("Content-Encoding"))
		})
	}
}

func TestDecompressBody_Unsupported(t *testing.T) {
	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"compress"}},
		Body:   io.NopCloser(bytes.NewReader(nil)),
	}

	assert.Error(t, DecompressBody(resp))
}
