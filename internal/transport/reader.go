package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// StreamReader wraps an upstream body so a pending Read returns as soon as
// ctx ends or the upstream stalls for longer than the idle timeout. Closing
// the body is what unblocks the read.
type StreamReader struct {
	body         io.ReadCloser
	ctx          context.Context
	logger       *slog.Logger
	idleTimeout  time.Duration
	lastActivity atomic.Int64
	closed       atomic.Bool
	closeOnce    sync.Once
	stopOnce     sync.Once
	closeErr     error
	stop         chan struct{}
	watchers     sync.WaitGroup
}

// NewStreamReader starts watching ctx. An idleTimeout of zero disables the
// stall check. Close must be called to stop the watchers.
func NewStreamReader(ctx context.Context, body io.ReadCloser, idleTimeout time.Duration, logger *slog.Logger) *StreamReader {
	if logger == nil {
		logger = slog.Default()
	}

	sr := &StreamReader{
		body:        body,
		ctx:         ctx,
		logger:      logger,
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
	}
	sr.touch()

	sr.watchers.Add(1)
	go sr.watchContext()

	if idleTimeout > 0 {
		sr.watchers.Add(1)
		go sr.watchIdle()
	}

	return sr
}

func (sr *StreamReader) touch() {
	sr.lastActivity.Store(time.Now().UnixNano())
}

func (sr *StreamReader) watchContext() {
	defer sr.watchers.Done()

	select {
	case <-sr.ctx.Done():
		sr.closeBody("context done")
	case <-sr.stop:
	}
}

func (sr *StreamReader) watchIdle() {
	defer sr.watchers.Done()

	interval := sr.idleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	if interval > 30*time.Second {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sr.stop:
			return
		case <-sr.ctx.Done():
			return
		case <-ticker.C:
			if sr.closed.Load() {
				return
			}

			idle := time.Since(time.Unix(0, sr.lastActivity.Load()))
			if idle > sr.idleTimeout {
				sr.logger.Warn("Upstream stream stalled, closing", "idle", idle.Round(time.Millisecond), "limit", sr.idleTimeout)
				sr.closeBody("idle timeout")

				return
			}
		}
	}
}

func (sr *StreamReader) Read(p []byte) (int, error) {
	if sr.closed.Load() {
		if err := sr.ctx.Err(); err != nil {
			return 0, err
		}

		return 0, io.EOF
	}

	n, err := sr.body.Read(p)
	if n > 0 {
		sr.touch()
	}

	if err != nil && sr.closed.Load() && sr.ctx.Err() != nil {
		return n, sr.ctx.Err()
	}

	return n, err
}

func (sr *StreamReader) closeBody(reason string) {
	sr.closeOnce.Do(func() {
		sr.closed.Store(true)
		sr.closeErr = sr.body.Close()
		sr.logger.Debug("Upstream stream closed", "reason", reason)
	})
}

// Close releases the body and waits for the watchers to exit. Safe to call
// more than once.
func (sr *StreamReader) Close() error {
	sr.closeBody("explicit close")
	sr.stopOnce.Do(func() { close(sr.stop) })
	sr.watchers.Wait()

	return sr.closeErr
}
