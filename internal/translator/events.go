package translator

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mihaisavezi/claude-openai-bridge/internal/apierr"
	"github.com/mihaisavezi/claude-openai-bridge/internal/schema"
)

// EventSource is a pull iterator over upstream stream events. Next blocks
// until an event is available and returns false at the end of the stream or
// on a read error, which Err then reports.
type EventSource interface {
	Next() bool
	Current() schema.StreamEvent
	Err() error
	Close() error
}

var errInvalidEventJSON = errors.New("event data is not valid JSON")

// SSEEventSource decodes a server-sent event stream line by line. Events are
// dispatched on blank lines; a line split across network reads is joined by
// the buffered reader before it is parsed.
type SSEEventSource struct {
	reader  *bufio.Reader
	closer  io.Closer
	logger  *slog.Logger
	current schema.StreamEvent
	err     error
	done    bool
	skipped int
}

func NewSSEEventSource(r io.Reader, logger *slog.Logger) *SSEEventSource {
	if logger == nil {
		logger = slog.Default()
	}

	src := &SSEEventSource{
		reader: bufio.NewReaderSize(r, 64*1024),
		logger: logger,
	}

	if closer, ok := r.(io.Closer); ok {
		src.closer = closer
	}

	return src
}

func (s *SSEEventSource) Next() bool {
	if s.done {
		return false
	}

	var (
		eventName string
		data      strings.Builder
		hasData   bool
	)

	for {
		line, err := s.reader.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")

			switch {
			case line == "":
				if hasData {
					if s.dispatch(eventName, data.String()) {
						return true
					}
				}

				eventName, hasData = "", false
				data.Reset()
			case strings.HasPrefix(line, ":"):
				// comment / keep-alive
			default:
				field, value, _ := strings.Cut(line, ":")
				value = strings.TrimPrefix(value, " ")

				switch field {
				case "event":
					eventName = value
				case "data":
					if hasData {
						data.WriteByte('\n')
					}

					data.WriteString(value)
					hasData = true
				}
			}
		}

		if err != nil {
			s.done = true

			if !errors.Is(err, io.EOF) {
				s.err = err
				return false
			}

			// a final event may arrive without its trailing blank line
			return hasData && s.dispatch(eventName, data.String())
		}
	}
}

func (s *SSEEventSource) dispatch(eventName, payload string) bool {
	if payload == "[DONE]" {
		return false
	}

	if !gjson.Valid(payload) {
		s.skip(payload, errInvalidEventJSON)
		return false
	}

	var ev schema.StreamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.skip(payload, err)
		return false
	}

	if ev.Type == "" {
		ev.Type = eventName
	}

	if ev.Type == "" {
		s.skip(payload, errors.New("event has no type"))
		return false
	}

	s.current = ev

	return true
}

func (s *SSEEventSource) skip(payload string, err error) {
	s.skipped++
	s.logger.Warn("Skipping undecodable stream event", "error", apierr.StreamDecode(truncate(payload, 200), err))
}

func (s *SSEEventSource) Current() schema.StreamEvent { return s.current }
func (s *SSEEventSource) Err() error                  { return s.err }

// Skipped reports how many events were dropped as undecodable.
func (s *SSEEventSource) Skipped() int { return s.skipped }

func (s *SSEEventSource) Close() error {
	s.done = true

	if s.closer != nil {
		return s.closer.Close()
	}

	return nil
}
