package translator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/tidwall/gjson"

	"github.com/mihaisavezi/claude-openai-bridge/internal/apierr"
	"github.com/mihaisavezi/claude-openai-bridge/internal/schema"
)

// SDKEventSource reads events with the anthropic-sdk-go SSE decoder. The
// SDK's typed Stream gives up at the first event it cannot decode, so the
// raw decoder is driven here and bad events are skipped one at a time.
// Pings are dropped.
type SDKEventSource struct {
	decoder ssestream.Decoder
	logger  *slog.Logger
	current schema.StreamEvent
	skipped int
}

func NewSDKEventSource(decoder ssestream.Decoder, logger *slog.Logger) *SDKEventSource {
	if logger == nil {
		logger = slog.Default()
	}

	return &SDKEventSource{
		decoder: decoder,
		logger:  logger,
	}
}

// NewSDKEventSourceFromResponse decodes resp's body with the SDK's event stream decoder.
func NewSDKEventSourceFromResponse(resp *http.Response, logger *slog.Logger) *SDKEventSource {
	return NewSDKEventSource(ssestream.NewDecoder(resp), logger)
}

func (s *SDKEventSource) Next() bool {
	if s.decoder == nil {
		return false
	}

	for s.decoder.Next() {
		event := s.decoder.Event()
		if len(event.Data) == 0 {
			continue
		}

		if !gjson.ValidBytes(event.Data) {
			s.skip(event.Data, errInvalidEventJSON)
			continue
		}

		var ev schema.StreamEvent
		if err := json.Unmarshal(event.Data, &ev); err != nil {
			s.skip(event.Data, err)
			continue
		}

		if ev.Type == "" {
			ev.Type = event.Type
		}

		switch ev.Type {
		case "":
			s.skip(event.Data, errors.New("event has no type"))
			continue
		case schema.EventPing:
			continue
		}

		s.current = ev

		return true
	}

	return false
}

func (s *SDKEventSource) skip(payload []byte, err error) {
	s.skipped++
	s.logger.Warn("Skipping undecodable stream event", "error", apierr.StreamDecode(truncate(string(payload), 200), err))
}

func (s *SDKEventSource) Current() schema.StreamEvent { return s.current }

func (s *SDKEventSource) Err() error {
	if s.decoder == nil {
		return nil
	}

	return s.decoder.Err()
}

// Skipped reports how many events were dropped as undecodable.
func (s *SDKEventSource) Skipped() int { return s.skipped }

func (s *SDKEventSource) Close() error {
	if s.decoder == nil {
		return nil
	}

	return s.decoder.Close()
}
