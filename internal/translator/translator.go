// Package translator converts chat completions traffic to the messages API and back.
//
// A Converter is the single entry point used by the HTTP layer:
//
//	ConvertRequest   chat completions request  -> messages request
//	ConvertResponse  messages response         -> chat completion
//	ConvertStream    messages event stream     -> chat completion chunks
//
// Conversions are pure apart from logging; the converter holds no per-request state.
package translator

import (
	"log/slog"

	"github.com/mihaisavezi/claude-openai-bridge/internal/schema"
)

const (
	DefaultMaxTokens      = 4096
	ReasoningMaxTokens    = 16384
	MinReasoningMaxTokens = 8192
	ReasoningBudgetTokens = 4096
)

// Delimiters wrapped around reasoning text in client-visible content.
const (
	ReasoningOpen  = "<thinking>\n"
	ReasoningClose = "\n</thinking>\n\n"
)

// EmptyContent stands in for a turn that would otherwise reach the messages
// API with no content, which it rejects.
const EmptyContent = "[empty]"

// ModelMapper resolves client aliases. Implemented by modelmap.Mapper.
type ModelMapper interface {
	Resolve(alias string) string
	IsReasoningAlias(alias string) bool
}

type Converter struct {
	mapper ModelMapper
	logger *slog.Logger
}

func NewConverter(mapper ModelMapper, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Converter{
		mapper: mapper,
		logger: logger,
	}
}

var stopReasons = map[string]string{
	schema.StopEndTurn:   schema.FinishStop,
	schema.StopToolUse:   schema.FinishToolCalls,
	schema.StopMaxTokens: schema.FinishLength,
}

// MapStopReason translates an upstream stop reason into a finish reason.
// Anything outside the table, including nil, maps to nil.
func MapStopReason(reason *string) *string {
	if reason == nil {
		return nil
	}

	if finish, ok := stopReasons[*reason]; ok {
		return &finish
	}

	return nil
}
