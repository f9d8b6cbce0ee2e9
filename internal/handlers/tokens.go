package handlers

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/mihaisavezi/claude-openai-bridge/internal/schema"
)

// TokenCounter estimates the token count of text. The estimate only feeds
// request logs.
type TokenCounter func(text string) int

// NewTiktokenCounter counts with cl100k_base. The encoding is loaded on
// first use; if it cannot be loaded every count is 0.
func NewTiktokenCounter(logger *slog.Logger) TokenCounter {
	load := sync.OnceValues(func() (*tiktoken.Tiktoken, error) {
		return tiktoken.GetEncoding("cl100k_base")
	})

	var warnOnce sync.Once

	return func(text string) int {
		tke, err := load()
		if err != nil {
			warnOnce.Do(func() {
				logger.Warn("Failed to get tiktoken encoding, token estimates disabled", "error", err)
			})

			return 0
		}

		return len(tke.Encode(text, nil, nil))
	}
}

// promptText gathers the text a request sends upstream, tool schemas included.
func promptText(req *schema.ChatRequest) string {
	var b strings.Builder

	for _, msg := range req.Messages {
		if msg.Content.IsText() {
			b.WriteString(*msg.Content.Text)
			b.WriteByte('\n')
		}

		for _, part := range msg.Content.Parts {
			if part.Type == schema.PartTypeText {
				b.WriteString(part.Text)
				b.WriteByte('\n')
			}
		}

		for _, call := range msg.ToolCalls {
			b.WriteString(call.Function.Arguments)
			b.WriteByte('\n')
		}
	}

	for _, tool := range req.Tools {
		b.WriteString(tool.Function.Name)
		b.WriteByte(' ')
		b.WriteString(tool.Function.Description)
		b.Write(tool.Function.Parameters)
		b.WriteByte('\n')
	}

	return b.String()
}
