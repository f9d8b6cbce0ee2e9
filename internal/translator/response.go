package translator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mihaisavezi/claude-openai-bridge/internal/apierr"
	"github.com/mihaisavezi/claude-openai-bridge/internal/schema"
)

// ConvertResponse decodes a messages response body and converts it.
func (c *Converter) ConvertResponse(body []byte) (*schema.ChatCompletion, error) {
	var resp schema.MessagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &apierr.Error{
			Kind:    apierr.KindUpstream,
			Status:  http.StatusBadGateway,
			Message: "upstream returned an undecodable response",
			Err:     err,
		}
	}

	return ConvertMessagesResponse(&resp), nil
}

// ConvertMessagesResponse builds a chat completion from a decoded messages response.
func ConvertMessagesResponse(resp *schema.MessagesResponse) *schema.ChatCompletion {
	var (
		text      strings.Builder
		reasoning strings.Builder
		toolCalls []schema.ToolCall
	)

	for _, block := range resp.Content {
		switch block.Type {
		case schema.BlockText:
			text.WriteString(block.Text)
		case schema.BlockThinking:
			reasoning.WriteString(block.Thinking)
		case schema.BlockToolUse:
			args := "{}"

			var compact bytes.Buffer
			if err := json.Compact(&compact, block.Input); err == nil && compact.Len() > 0 {
				args = compact.String()
			}

			toolCalls = append(toolCalls, schema.ToolCall{
				ID:   block.ID,
				Type: schema.ToolTypeFunction,
				Function: schema.FunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}

	content := text.String()
	if reasoning.Len() > 0 {
		content = ReasoningOpen + reasoning.String() + ReasoningClose + content
	}

	message := schema.ResponseMessage{
		Role:      schema.RoleAssistant,
		ToolCalls: toolCalls,
	}

	if content != "" || len(toolCalls) == 0 {
		message.Content = &content
	}

	completion := &schema.ChatCompletion{
		ID:      resp.ID,
		Object:  schema.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []schema.Choice{{
			Index:        0,
			Message:      message,
			FinishReason: MapStopReason(resp.StopReason),
		}},
	}

	if resp.Usage != nil {
		completion.Usage = &schema.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}

	return completion
}
