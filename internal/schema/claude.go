package schema

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Content block types on the messages surface.
const (
	BlockText             = "text"
	BlockImage            = "image"
	BlockToolUse          = "tool_use"
	BlockToolResult       = "tool_result"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
)

// Stop reasons reported by the messages API.
const (
	StopEndTurn      = "end_turn"
	StopToolUse      = "tool_use"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopPauseTurn    = "pause_turn"
	StopRefusal      = "refusal"
)

// Stream event types.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Delta types carried by content_block_delta events.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaSignature = "signature_delta"
)

const (
	ThinkingEnabled   = "enabled"
	ImageSourceBase64 = "base64"

	ToolChoiceAuto = "auto"
	ToolChoiceAny  = "any"
	ToolChoiceTool = "tool"
	ToolChoiceNone = "none"
)

// MessagesRequest is the outbound request. There is deliberately no system field:
// system text travels inside the first user message.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Stream        bool            `json:"stream"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	Tools         []ClaudeTool    `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
}

type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type ClaudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

type Message struct {
	Role    string       `json:"role"`
	Content BlockContent `json:"content"`
}

// BlockContent is either plain text or an ordered block sequence.
type BlockContent struct {
	Text   *string
	Blocks []ContentBlock
}

func TextBlockContent(text string) BlockContent {
	return BlockContent{Text: &text}
}

func BlocksContent(blocks ...ContentBlock) BlockContent {
	if blocks == nil {
		blocks = []ContentBlock{}
	}

	return BlockContent{Blocks: blocks}
}

func (c BlockContent) IsText() bool { return c.Text != nil }

func (c *BlockContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}

		*c = TextBlockContent(text)

		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(trimmed, &blocks); err != nil {
		return err
	}

	*c = BlocksContent(blocks...)

	return nil
}

func (c BlockContent) MarshalJSON() ([]byte, error) {
	if c.Text != nil {
		return json.Marshal(*c.Text)
	}

	if c.Blocks == nil {
		return []byte("[]"), nil
	}

	return json.Marshal(c.Blocks)
}

// ContentBlock is a tagged union over Type. Only the fields belonging to the
// active variant are written on the wire.
type ContentBlock struct {
	Type string

	// text
	Text string

	// image
	Source *ImageSource

	// tool_use
	ID    string
	Name  string
	Input json.RawMessage

	// tool_result
	ToolUseID string
	Content   string
	IsError   bool

	// thinking, redacted_thinking
	Thinking  string
	Signature string
	Data      string
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{
		Type:   BlockImage,
		Source: &ImageSource{Type: ImageSourceBase64, MediaType: mediaType, Data: data},
	}
}

func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

func ToolResultBlock(toolUseID, content string) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content}
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case BlockText:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{b.Type, b.Text})
	case BlockImage:
		return json.Marshal(struct {
			Type   string       `json:"type"`
			Source *ImageSource `json:"source"`
		}{b.Type, b.Source})
	case BlockToolUse:
		input := b.Input
		if len(bytes.TrimSpace(input)) == 0 {
			input = json.RawMessage("{}")
		}

		return json.Marshal(struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	case BlockToolResult:
		return json.Marshal(struct {
			Type      string `json:"type"`
			ToolUseID string `json:"tool_use_id"`
			Content   string `json:"content"`
			IsError   bool   `json:"is_error,omitempty"`
		}{b.Type, b.ToolUseID, b.Content, b.IsError})
	case BlockThinking:
		return json.Marshal(struct {
			Type      string `json:"type"`
			Thinking  string `json:"thinking"`
			Signature string `json:"signature,omitempty"`
		}{b.Type, b.Thinking, b.Signature})
	case BlockRedactedThinking:
		return json.Marshal(struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}{b.Type, b.Data})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{b.Type})
	}
}

type contentBlockWire struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Source    *ImageSource    `json:"source"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
	Thinking  string          `json:"thinking"`
	Signature string          `json:"signature"`
	Data      string          `json:"data"`
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var wire contentBlockWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*b = ContentBlock{
		Type:      wire.Type,
		Text:      wire.Text,
		Source:    wire.Source,
		ID:        wire.ID,
		Name:      wire.Name,
		Input:     wire.Input,
		ToolUseID: wire.ToolUseID,
		IsError:   wire.IsError,
		Thinking:  wire.Thinking,
		Signature: wire.Signature,
		Data:      wire.Data,
	}

	if len(wire.Content) > 0 {
		var text string
		if err := json.Unmarshal(wire.Content, &text); err == nil {
			b.Content = text
			return nil
		}

		// tool_result content may also be a list of text blocks
		var nested []contentBlockWire
		if err := json.Unmarshal(wire.Content, &nested); err != nil {
			return err
		}

		var sb strings.Builder
		for _, n := range nested {
			sb.WriteString(n.Text)
		}

		b.Content = sb.String()
	}

	return nil
}

// MessagesResponse is a complete, non-streamed response.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        *ClaudeUsage   `json:"usage,omitempty"`
}

type ClaudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// StreamEvent is a tagged union over Type. Message is set for message_start,
// ContentBlock for content_block_start, Delta for both delta events and Error
// for error events.
type StreamEvent struct {
	Type         string            `json:"type"`
	Message      *MessagesResponse `json:"message,omitempty"`
	Index        int               `json:"index"`
	ContentBlock *ContentBlock     `json:"content_block,omitempty"`
	Delta        *EventDelta       `json:"delta,omitempty"`
	Usage        *ClaudeUsage      `json:"usage,omitempty"`
	Error        *ErrorDetail      `json:"error,omitempty"`
}

type EventDelta struct {
	Type         string  `json:"type,omitempty"`
	Text         string  `json:"text,omitempty"`
	Thinking     string  `json:"thinking,omitempty"`
	PartialJSON  string  `json:"partial_json,omitempty"`
	Signature    string  `json:"signature,omitempty"`
	StopReason   *string `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClaudeError is the error envelope returned by the messages API.
type ClaudeError struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}
