package translator

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mihaisavezi/claude-openai-bridge/internal/apierr"
	"github.com/mihaisavezi/claude-openai-bridge/internal/schema"
)

// ParseChatRequest decodes a raw request body, checking the required fields
// before the typed decode so clients get a precise message.
func ParseChatRequest(body []byte) (*schema.ChatRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, apierr.MalformedRequest("request body is not valid JSON")
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, apierr.MalformedRequest("request body must be a JSON object")
	}

	if model := root.Get("model"); model.Type != gjson.String || model.Str == "" {
		return nil, apierr.MalformedRequest("'model' is required and must be a non-empty string")
	}

	messages := root.Get("messages")
	if !messages.IsArray() {
		return nil, apierr.MalformedRequest("'messages' is required and must be an array")
	}

	var req schema.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apierr.MalformedRequest("invalid request: %v", err)
	}

	return &req, nil
}

// messageDraft is a converted message whose content has not been collapsed yet.
type messageDraft struct {
	role   string
	blocks []schema.ContentBlock
}

func (d *messageDraft) onlyToolResults() bool {
	if len(d.blocks) == 0 {
		return false
	}

	for _, b := range d.blocks {
		if b.Type != schema.BlockToolResult {
			return false
		}
	}

	return true
}

// ConvertRequest turns a chat completions request into a messages request.
func (c *Converter) ConvertRequest(req *schema.ChatRequest) (*schema.MessagesRequest, error) {
	if req == nil || req.Model == "" {
		return nil, apierr.MalformedRequest("'model' is required and must be a non-empty string")
	}

	if len(req.Messages) == 0 {
		return nil, apierr.MalformedRequest("'messages' must contain at least one message")
	}

	var (
		systemParts []string
		drafts      []*messageDraft
	)

	for i, msg := range req.Messages {
		switch msg.Role {
		case schema.RoleSystem, schema.RoleDeveloper:
			if text := flattenText(msg.Content); text != "" {
				systemParts = append(systemParts, text)
			}

		case schema.RoleUser:
			drafts = append(drafts, &messageDraft{
				role:   schema.RoleUser,
				blocks: c.convertUserContent(msg.Content),
			})

		case schema.RoleAssistant:
			blocks, err := convertAssistantMessage(msg)
			if err != nil {
				return nil, err
			}

			drafts = append(drafts, &messageDraft{role: schema.RoleAssistant, blocks: blocks})

		case schema.RoleTool:
			result := schema.ToolResultBlock(msg.ToolCallID, flattenText(msg.Content))

			// consecutive tool results share one user turn
			if n := len(drafts); n > 0 && drafts[n-1].role == schema.RoleUser && drafts[n-1].onlyToolResults() {
				drafts[n-1].blocks = append(drafts[n-1].blocks, result)
				continue
			}

			drafts = append(drafts, &messageDraft{
				role:   schema.RoleUser,
				blocks: []schema.ContentBlock{result},
			})

		default:
			return nil, apierr.MalformedRequest("messages[%d]: unsupported role %q", i, msg.Role)
		}
	}

	messages := make([]schema.Message, 0, len(drafts))
	for _, d := range drafts {
		messages = append(messages, collapse(d))
	}

	if len(systemParts) > 0 && !spliceSystem(messages, strings.Join(systemParts, "\n\n")) {
		c.logger.Debug("System prompt dropped, conversation has no user message")
	}

	out := &schema.MessagesRequest{
		Model:     c.mapper.Resolve(req.Model),
		Messages:  messages,
		MaxTokens: DefaultMaxTokens,
		Stream:    req.Stream,
	}

	requested := req.MaxTokens
	if requested == nil {
		requested = req.MaxCompletionTokens
	}

	if requested != nil && *requested > 0 {
		out.MaxTokens = *requested
	}

	thinking := c.mapper.IsReasoningAlias(req.Model) && !hasToolResult(messages)
	if thinking {
		out.Thinking = &schema.ThinkingConfig{
			Type:         schema.ThinkingEnabled,
			BudgetTokens: ReasoningBudgetTokens,
		}

		switch {
		case requested == nil || *requested <= 0:
			out.MaxTokens = ReasoningMaxTokens
		case out.MaxTokens < MinReasoningMaxTokens:
			out.MaxTokens = MinReasoningMaxTokens
		}
	}

	tools, err := convertTools(req.Tools)
	if err != nil {
		return nil, err
	}

	out.Tools = tools

	if len(tools) > 0 {
		choice, err := convertToolChoice(req.ToolChoice, thinking)
		if err != nil {
			return nil, err
		}

		out.ToolChoice = choice
	}

	if len(req.Stop) > 0 {
		out.StopSequences = slices.Clone([]string(req.Stop))
	}

	if req.User != "" {
		out.Metadata = &schema.Metadata{UserID: req.User}
	}

	return out, nil
}

func (c *Converter) convertUserContent(content schema.MessageContent) []schema.ContentBlock {
	switch {
	case content.IsText() && *content.Text != "":
		return []schema.ContentBlock{schema.TextBlock(*content.Text)}
	case content.IsParts():
		blocks := make([]schema.ContentBlock, 0, len(content.Parts))

		for _, part := range content.Parts {
			switch part.Type {
			case schema.PartTypeText:
				if part.Text == "" {
					continue
				}

				blocks = append(blocks, schema.TextBlock(part.Text))
			case schema.PartTypeImageURL:
				if part.ImageURL == nil {
					c.logger.Debug("Skipping image part without url")
					continue
				}

				if block, ok := c.convertImage(part.ImageURL.URL); ok {
					blocks = append(blocks, block)
				}
			default:
				c.logger.Debug("Skipping unsupported content part", "type", part.Type)
			}
		}

		if len(blocks) == 0 {
			c.logger.Debug("User message has no usable parts")
			return []schema.ContentBlock{schema.TextBlock(EmptyContent)}
		}

		return blocks
	default:
		return []schema.ContentBlock{schema.TextBlock(EmptyContent)}
	}
}

// convertImage inlines data URLs. Remote URLs are not fetched; the client sees
// a text placeholder naming the URL instead.
func (c *Converter) convertImage(url string) (schema.ContentBlock, bool) {
	rest, isData := strings.CutPrefix(url, "data:")
	if !isData {
		return schema.TextBlock("[Image: " + url + "]"), true
	}

	mediaType, data, ok := strings.Cut(rest, ";base64,")
	if !ok || mediaType == "" || data == "" {
		c.logger.Debug("Skipping malformed data URL image", "prefix", truncate(url, 48))
		return schema.ContentBlock{}, false
	}

	return schema.ImageBlock(mediaType, data), true
}

func convertAssistantMessage(msg schema.ChatMessage) ([]schema.ContentBlock, error) {
	var blocks []schema.ContentBlock

	switch text := flattenText(msg.Content); {
	case text != "":
		blocks = append(blocks, schema.TextBlock(text))
	case len(msg.ToolCalls) == 0:
		blocks = append(blocks, schema.TextBlock(EmptyContent))
	}

	for _, call := range msg.ToolCalls {
		args := strings.TrimSpace(call.Function.Arguments)
		if args == "" {
			args = "{}"
		}

		var compact bytes.Buffer
		if err := json.Compact(&compact, []byte(args)); err != nil {
			return nil, apierr.MalformedRequest("tool call %q has invalid arguments JSON: %v", call.ID, err)
		}

		blocks = append(blocks, schema.ToolUseBlock(call.ID, call.Function.Name, compact.Bytes()))
	}

	return blocks, nil
}

func collapse(d *messageDraft) schema.Message {
	if len(d.blocks) == 1 && d.blocks[0].Type == schema.BlockText {
		return schema.Message{Role: d.role, Content: schema.TextBlockContent(d.blocks[0].Text)}
	}

	return schema.Message{Role: d.role, Content: schema.BlocksContent(d.blocks...)}
}

// spliceSystem places system text in front of the first user message and
// reports whether one existed.
func spliceSystem(messages []schema.Message, system string) bool {
	preface := "[" + system + "]\n\n"

	for i := range messages {
		if messages[i].Role != schema.RoleUser {
			continue
		}

		content := messages[i].Content
		if content.IsText() {
			messages[i].Content = schema.TextBlockContent(preface + *content.Text)
		} else {
			blocks := append([]schema.ContentBlock{schema.TextBlock(preface)}, content.Blocks...)
			messages[i].Content = schema.BlocksContent(blocks...)
		}

		return true
	}

	return false
}

func hasToolResult(messages []schema.Message) bool {
	for _, m := range messages {
		for _, b := range m.Content.Blocks {
			if b.Type == schema.BlockToolResult {
				return true
			}
		}
	}

	return false
}

func flattenText(content schema.MessageContent) string {
	if content.IsText() {
		return *content.Text
	}

	var sb strings.Builder

	for _, part := range content.Parts {
		if part.Type == schema.PartTypeText {
			sb.WriteString(part.Text)
		}
	}

	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
