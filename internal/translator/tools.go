package translator

import (
	"bytes"
	"encoding/json"
	"slices"

	"github.com/tidwall/gjson"

	"github.com/mihaisavezi/claude-openai-bridge/internal/apierr"
	"github.com/mihaisavezi/claude-openai-bridge/internal/schema"
)

// Schema keywords the messages API rejects in tool input schemas.
var unsupportedSchemaKeys = []string{"format", "$schema"}

// Keys whose value is a map from names to subschemas.
var schemaMapKeys = []string{"properties", "patternProperties", "$defs", "definitions"}

// Keys whose value is a subschema or a list of subschemas.
var schemaValueKeys = []string{"items", "prefixItems", "additionalProperties", "not", "anyOf", "oneOf", "allOf"}

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

func convertTools(tools []schema.Tool) ([]schema.ClaudeTool, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	out := make([]schema.ClaudeTool, 0, len(tools))

	for i, tool := range tools {
		if tool.Type != "" && tool.Type != schema.ToolTypeFunction {
			return nil, apierr.MalformedRequest("tools[%d]: unsupported tool type %q", i, tool.Type)
		}

		if tool.Function.Name == "" {
			return nil, apierr.MalformedRequest("tools[%d]: function name is required", i)
		}

		inputSchema, err := cleanSchema(tool.Function.Parameters)
		if err != nil {
			return nil, apierr.MalformedRequest("tools[%d]: invalid parameters schema: %v", i, err)
		}

		out = append(out, schema.ClaudeTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: inputSchema,
		})
	}

	return out, nil
}

func cleanSchema(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return emptyObjectSchema, nil
	}

	var node any
	if err := json.Unmarshal(trimmed, &node); err != nil {
		return nil, err
	}

	cleaned, ok := stripSchemaKeywords(node).(map[string]any)
	if !ok {
		return emptyObjectSchema, nil
	}

	if _, ok := cleaned["type"]; !ok {
		cleaned["type"] = "object"
	}

	return json.Marshal(cleaned)
}

// stripSchemaKeywords drops unsupported keywords from a schema and its
// subschemas. Property names are never touched, so a property called
// "format" survives while a "format" keyword does not.
func stripSchemaKeywords(node any) any {
	obj, ok := node.(map[string]any)
	if !ok {
		return node
	}

	result := make(map[string]any, len(obj))

	for key, value := range obj {
		if slices.Contains(unsupportedSchemaKeys, key) {
			continue
		}

		switch {
		case slices.Contains(schemaMapKeys, key):
			if named, ok := value.(map[string]any); ok {
				cleaned := make(map[string]any, len(named))
				for name, sub := range named {
					cleaned[name] = stripSchemaKeywords(sub)
				}

				result[key] = cleaned

				continue
			}
		case slices.Contains(schemaValueKeys, key):
			result[key] = stripSchemaValue(value)
			continue
		}

		result[key] = value
	}

	return result
}

func stripSchemaValue(value any) any {
	if list, ok := value.([]any); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = stripSchemaKeywords(item)
		}

		return out
	}

	return stripSchemaKeywords(value)
}

// convertToolChoice maps the tool_choice field. Forced choices are relaxed to
// auto when thinking is on, which the messages API requires.
func convertToolChoice(raw json.RawMessage, thinking bool) (*schema.ToolChoice, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	value := gjson.ParseBytes(trimmed)

	var choice schema.ToolChoice

	switch {
	case value.Type == gjson.String:
		switch value.Str {
		case "auto":
			choice.Type = schema.ToolChoiceAuto
		case "none":
			choice.Type = schema.ToolChoiceNone
		case "required":
			choice.Type = schema.ToolChoiceAny
		default:
			return nil, apierr.MalformedRequest("unsupported tool_choice %q", value.Str)
		}
	case value.IsObject():
		name := value.Get("function.name").String()
		if name == "" {
			return nil, apierr.MalformedRequest("tool_choice object requires function.name")
		}

		choice = schema.ToolChoice{Type: schema.ToolChoiceTool, Name: name}
	default:
		return nil, apierr.MalformedRequest("tool_choice must be a string or an object")
	}

	if thinking && (choice.Type == schema.ToolChoiceAny || choice.Type == schema.ToolChoiceTool) {
		choice = schema.ToolChoice{Type: schema.ToolChoiceAuto}
	}

	return &choice, nil
}
