package claude

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// CodeWhisperer request payload sent to GenerateAssistantResponse.

type CodeWhispererPayload struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
	InferenceConfig   *InferenceConfig  `json:"inferenceConfig,omitempty"`
}

type ConversationState struct {
	ChatTriggerType string           `json:"chatTriggerType"`
	ConversationID  string           `json:"conversationId"`
	CurrentMessage  CurrentMessage   `json:"currentMessage"`
	History         []HistoryMessage `json:"history,omitempty"`
}

type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

type HistoryMessage struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	Images                  []ImageBlock             `json:"images,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type UserInputMessageContext struct {
	Tools       []ToolWrapper `json:"tools,omitempty"`
	ToolResults []ToolResult  `json:"toolResults,omitempty"`
}

type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

type ToolWrapper struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

type ToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type ToolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Status    string              `json:"status"`
	Content   []ToolResultContent `json:"content"`
}

type ToolResultContent struct {
	Text string `json:"text"`
}

type ImageBlock struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

type ImageSource struct {
	Bytes string `json:"bytes"`
}

type InferenceConfig struct {
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
}

const (
	chatTriggerManual = "MANUAL"
	defaultOrigin     = "AI_EDITOR"

	continuePrompt    = "Continue"
	toolResultsPrompt = "Tool results provided."
)

var modelIDs = map[string]string{
	"claude-sonnet-4":            "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4.5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
}

// ModelID maps a public Claude model name to the upstream model id. Unknown
// names pass through unchanged so new upstream ids keep working.
func ModelID(model string) string {
	if mapped, ok := modelIDs[model]; ok {
		return mapped
	}
	return model
}

// BuildCodeWhispererPayload converts a raw Claude Messages API request body
// into the upstream conversationState payload. History turns are normalized
// first, the final user turn becomes currentMessage, and a conversation
// ending on an assistant turn gets a synthetic continuation prompt.
func BuildCodeWhispererPayload(body []byte, profileArn string) (*CodeWhispererPayload, error) {
	req := gjson.ParseBytes(body)

	model := req.Get("model").String()
	modelID := ModelID(model)

	messages := NormalizeHistory([]byte(req.Get("messages").Raw))
	turns := gjson.ParseBytes(messages).Array()
	if len(turns) == 0 {
		return nil, &RequestError{Field: "messages", Msg: "at least one non-empty message is required"}
	}

	systemPrompt := systemText(req.Get("system"))
	tools := toolWrappers(req.Get("tools"))

	var history []HistoryMessage
	var current UserInputMessage

	last := turns[len(turns)-1]
	historyTurns := turns[:len(turns)-1]

	if last.Get("role").String() == "assistant" {
		// The conversation already ends with the assistant. Push that turn
		// into history and ask the model to continue.
		historyTurns = turns
		current = UserInputMessage{Content: continuePrompt}
	} else {
		current = userMessage(last, modelID)
	}

	for _, t := range historyTurns {
		if t.Get("role").String() == "assistant" {
			msg := assistantMessage(t)
			history = append(history, HistoryMessage{AssistantResponseMessage: &msg})
			continue
		}
		msg := userMessage(t, modelID)
		history = append(history, HistoryMessage{UserInputMessage: &msg})
	}

	if systemPrompt != "" {
		if len(history) > 0 && history[0].UserInputMessage != nil {
			history[0].UserInputMessage.Content = systemPrompt + "\n\n" + history[0].UserInputMessage.Content
		} else {
			current.Content = systemPrompt + "\n\n" + current.Content
		}
	}

	current.ModelID = modelID
	current.Origin = defaultOrigin
	if len(tools) > 0 {
		if current.UserInputMessageContext == nil {
			current.UserInputMessageContext = &UserInputMessageContext{}
		}
		current.UserInputMessageContext.Tools = tools
	}

	payload := &CodeWhispererPayload{
		ConversationState: ConversationState{
			ChatTriggerType: chatTriggerManual,
			ConversationID:  uuid.NewString(),
			CurrentMessage:  CurrentMessage{UserInputMessage: current},
			History:         history,
		},
		ProfileArn:      profileArn,
		InferenceConfig: inferenceConfig(req),
	}
	return payload, nil
}

// RequestError reports an inbound request the converter cannot translate.
type RequestError struct {
	Field string
	Msg   string
}

func (e *RequestError) Error() string { return e.Field + ": " + e.Msg }

func systemText(system gjson.Result) string {
	if !system.Exists() {
		return ""
	}
	if system.IsArray() {
		var parts []string
		system.ForEach(func(_, v gjson.Result) bool {
			if v.Get("type").String() == "text" {
				parts = append(parts, v.Get("text").String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	return system.String()
}

func toolWrappers(tools gjson.Result) []ToolWrapper {
	if !tools.IsArray() {
		return nil
	}
	var out []ToolWrapper
	tools.ForEach(func(_, tool gjson.Result) bool {
		spec := ToolSpecification{
			Name:        tool.Get("name").String(),
			Description: tool.Get("description").String(),
		}
		if schema := tool.Get("input_schema"); schema.Exists() {
			spec.InputSchema = InputSchema{JSON: json.RawMessage(schema.Raw)}
		} else {
			spec.InputSchema = InputSchema{JSON: json.RawMessage(`{"type":"object"}`)}
		}
		out = append(out, ToolWrapper{ToolSpecification: spec})
		return true
	})
	return out
}

// userMessage flattens one normalized user turn. Tool results are
// deduplicated by toolUseId, keeping the first occurrence.
func userMessage(t gjson.Result, modelID string) UserInputMessage {
	var texts []string
	var images []ImageBlock
	var results []ToolResult
	seen := map[string]bool{}

	t.Get("content").ForEach(func(_, blk gjson.Result) bool {
		switch blk.Get("type").String() {
		case "text":
			texts = append(texts, blk.Get("text").String())
		case "image":
			src := blk.Get("source")
			if src.Get("type").String() == "base64" {
				format := strings.TrimPrefix(src.Get("media_type").String(), "image/")
				images = append(images, ImageBlock{
					Format: format,
					Source: ImageSource{Bytes: src.Get("data").String()},
				})
			}
		case "tool_result":
			id := blk.Get("tool_use_id").String()
			if id == "" || seen[id] {
				return true
			}
			seen[id] = true
			results = append(results, toolResult(blk, id))
		}
		return true
	})

	msg := UserInputMessage{
		Content: strings.Join(texts, "\n"),
		ModelID: modelID,
		Origin:  defaultOrigin,
		Images:  images,
	}
	if len(results) > 0 {
		msg.UserInputMessageContext = &UserInputMessageContext{ToolResults: results}
	}
	if strings.TrimSpace(msg.Content) == "" {
		if len(results) > 0 {
			msg.Content = toolResultsPrompt
		} else {
			msg.Content = continuePrompt
		}
	}
	return msg
}

func toolResult(blk gjson.Result, id string) ToolResult {
	status := "success"
	if blk.Get("is_error").Bool() {
		status = "error"
	}
	var parts []string
	content := blk.Get("content")
	if content.Type == gjson.String {
		parts = append(parts, content.String())
	} else if content.IsArray() {
		content.ForEach(func(_, c gjson.Result) bool {
			if c.Get("type").String() == "text" {
				parts = append(parts, c.Get("text").String())
			}
			return true
		})
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		text = status
	}
	return ToolResult{
		ToolUseID: id,
		Status:    status,
		Content:   []ToolResultContent{{Text: text}},
	}
}

func assistantMessage(t gjson.Result) AssistantResponseMessage {
	var texts []string
	var uses []ToolUse
	t.Get("content").ForEach(func(_, blk gjson.Result) bool {
		switch blk.Get("type").String() {
		case "text":
			texts = append(texts, blk.Get("text").String())
		case "tool_use":
			input := blk.Get("input").Raw
			if input == "" {
				input = "{}"
			}
			uses = append(uses, ToolUse{
				ToolUseID: blk.Get("id").String(),
				Name:      blk.Get("name").String(),
				Input:     json.RawMessage(input),
			})
		}
		return true
	})
	return AssistantResponseMessage{
		Content:  strings.Join(texts, "\n"),
		ToolUses: uses,
	}
}

func inferenceConfig(req gjson.Result) *InferenceConfig {
	cfg := &InferenceConfig{}
	set := false
	if v := req.Get("max_tokens"); v.Exists() {
		cfg.MaxTokens = int(v.Int())
		set = true
	}
	if v := req.Get("temperature"); v.Exists() {
		f := v.Float()
		cfg.Temperature = &f
		set = true
	}
	if v := req.Get("top_p"); v.Exists() {
		f := v.Float()
		cfg.TopP = &f
		set = true
	}
	if !set {
		return nil
	}
	return cfg
}
