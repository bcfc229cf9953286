package claude

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ServerEvent is one outbound Claude SSE event: an event name plus a JSON
// data payload. The HTTP boundary wraps these in text/event-stream framing.
type ServerEvent struct {
	Event string
	Data  []byte
}

// Bytes renders the event in SSE wire format.
func (e ServerEvent) Bytes() []byte {
	out := make([]byte, 0, len(e.Event)+len(e.Data)+16)
	out = append(out, "event: "...)
	out = append(out, e.Event...)
	out = append(out, "\ndata: "...)
	out = append(out, e.Data...)
	out = append(out, "\n\n"...)
	return out
}

func serverEvent(name string, v any) ServerEvent {
	data, _ := json.Marshal(v)
	return ServerEvent{Event: name, Data: data}
}

func newMessageStartEvent(model string, inputTokens int64) ServerEvent {
	return serverEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            "msg_" + uuid.NewString()[:24],
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": inputTokens, "output_tokens": 0},
		},
	})
}

func newTextBlockStartEvent(index int) ServerEvent {
	return serverEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
}

func newToolUseBlockStartEvent(index int, toolUseID, toolName string) ServerEvent {
	return serverEvent("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": index,
		"content_block": map[string]any{
			"type":  "tool_use",
			"id":    toolUseID,
			"name":  toolName,
			"input": map[string]any{},
		},
	})
}

func newTextDeltaEvent(index int, text string) ServerEvent {
	return serverEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

func newInputJSONDeltaEvent(index int, partialJSON string) ServerEvent {
	return serverEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": partialJSON},
	})
}

func newBlockStopEvent(index int) ServerEvent {
	return serverEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})
}

func newMessageDeltaEvent(stopReason string, usage Usage) ServerEvent {
	return serverEvent("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]any{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		},
	})
}

func newMessageStopEvent() ServerEvent {
	return serverEvent("message_stop", map[string]any{"type": "message_stop"})
}

func newPingEvent() ServerEvent {
	return serverEvent("ping", map[string]any{"type": "ping"})
}

// NewErrorEvent builds the single Claude-compatible error SSE event every
// failure kind is translated into before reaching the client.
func NewErrorEvent(kind, message string) ServerEvent {
	return serverEvent("error", map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    kind,
			"message": message,
		},
	})
}
