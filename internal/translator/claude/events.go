// Package claude translates between the Claude Messages API and the
// CodeWhisperer streaming API. The outbound direction normalizes Claude
// conversation history and builds the upstream conversationState payload;
// the inbound direction interprets decoded event-stream frames as semantic
// events and sequences them into a Claude-compatible SSE stream.
package claude

// EventKind tags a SemanticEvent variant.
type EventKind int

const (
	// KindTextDelta carries a chunk of assistant text.
	KindTextDelta EventKind = iota
	// KindToolUseStart opens a tool invocation. It may carry the first
	// fragment of the tool's input JSON in PartialJSON.
	KindToolUseStart
	// KindToolUseDelta carries a further fragment of a tool's input JSON.
	KindToolUseDelta
	// KindToolUseStop closes a tool invocation. It may carry a trailing
	// input fragment in PartialJSON.
	KindToolUseStop
	// KindMessageStop ends the assistant turn.
	KindMessageStop
	// KindError reports an upstream failure or a malformed frame.
	KindError
)

func (k EventKind) String() string {
	switch k {
	case KindTextDelta:
		return "text_delta"
	case KindToolUseStart:
		return "tool_use_start"
	case KindToolUseDelta:
		return "tool_use_delta"
	case KindToolUseStop:
		return "tool_use_stop"
	case KindMessageStop:
		return "message_stop"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrorKind classifies a KindError event.
type ErrorKind string

const (
	// ErrorMalformedEvent marks a single frame whose payload did not parse
	// as the sub-structure its declared type requires. The stream continues.
	ErrorMalformedEvent ErrorKind = "malformed_event"
	// ErrorUpstream marks a failure reported by the upstream service. The
	// stream ends.
	ErrorUpstream ErrorKind = "upstream_error"
)

// Usage holds token totals reported by upstream metadata events, or estimated
// locally when the upstream omits them.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// SemanticEvent is the normalized, protocol-agnostic representation of one
// upstream occurrence. Kind selects which of the remaining fields are
// meaningful.
type SemanticEvent struct {
	Kind EventKind

	// Text for KindTextDelta.
	Text string

	// Tool identity for the tool-use kinds.
	ToolUseID string
	ToolName  string
	// PartialJSON is a fragment of the tool input for the tool-use kinds.
	PartialJSON string
	// Stop on a KindToolUseStart means the invocation also ends with this
	// event. Small tool calls arrive as one upstream frame.
	Stop bool

	// StopReason and Usage for KindMessageStop. An empty StopReason lets the
	// sequencer pick one from the blocks it has emitted.
	StopReason string
	Usage      Usage

	// ErrKind and ErrMessage for KindError.
	ErrKind    ErrorKind
	ErrMessage string
}
