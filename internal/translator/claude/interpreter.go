package claude

import (
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/qgate-proxy/qgate/internal/eventstream"
)

// Upstream event type names, captured from live CodeWhisperer traffic. These
// are a pinned external contract: the interpreter dispatches on them and
// ignores anything it does not recognize.
const (
	eventAssistantResponse = "assistantResponseEvent"
	eventToolUse           = "toolUseEvent"
	eventMessageMetadata   = "messageMetadataEvent"
	eventMetadata          = "metadataEvent"
	eventSupplementaryWeb  = "supplementaryWebLinksEvent"
	eventFollowupPrompt    = "followupPromptEvent"
	eventCodeReference     = "codeReferenceEvent"
	eventError             = "errorEvent"
	eventInvalidState      = "invalidStateEvent"
	eventInternalError     = "internalServerException"
)

// Interpreter maps decoded frames to semantic events. Each frame yields zero
// or one SemanticEvent; metadata-only frames are folded into the usage and
// stop-reason accumulators instead. An Interpreter belongs to a single
// in-flight request and is not safe for concurrent use.
type Interpreter struct {
	usage      Usage
	hasUsage   bool
	stopReason string

	// currentToolID distinguishes the first toolUseEvent of an invocation
	// (start) from its continuation fragments (delta).
	currentToolID string
}

// NewInterpreter returns an interpreter for one request's stream.
func NewInterpreter() *Interpreter {
	return &Interpreter{}
}

// Usage returns the token totals accumulated from metadata frames and whether
// the upstream reported any at all.
func (in *Interpreter) Usage() (Usage, bool) {
	return in.usage, in.hasUsage
}

// StopReason returns the stop reason the upstream reported inline, if any.
func (in *Interpreter) StopReason() string {
	return in.stopReason
}

// Interpret maps one frame to zero or one SemanticEvent. A nil return with no
// event means the frame was metadata-only or unrecognized. A frame whose
// payload does not parse as the structure its type requires yields a
// KindError event with ErrorMalformedEvent so one bad frame degrades a single
// turn instead of killing the connection.
func (in *Interpreter) Interpret(frame *eventstream.Frame) *SemanticEvent {
	if frame.MessageType() == "exception" {
		return &SemanticEvent{
			Kind:       KindError,
			ErrKind:    ErrorUpstream,
			ErrMessage: exceptionMessage(frame),
		}
	}

	eventType := frame.EventType()
	payload := eventPayload(frame, eventType)

	switch eventType {
	case eventAssistantResponse:
		return in.interpretAssistantResponse(payload)
	case eventToolUse:
		return in.interpretToolUse(payload)
	case eventMessageMetadata, eventMetadata:
		in.accumulateUsage(payload)
		return nil
	case eventSupplementaryWeb, eventFollowupPrompt, eventCodeReference:
		// Known but irrelevant to the Claude projection.
		return nil
	case eventError, eventInternalError, eventInvalidState:
		msg := payload.Get("message").String()
		if msg == "" {
			msg = payload.Raw
		}
		return &SemanticEvent{Kind: KindError, ErrKind: ErrorUpstream, ErrMessage: msg}
	case "":
		return nil
	default:
		// Forward-compatibility policy: unknown event types are dropped, not
		// failed on.
		log.Debugf("translator: ignoring unknown upstream event type %q", eventType)
		return nil
	}
}

func (in *Interpreter) interpretAssistantResponse(payload gjson.Result) *SemanticEvent {
	if !payload.IsObject() {
		return malformed(eventAssistantResponse, payload)
	}
	if sr := payload.Get("stop_reason").String(); sr != "" {
		in.stopReason = sr
	} else if sr := payload.Get("stopReason").String(); sr != "" {
		in.stopReason = sr
	}
	content := payload.Get("content")
	if !content.Exists() || content.String() == "" {
		return nil
	}
	return &SemanticEvent{Kind: KindTextDelta, Text: content.String()}
}

func (in *Interpreter) interpretToolUse(payload gjson.Result) *SemanticEvent {
	if !payload.IsObject() {
		return malformed(eventToolUse, payload)
	}
	id := payload.Get("toolUseId").String()
	if id == "" {
		return malformed(eventToolUse, payload)
	}
	fragment := toolInputFragment(payload.Get("input"))
	stop := payload.Get("stop").Bool()

	switch {
	case id != in.currentToolID:
		// A new id always opens an invocation, even when the same frame also
		// closes it: small tool calls arrive as a single event carrying name,
		// input, and stop together.
		if stop {
			in.currentToolID = ""
		} else {
			in.currentToolID = id
		}
		return &SemanticEvent{
			Kind:        KindToolUseStart,
			ToolUseID:   id,
			ToolName:    payload.Get("name").String(),
			PartialJSON: fragment,
			Stop:        stop,
		}
	case stop:
		in.currentToolID = ""
		return &SemanticEvent{Kind: KindToolUseStop, ToolUseID: id, PartialJSON: fragment}
	default:
		return &SemanticEvent{Kind: KindToolUseDelta, ToolUseID: id, PartialJSON: fragment}
	}
}

func (in *Interpreter) accumulateUsage(payload gjson.Result) {
	usage := payload
	if u := payload.Get("usage"); u.IsObject() {
		usage = u
	}
	if v := usage.Get("inputTokens"); v.Exists() {
		in.usage.InputTokens = v.Int()
		in.hasUsage = true
	}
	if v := usage.Get("outputTokens"); v.Exists() {
		in.usage.OutputTokens = v.Int()
		in.hasUsage = true
	}
	if v := usage.Get("totalTokens"); v.Exists() && usage.Get("outputTokens").Int() == 0 {
		out := v.Int() - in.usage.InputTokens
		if out > 0 {
			in.usage.OutputTokens = out
			in.hasUsage = true
		}
	}
}

// eventPayload parses the frame payload, unwrapping the envelope some
// upstream deployments add (the event object nested under its own type name).
func eventPayload(frame *eventstream.Frame, eventType string) gjson.Result {
	parsed := gjson.ParseBytes(frame.Payload)
	if eventType != "" {
		if inner := parsed.Get(eventType); inner.IsObject() {
			return inner
		}
	}
	return parsed
}

// toolInputFragment keeps tool input fragments as raw JSON text. The upstream
// streams input either as string fragments of a JSON document or, on small
// inputs, as one complete object.
func toolInputFragment(input gjson.Result) string {
	if !input.Exists() {
		return ""
	}
	if input.Type == gjson.String {
		return input.String()
	}
	return input.Raw
}

func exceptionMessage(frame *eventstream.Frame) string {
	msg := gjson.GetBytes(frame.Payload, "message").String()
	if msg == "" {
		msg = string(frame.Payload)
	}
	if et := frame.ExceptionType(); et != "" {
		return et + ": " + msg
	}
	return msg
}

func malformed(eventType string, payload gjson.Result) *SemanticEvent {
	log.Warnf("translator: malformed %s payload: %.120s", eventType, payload.Raw)
	return &SemanticEvent{
		Kind:       KindError,
		ErrKind:    ErrorMalformedEvent,
		ErrMessage: "malformed " + eventType + " payload",
	}
}
