package claude

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// StreamState is the sequencer position inside one streamed message.
type StreamState int

const (
	StateNotStarted StreamState = iota
	StateInMessage
	StateInTextBlock
	StateInToolUseBlock
	StateFinished
)

func (s StreamState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateInMessage:
		return "in_message"
	case StateInTextBlock:
		return "in_text_block"
	case StateInToolUseBlock:
		return "in_tool_use_block"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SequenceError reports a semantic event that cannot legally follow the
// current stream position. The stream is finished once one is returned.
type SequenceError struct {
	State StreamState
	Event EventKind
	Msg   string
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("illegal %s in state %s: %s", e.Event, e.State, e.Msg)
}

// Sequencer turns a flat run of semantic events into a well-formed Claude
// SSE event sequence. It owns all ordering concerns: opening the message
// lazily on the first event, opening and closing content blocks so that
// text and tool_use never interleave, assigning dense block indices, and
// closing everything exactly once at message stop.
type Sequencer struct {
	state       StreamState
	model       string
	inputTokens int64

	nextIndex     int
	currentToolID string
	sawToolUse    bool
	outputTokens  int64
}

// NewSequencer starts a sequencer for one message. model and inputTokens
// are echoed into the message_start envelope.
func NewSequencer(model string, inputTokens int64) *Sequencer {
	return &Sequencer{state: StateNotStarted, model: model, inputTokens: inputTokens}
}

// State returns the current stream position.
func (s *Sequencer) State() StreamState { return s.state }

// Finished reports whether the stream has been closed, cleanly or not.
func (s *Sequencer) Finished() bool { return s.state == StateFinished }

// Ping returns a keepalive event, or nothing once the stream is finished.
func (s *Sequencer) Ping() []ServerEvent {
	if s.state == StateFinished {
		return nil
	}
	return []ServerEvent{newPingEvent()}
}

// Push advances the sequencer with one semantic event and returns the SSE
// events to emit. A non-nil error means the stream was closed with a
// client-visible error event; any further push is itself a SequenceError.
func (s *Sequencer) Push(ev *SemanticEvent) ([]ServerEvent, error) {
	if ev == nil {
		return nil, nil
	}
	if s.state == StateFinished {
		return nil, &SequenceError{State: s.state, Event: ev.Kind, Msg: "event after stream finished"}
	}

	switch ev.Kind {
	case KindTextDelta:
		return s.pushTextDelta(ev)
	case KindToolUseStart:
		return s.pushToolUseStart(ev)
	case KindToolUseDelta:
		return s.pushToolUseDelta(ev)
	case KindToolUseStop:
		return s.pushToolUseStop(ev)
	case KindMessageStop:
		return s.pushMessageStop(ev)
	case KindError:
		return s.pushError(ev)
	default:
		log.Warnf("sequencer: ignoring unknown event kind %s", ev.Kind)
		return nil, nil
	}
}

func (s *Sequencer) pushTextDelta(ev *SemanticEvent) ([]ServerEvent, error) {
	if ev.Text == "" {
		return nil, nil
	}
	var out []ServerEvent
	out = s.ensureStarted(out)
	if s.state == StateInToolUseBlock {
		out = s.closeBlock(out)
	}
	if s.state != StateInTextBlock {
		out = append(out, newTextBlockStartEvent(s.nextIndex))
		s.state = StateInTextBlock
	}
	out = append(out, newTextDeltaEvent(s.nextIndex, ev.Text))
	return out, nil
}

func (s *Sequencer) pushToolUseStart(ev *SemanticEvent) ([]ServerEvent, error) {
	var out []ServerEvent
	out = s.ensureStarted(out)
	if s.state == StateInTextBlock || s.state == StateInToolUseBlock {
		out = s.closeBlock(out)
	}
	out = append(out, newToolUseBlockStartEvent(s.nextIndex, ev.ToolUseID, ev.ToolName))
	s.state = StateInToolUseBlock
	s.currentToolID = ev.ToolUseID
	s.sawToolUse = true
	if ev.PartialJSON != "" {
		out = append(out, newInputJSONDeltaEvent(s.nextIndex, ev.PartialJSON))
	}
	if ev.Stop {
		out = s.closeBlock(out)
	}
	return out, nil
}

func (s *Sequencer) pushToolUseDelta(ev *SemanticEvent) ([]ServerEvent, error) {
	if s.state != StateInToolUseBlock {
		return s.fail(ev, "input fragment without an open tool_use block")
	}
	if ev.ToolUseID != "" && ev.ToolUseID != s.currentToolID {
		return s.fail(ev, fmt.Sprintf("input fragment for %q while %q is open", ev.ToolUseID, s.currentToolID))
	}
	if ev.PartialJSON == "" {
		return nil, nil
	}
	return []ServerEvent{newInputJSONDeltaEvent(s.nextIndex, ev.PartialJSON)}, nil
}

func (s *Sequencer) pushToolUseStop(ev *SemanticEvent) ([]ServerEvent, error) {
	if s.state != StateInToolUseBlock {
		log.Debugf("sequencer: tool_use stop for %q with no open block", ev.ToolUseID)
		return nil, nil
	}
	if ev.ToolUseID != "" && ev.ToolUseID != s.currentToolID {
		return s.fail(ev, fmt.Sprintf("stop for %q while %q is open", ev.ToolUseID, s.currentToolID))
	}
	var out []ServerEvent
	// The stop frame can carry the final input fragment.
	if ev.PartialJSON != "" {
		out = append(out, newInputJSONDeltaEvent(s.nextIndex, ev.PartialJSON))
	}
	out = s.closeBlock(out)
	return out, nil
}

func (s *Sequencer) pushMessageStop(ev *SemanticEvent) ([]ServerEvent, error) {
	var out []ServerEvent
	out = s.ensureStarted(out)
	if s.state == StateInTextBlock || s.state == StateInToolUseBlock {
		out = s.closeBlock(out)
	}
	stopReason := ev.StopReason
	if stopReason == "" {
		if s.sawToolUse {
			stopReason = "tool_use"
		} else {
			stopReason = "end_turn"
		}
	}
	usage := Usage{InputTokens: s.inputTokens, OutputTokens: s.outputTokens}
	if ev.Usage != (Usage{}) {
		usage = ev.Usage
		if usage.InputTokens == 0 {
			usage.InputTokens = s.inputTokens
		}
	}
	out = append(out,
		newMessageDeltaEvent(stopReason, usage),
		newMessageStopEvent(),
	)
	s.state = StateFinished
	return out, nil
}

func (s *Sequencer) pushError(ev *SemanticEvent) ([]ServerEvent, error) {
	if ev.ErrKind == ErrorMalformedEvent {
		// One bad frame does not end the turn. Drop it and keep streaming.
		log.Warnf("sequencer: skipping malformed upstream event: %s", ev.ErrMessage)
		return nil, nil
	}
	s.state = StateFinished
	errEv := NewErrorEvent("api_error", ev.ErrMessage)
	return []ServerEvent{errEv}, fmt.Errorf("upstream error: %s", ev.ErrMessage)
}

// SetOutputTokens records the output token count used when the message
// stop carries no usage of its own.
func (s *Sequencer) SetOutputTokens(n int64) { s.outputTokens = n }

func (s *Sequencer) ensureStarted(out []ServerEvent) []ServerEvent {
	if s.state == StateNotStarted {
		out = append(out, newMessageStartEvent(s.model, s.inputTokens))
		s.state = StateInMessage
	}
	return out
}

func (s *Sequencer) closeBlock(out []ServerEvent) []ServerEvent {
	out = append(out, newBlockStopEvent(s.nextIndex))
	s.nextIndex++
	s.currentToolID = ""
	s.state = StateInMessage
	return out
}

func (s *Sequencer) fail(ev *SemanticEvent, msg string) ([]ServerEvent, error) {
	seqErr := &SequenceError{State: s.state, Event: ev.Kind, Msg: msg}
	s.state = StateFinished
	return []ServerEvent{NewErrorEvent("api_error", seqErr.Error())}, seqErr
}
