package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/coralogyx/loom/pkg/chat"
)

// StreamEvent is the closed set of events a run can emit. The wire shape is
// decoded once at the stream boundary; downstream code switches on the
// concrete type instead of probing maps.
type StreamEvent interface {
	isStreamEvent()
}

// MessageEvent carries an incremental message upsert: a new message, or a
// fuller version of one already buffered (matched by id).
type MessageEvent struct {
	Message chat.Message
}

// ValuesEvent carries a fresh value snapshot.
type ValuesEvent struct {
	Values ThreadValues
}

// TaskRunningEvent is the out-of-band progress signal for a dispatched
// sub-agent task, optionally with its latest partial assistant message.
type TaskRunningEvent struct {
	TaskID  string
	Message *chat.Message
}

// UsageUpdateEvent is a token usage delta for the streaming turn.
type UsageUpdateEvent struct {
	InputTokens  int
	OutputTokens int
}

// DoneEvent ends the stream, carrying the final value snapshot and the
// server-assigned thread id.
type DoneEvent struct {
	ThreadID string
	Values   *ThreadValues
}

// ErrorEvent reports a stream failure. The channel closes after it.
type ErrorEvent struct {
	Err error
}

func (MessageEvent) isStreamEvent()     {}
func (ValuesEvent) isStreamEvent()      {}
func (TaskRunningEvent) isStreamEvent() {}
func (UsageUpdateEvent) isStreamEvent() {}
func (DoneEvent) isStreamEvent()        {}
func (ErrorEvent) isStreamEvent()       {}

// wireEvent is the raw NDJSON envelope emitted by the runtime.
type wireEvent struct {
	Type         string          `json:"type"`
	Message      *chat.Message   `json:"message,omitempty"`
	Values       *ThreadValues   `json:"values,omitempty"`
	TaskID       string          `json:"task_id,omitempty"`
	InputTokens  int             `json:"input_tokens,omitempty"`
	OutputTokens int             `json:"output_tokens,omitempty"`
	ThreadID     string          `json:"thread_id,omitempty"`
	Error        string          `json:"error,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// DecodeEvent parses one NDJSON line into a typed event.
func DecodeEvent(line []byte) (StreamEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("failed to parse stream event: %w", err)
	}

	switch w.Type {
	case "message":
		if w.Message == nil {
			return nil, fmt.Errorf("message event without message body")
		}
		return MessageEvent{Message: *w.Message}, nil
	case "values":
		if w.Values == nil {
			return nil, fmt.Errorf("values event without values body")
		}
		return ValuesEvent{Values: *w.Values}, nil
	case "task_running":
		return TaskRunningEvent{TaskID: w.TaskID, Message: w.Message}, nil
	case "usage_update":
		return UsageUpdateEvent{InputTokens: w.InputTokens, OutputTokens: w.OutputTokens}, nil
	case "done":
		return DoneEvent{ThreadID: w.ThreadID, Values: w.Values}, nil
	case "error":
		return ErrorEvent{Err: fmt.Errorf("runtime error: %s", w.Error)}, nil
	default:
		return nil, fmt.Errorf("unknown stream event type %q", w.Type)
	}
}
