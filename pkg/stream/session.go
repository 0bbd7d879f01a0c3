// Package stream owns the live connection to an agent run for one thread:
// it buffers incremental messages, reconciles value and history snapshots,
// and routes out-of-band events into the usage tracker and subtask registry.
package stream

import (
	"context"
	"strings"
	"sync"

	"github.com/coralogyx/loom/pkg/chat"
	"github.com/coralogyx/loom/pkg/logger"
	"github.com/coralogyx/loom/pkg/runtime"
	"github.com/coralogyx/loom/pkg/subtasks"
	"github.com/coralogyx/loom/pkg/usage"
)

// FinishFunc receives the final value snapshot when a run completes. The UI
// uses it to navigate from a provisional thread id to the real one and to
// fire a background notification.
type FinishFunc func(values runtime.ThreadValues)

// ThreadIDFunc is called when the server assigns the real id to a
// provisional thread. Consumers must replace, not push, the URL so back
// navigation never returns to the provisional state.
type ThreadIDFunc func(oldID, newID string)

// SubmitOptions for a session submission.
type SubmitOptions struct {
	// Resumable keeps the stream reattachable after disconnects. Edits
	// force it off to start a clean stream.
	Resumable  bool
	Checkpoint *runtime.Checkpoint
}

// Session maintains one live subscription per open thread.
type Session struct {
	connector runtime.Connector
	usage     *usage.Tracker
	registry  *subtasks.Registry
	log       *logger.Logger

	onFinish   FinishFunc
	onThreadID ThreadIDFunc

	recursionLimit int

	mu       sync.RWMutex
	threadID string
	run      runtime.Run
	buffer   []chat.Message
	byID     map[string]int
	values   *runtime.ThreadValues
	history  []runtime.ThreadValues
	override []chat.Message
	loading  bool
	finished bool
}

// Option configures a Session.
type Option func(*Session)

func WithFinishFunc(fn FinishFunc) Option {
	return func(s *Session) { s.onFinish = fn }
}

func WithThreadIDFunc(fn ThreadIDFunc) Option {
	return func(s *Session) { s.onThreadID = fn }
}

func WithRecursionLimit(limit int) Option {
	return func(s *Session) { s.recursionLimit = limit }
}

// NewSession creates a session for a thread. threadID may be empty for a
// new provisional thread.
func NewSession(connector runtime.Connector, threadID string, tracker *usage.Tracker, registry *subtasks.Registry, opts ...Option) *Session {
	s := &Session{
		connector: connector,
		usage:     tracker,
		registry:  registry,
		log:       logger.WithComponent("stream_session"),
		threadID:  threadID,
		byID:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ThreadID returns the current (possibly provisional) thread id.
func (s *Session) ThreadID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threadID
}

// Loading reports whether a run is currently streaming.
func (s *Session) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Finished reports whether the last run completed.
func (s *Session) Finished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finished
}

// Values returns the current value snapshot, if any.
func (s *Session) Values() (runtime.ThreadValues, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.values == nil {
		return runtime.ThreadValues{}, false
	}
	return *s.values, true
}

// SetOverride pins an explicit message list that wins over every other
// source. Pass nil to clear.
func (s *Session) SetOverride(messages []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = messages
}

// DisplayMessages resolves the effective list of messages to display, by
// priority: explicit override, then the live buffer while streaming, then
// the value snapshot, then the most recent history snapshot. The buffer is
// the final fallback even when not loading so the view doesn't flash empty
// right after a finish event.
func (s *Session) DisplayMessages() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.override != nil:
		return copyMessages(s.override)
	case s.loading && len(s.buffer) > 0:
		return copyMessages(s.buffer)
	case s.values != nil && len(s.values.Messages) > 0:
		return copyMessages(s.values.Messages)
	case len(s.history) > 0 && len(s.history[0].Messages) > 0:
		return copyMessages(s.history[0].Messages)
	default:
		return copyMessages(s.buffer)
	}
}

// LocateMessage finds the edit target within the currently displayed
// sequence: the first non-empty source wins, live buffer before value
// snapshot. A message id absent from that source is not found even if an
// older source still has it.
func (s *Session) LocateMessage(messageID string) (chat.Message, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var source []chat.Message
	switch {
	case len(s.buffer) > 0:
		source = s.buffer
	case s.values != nil && len(s.values.Messages) > 0:
		source = s.values.Messages
	default:
		return chat.Message{}, 0, false
	}

	for i, m := range source {
		if m.ID == messageID {
			return m, i, true
		}
	}
	return chat.Message{}, 0, false
}

// Mount reattaches to an in-progress run and loads prior state so a freshly
// opened existing thread isn't blank while the live buffer catches up.
func (s *Session) Mount(ctx context.Context) error {
	s.mu.RLock()
	threadID := s.threadID
	s.mu.RUnlock()

	if threadID == "" {
		return nil
	}

	if values, err := s.connector.State(ctx, threadID); err == nil {
		s.mu.Lock()
		s.absorbValuesLocked(values)
		s.mu.Unlock()
	} else {
		s.log.Debug("no state snapshot for thread %s: %v", threadID, err)
	}

	if history, err := s.connector.History(ctx, threadID); err == nil {
		s.mu.Lock()
		s.history = history
		s.mu.Unlock()
	} else {
		s.log.Debug("no history for thread %s: %v", threadID, err)
	}

	run, err := s.connector.Attach(ctx, threadID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.run = run
	s.loading = true
	s.finished = false
	s.mu.Unlock()

	go s.consume(run)
	return nil
}

// Submit starts a new turn with the given text.
func (s *Session) Submit(ctx context.Context, text string, opts SubmitOptions) error {
	s.mu.RLock()
	threadID := s.threadID
	s.mu.RUnlock()

	run, err := s.connector.NewRun(ctx, threadID)
	if err != nil {
		return err
	}

	err = run.Submit(ctx, text, runtime.SubmitOptions{
		ThreadID:       threadID,
		Resumable:      opts.Resumable,
		Checkpoint:     opts.Checkpoint,
		StreamModes:    []string{"messages", "values", "custom"},
		RecursionLimit: s.recursionLimit,
	})
	if err != nil {
		return err
	}

	// New turn: previous turn's usage no longer applies.
	s.usage.Start()

	s.mu.Lock()
	s.run = run
	s.loading = true
	s.finished = false
	s.override = nil
	s.mu.Unlock()

	go s.consume(run)
	return nil
}

// Stop cancels the active run. Idempotent; safe to call with no run.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.RLock()
	run := s.run
	s.mu.RUnlock()

	if run == nil {
		return nil
	}
	return run.Stop(ctx)
}

func (s *Session) consume(run runtime.Run) {
	for event := range run.Events() {
		s.handleEvent(event)
	}

	// Channel closed without a done event: treat as a finished stream so
	// the UI leaves the loading state.
	s.mu.Lock()
	if s.loading {
		s.loading = false
		s.finished = true
	}
	s.mu.Unlock()
}

func (s *Session) handleEvent(event runtime.StreamEvent) {
	switch ev := event.(type) {
	case runtime.MessageEvent:
		s.handleMessage(ev.Message)

	case runtime.ValuesEvent:
		s.mu.Lock()
		s.absorbValuesLocked(ev.Values)
		s.mu.Unlock()

	case runtime.TaskRunningEvent:
		s.registry.AttachMessage(ev.TaskID, ev.Message)

	case runtime.UsageUpdateEvent:
		s.usage.Accumulate(ev.InputTokens, ev.OutputTokens)

	case runtime.DoneEvent:
		s.handleDone(ev)

	case runtime.ErrorEvent:
		s.log.Error("stream failed for thread %s: %v", s.ThreadID(), ev.Err)
		s.mu.Lock()
		s.loading = false
		s.finished = true
		s.mu.Unlock()
	}
}

// handleMessage upserts an incremental message into the live buffer by id,
// preserving source order, and feeds sub-agent bookkeeping.
func (s *Session) handleMessage(m chat.Message) {
	s.mu.Lock()
	if idx, seen := s.byID[m.ID]; seen {
		s.buffer[idx] = m
	} else {
		s.byID[m.ID] = len(s.buffer)
		s.buffer = append(s.buffer, m)
	}
	buffered := copyMessages(s.buffer)
	s.mu.Unlock()

	if m.IsAssistant() {
		for _, call := range chat.SubagentCalls(m) {
			s.registry.Dispatch(call)
		}
	}

	if m.IsTool() && m.ToolCallID != "" {
		if _, tracked := s.registry.Get(m.ToolCallID); tracked {
			if call, ok := chat.FindToolCall(m.ToolCallID, buffered); ok && call.Name == chat.ToolTask {
				if isErrorResult(m) {
					s.registry.Fail(m.ToolCallID, m.VisibleText())
				} else {
					s.registry.Complete(m.ToolCallID, m.VisibleText())
				}
			}
		}
	}
}

func (s *Session) handleDone(ev runtime.DoneEvent) {
	s.mu.Lock()
	oldID := s.threadID
	if ev.ThreadID != "" && ev.ThreadID != s.threadID {
		s.threadID = ev.ThreadID
	}
	if ev.Values != nil {
		s.absorbValuesLocked(*ev.Values)
	}
	s.loading = false
	s.finished = true
	var final runtime.ThreadValues
	if s.values != nil {
		final = *s.values
	}
	onFinish := s.onFinish
	onThreadID := s.onThreadID
	newID := s.threadID
	s.mu.Unlock()

	if onThreadID != nil && newID != oldID {
		onThreadID(oldID, newID)
	}
	if onFinish != nil {
		onFinish(final)
	}
}

// absorbValuesLocked replaces the snapshot, merging artifacts so entries
// already surfaced are not lost or reordered.
func (s *Session) absorbValuesLocked(values runtime.ThreadValues) {
	if s.values != nil {
		values.Artifacts = runtime.MergeArtifacts(s.values.Artifacts, values.Artifacts)
	}
	s.values = &values
}

func isErrorResult(m chat.Message) bool {
	if m.Metadata == nil {
		return false
	}
	isErr, _ := m.Metadata["is_error"].(bool)
	return isErr
}

func copyMessages(in []chat.Message) []chat.Message {
	out := make([]chat.Message, len(in))
	copy(out, in)
	return out
}

// NotificationPreview summarizes the last message of a finished run for a
// background notification, truncated to 200 characters with an ellipsis.
func NotificationPreview(values runtime.ThreadValues) string {
	if len(values.Messages) == 0 {
		return ""
	}
	text := strings.TrimSpace(values.Messages[len(values.Messages)-1].VisibleText())
	runes := []rune(text)
	if len(runes) <= 200 {
		return text
	}
	return string(runes[:200]) + "…"
}
