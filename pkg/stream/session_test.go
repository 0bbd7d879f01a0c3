package stream_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coralogyx/loom/pkg/chat"
	"github.com/coralogyx/loom/pkg/runtime"
	"github.com/coralogyx/loom/pkg/store"
	"github.com/coralogyx/loom/pkg/stream"
	"github.com/coralogyx/loom/pkg/subtasks"
	"github.com/coralogyx/loom/pkg/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submission struct {
	text string
	opts runtime.SubmitOptions
}

type fakeRun struct {
	mu        sync.Mutex
	events    chan runtime.StreamEvent
	submitErr error
	submitted []submission
	stops     int
}

func newFakeRun() *fakeRun {
	return &fakeRun{events: make(chan runtime.StreamEvent, 32)}
}

func (r *fakeRun) Submit(_ context.Context, text string, opts runtime.SubmitOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submitErr != nil {
		return r.submitErr
	}
	r.submitted = append(r.submitted, submission{text: text, opts: opts})
	return nil
}

func (r *fakeRun) Stop(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return nil
}

func (r *fakeRun) Events() <-chan runtime.StreamEvent { return r.events }

func (r *fakeRun) emit(evs ...runtime.StreamEvent) {
	for _, ev := range evs {
		r.events <- ev
	}
}

func (r *fakeRun) finish() { close(r.events) }

type fakeConnector struct {
	mu         sync.Mutex
	runs       []*fakeRun
	submitErrs []error
	state      runtime.ThreadValues
	stateErr   error
	history    []runtime.ThreadValues
	historyErr error
}

func (c *fakeConnector) NewRun(context.Context, string) (runtime.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run := newFakeRun()
	if len(c.submitErrs) > 0 {
		run.submitErr = c.submitErrs[0]
		c.submitErrs = c.submitErrs[1:]
	}
	c.runs = append(c.runs, run)
	return run, nil
}

func (c *fakeConnector) Attach(context.Context, string) (runtime.Run, error) {
	return c.NewRun(context.Background(), "")
}

func (c *fakeConnector) State(context.Context, string) (runtime.ThreadValues, error) {
	return c.state, c.stateErr
}

func (c *fakeConnector) History(context.Context, string) ([]runtime.ThreadValues, error) {
	return c.history, c.historyErr
}

func (c *fakeConnector) lastRun() *fakeRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[len(c.runs)-1]
}

func newTestSession(t *testing.T, threadID string, opts ...stream.Option) (*stream.Session, *fakeConnector, *usage.Tracker, *subtasks.Registry) {
	t.Helper()

	connector := &fakeConnector{}
	tracker := usage.NewTracker(store.NewMemoryStore())
	tracker.Bind(context.Background(), threadID, false)
	registry := subtasks.NewRegistry()

	session := stream.NewSession(connector, threadID, tracker, registry, opts...)
	return session, connector, tracker, registry
}

func waitFinished(t *testing.T, s *stream.Session) {
	t.Helper()
	require.Eventually(t, s.Finished, time.Second, 2*time.Millisecond)
}

func msgEvent(id, role, content string) runtime.MessageEvent {
	return runtime.MessageEvent{Message: chat.Message{ID: id, Role: role, Content: content}}
}

func TestSubmitStreamsIntoBuffer(t *testing.T) {
	session, connector, _, _ := newTestSession(t, "t-1")

	require.NoError(t, session.Submit(context.Background(), "hello", stream.SubmitOptions{Resumable: true}))
	assert.True(t, session.Loading())

	run := connector.lastRun()
	require.Len(t, run.submitted, 1)
	assert.Equal(t, "hello", run.submitted[0].text)
	assert.True(t, run.submitted[0].opts.Resumable)
	assert.Equal(t, []string{"messages", "values", "custom"}, run.submitted[0].opts.StreamModes)

	run.emit(
		msgEvent("h-1", chat.RoleHuman, "hello"),
		msgEvent("a-1", chat.RoleAssistant, "hi"),
	)

	require.Eventually(t, func() bool {
		return len(session.DisplayMessages()) == 2
	}, time.Second, 2*time.Millisecond)

	run.emit(runtime.DoneEvent{})
	run.finish()
	waitFinished(t, session)
	assert.False(t, session.Loading())
}

func TestMessageUpsertPreservesOrder(t *testing.T) {
	session, connector, _, _ := newTestSession(t, "t-1")
	require.NoError(t, session.Submit(context.Background(), "go", stream.SubmitOptions{}))

	run := connector.lastRun()
	run.emit(
		msgEvent("a-1", chat.RoleAssistant, "partial"),
		msgEvent("a-2", chat.RoleAssistant, "second"),
		msgEvent("a-1", chat.RoleAssistant, "partial grown fuller"),
	)

	require.Eventually(t, func() bool {
		msgs := session.DisplayMessages()
		return len(msgs) == 2 && msgs[0].Content == "partial grown fuller"
	}, time.Second, 2*time.Millisecond)

	msgs := session.DisplayMessages()
	assert.Equal(t, "a-1", msgs[0].ID)
	assert.Equal(t, "a-2", msgs[1].ID)
}

func TestDisplayPrecedence(t *testing.T) {
	session, connector, _, _ := newTestSession(t, "t-1")
	require.NoError(t, session.Submit(context.Background(), "go", stream.SubmitOptions{}))

	run := connector.lastRun()
	run.emit(msgEvent("buf-1", chat.RoleAssistant, "from buffer"))
	run.emit(runtime.ValuesEvent{Values: runtime.ThreadValues{
		ThreadID: "t-1",
		Messages: []chat.Message{{ID: "val-1", Role: chat.RoleAssistant, Content: "from values"}},
	}})

	// While loading, the live buffer wins over the snapshot.
	require.Eventually(t, func() bool {
		msgs := session.DisplayMessages()
		return len(msgs) == 1 && msgs[0].ID == "buf-1"
	}, time.Second, 2*time.Millisecond)

	// An explicit override beats everything.
	session.SetOverride([]chat.Message{{ID: "ovr-1", Role: chat.RoleHuman, Content: "pinned"}})
	msgs := session.DisplayMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ovr-1", msgs[0].ID)
	session.SetOverride(nil)

	// After the run finishes, the snapshot wins over the buffer.
	run.emit(runtime.DoneEvent{})
	run.finish()
	waitFinished(t, session)

	msgs = session.DisplayMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "val-1", msgs[0].ID)
}

func TestBufferIsFinalFallbackAfterFinish(t *testing.T) {
	session, connector, _, _ := newTestSession(t, "t-1")
	require.NoError(t, session.Submit(context.Background(), "go", stream.SubmitOptions{}))

	run := connector.lastRun()
	run.emit(msgEvent("buf-1", chat.RoleAssistant, "only copy"))
	run.emit(runtime.DoneEvent{})
	run.finish()
	waitFinished(t, session)

	// No snapshot ever arrived; the buffer still renders.
	msgs := session.DisplayMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "buf-1", msgs[0].ID)
}

func TestLocateMessagePrefersBuffer(t *testing.T) {
	session, connector, _, _ := newTestSession(t, "t-1")
	require.NoError(t, session.Submit(context.Background(), "go", stream.SubmitOptions{}))

	run := connector.lastRun()
	run.emit(
		msgEvent("h-1", chat.RoleHuman, "question"),
		msgEvent("a-1", chat.RoleAssistant, "answer"),
	)
	run.emit(runtime.ValuesEvent{Values: runtime.ThreadValues{
		Messages: []chat.Message{{ID: "old-1", Role: chat.RoleHuman, Content: "stale"}},
	}})

	require.Eventually(t, func() bool {
		_, _, found := session.LocateMessage("a-1")
		return found
	}, time.Second, 2*time.Millisecond)

	_, index, found := session.LocateMessage("a-1")
	require.True(t, found)
	assert.Equal(t, 1, index)

	// The buffer is non-empty, so an id only present in the snapshot is
	// not an edit target.
	_, _, found = session.LocateMessage("old-1")
	assert.False(t, found)
}

func TestSubagentLifecycle(t *testing.T) {
	session, connector, _, registry := newTestSession(t, "t-1")
	require.NoError(t, session.Submit(context.Background(), "delegate", stream.SubmitOptions{}))

	run := connector.lastRun()
	dispatch := chat.Message{
		ID:   "a-1",
		Role: chat.RoleAssistant,
		ToolCalls: []chat.ToolCall{{
			ID:        "task-1",
			Name:      chat.ToolTask,
			Arguments: map[string]any{"description": "scan the repo"},
		}},
	}
	run.emit(runtime.MessageEvent{Message: dispatch})

	require.Eventually(t, func() bool {
		task, ok := registry.Get("task-1")
		return ok && task.Status == subtasks.StatusInProgress
	}, time.Second, 2*time.Millisecond)

	partial := chat.NewAssistantMessage("p-1", "halfway")
	run.emit(runtime.TaskRunningEvent{TaskID: "task-1", Message: &partial})

	require.Eventually(t, func() bool {
		task, _ := registry.Get("task-1")
		return task.Message != nil && task.Message.ID == "p-1"
	}, time.Second, 2*time.Millisecond)

	run.emit(runtime.MessageEvent{Message: chat.Message{
		ID:         "r-1",
		Role:       chat.RoleTool,
		ToolCallID: "task-1",
		ToolName:   chat.ToolTask,
		Content:    "scan complete",
	}})

	require.Eventually(t, func() bool {
		task, _ := registry.Get("task-1")
		return task.Status == subtasks.StatusCompleted && task.Result == "scan complete"
	}, time.Second, 2*time.Millisecond)
}

func TestSubagentFailureResult(t *testing.T) {
	session, connector, _, registry := newTestSession(t, "t-1")
	require.NoError(t, session.Submit(context.Background(), "delegate", stream.SubmitOptions{}))

	run := connector.lastRun()
	run.emit(runtime.MessageEvent{Message: chat.Message{
		ID:        "a-1",
		Role:      chat.RoleAssistant,
		ToolCalls: []chat.ToolCall{{ID: "task-1", Name: chat.ToolTask}},
	}})
	run.emit(runtime.MessageEvent{Message: chat.Message{
		ID:         "r-1",
		Role:       chat.RoleTool,
		ToolCallID: "task-1",
		ToolName:   chat.ToolTask,
		Content:    "subagent crashed",
		Metadata:   map[string]any{"is_error": true},
	}})

	require.Eventually(t, func() bool {
		task, _ := registry.Get("task-1")
		return task.Status == subtasks.StatusFailed && task.Error == "subagent crashed"
	}, time.Second, 2*time.Millisecond)
}

func TestUsageUpdatesFeedTracker(t *testing.T) {
	session, connector, tracker, _ := newTestSession(t, "t-1")
	require.NoError(t, session.Submit(context.Background(), "go", stream.SubmitOptions{}))

	run := connector.lastRun()
	run.emit(
		runtime.UsageUpdateEvent{InputTokens: 100, OutputTokens: 10},
		runtime.UsageUpdateEvent{InputTokens: 20, OutputTokens: 5},
	)

	require.Eventually(t, func() bool {
		snap, active := tracker.Snapshot()
		return active && snap.InputTokens == 120 && snap.OutputTokens == 15
	}, time.Second, 2*time.Millisecond)
}

func TestFailedSubmitKeepsPriorTurnUsage(t *testing.T) {
	session, connector, tracker, _ := newTestSession(t, "t-1")

	tracker.Start()
	tracker.Accumulate(100, 20)

	connector.submitErrs = []error{assert.AnError}
	require.Error(t, session.Submit(context.Background(), "go", stream.SubmitOptions{}))

	snap, active := tracker.Snapshot()
	require.True(t, active)
	assert.Equal(t, 100, snap.InputTokens)
	assert.Equal(t, 20, snap.OutputTokens)
}

func TestDoneClaimsServerAssignedThreadID(t *testing.T) {
	var gotOld, gotNew string
	var finalValues runtime.ThreadValues
	finished := make(chan struct{})

	session, connector, _, _ := newTestSession(t, "",
		stream.WithThreadIDFunc(func(oldID, newID string) {
			gotOld, gotNew = oldID, newID
		}),
		stream.WithFinishFunc(func(values runtime.ThreadValues) {
			finalValues = values
			close(finished)
		}),
	)

	require.NoError(t, session.Submit(context.Background(), "first message", stream.SubmitOptions{}))

	run := connector.lastRun()
	run.emit(runtime.DoneEvent{
		ThreadID: "server-42",
		Values: &runtime.ThreadValues{
			ThreadID: "server-42",
			Title:    "First chat",
			Messages: []chat.Message{{ID: "a-1", Role: chat.RoleAssistant, Content: "welcome"}},
		},
	})
	run.finish()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("finish callback never fired")
	}

	assert.Equal(t, "", gotOld)
	assert.Equal(t, "server-42", gotNew)
	assert.Equal(t, "server-42", session.ThreadID())
	assert.Equal(t, "First chat", finalValues.Title)
}

func TestValuesSnapshotsMergeArtifacts(t *testing.T) {
	session, connector, _, _ := newTestSession(t, "t-1")
	require.NoError(t, session.Submit(context.Background(), "go", stream.SubmitOptions{}))

	run := connector.lastRun()
	run.emit(runtime.ValuesEvent{Values: runtime.ThreadValues{Artifacts: []string{"a.md", "b.md"}}})
	run.emit(runtime.ValuesEvent{Values: runtime.ThreadValues{Artifacts: []string{"c.md"}}})

	require.Eventually(t, func() bool {
		values, ok := session.Values()
		return ok && len(values.Artifacts) == 3
	}, time.Second, 2*time.Millisecond)

	values, _ := session.Values()
	assert.Equal(t, []string{"a.md", "b.md", "c.md"}, values.Artifacts)
}

func TestMountLoadsStateBeforeLiveEvents(t *testing.T) {
	session, connector, _, _ := newTestSession(t, "t-1")
	connector.state = runtime.ThreadValues{
		ThreadID: "t-1",
		Messages: []chat.Message{{ID: "old-1", Role: chat.RoleHuman, Content: "earlier"}},
	}

	require.NoError(t, session.Mount(context.Background()))

	run := connector.lastRun()
	run.finish()
	waitFinished(t, session)

	msgs := session.DisplayMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "old-1", msgs[0].ID)
}

func TestMountFallsBackToHistory(t *testing.T) {
	session, connector, _, _ := newTestSession(t, "t-1")
	connector.stateErr = context.DeadlineExceeded
	connector.history = []runtime.ThreadValues{
		{Messages: []chat.Message{{ID: "recent", Role: chat.RoleAssistant, Content: "latest"}}},
		{Messages: []chat.Message{{ID: "older", Role: chat.RoleAssistant, Content: "stale"}}},
	}

	require.NoError(t, session.Mount(context.Background()))
	run := connector.lastRun()
	run.finish()
	waitFinished(t, session)

	msgs := session.DisplayMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "recent", msgs[0].ID)
}

func TestMountWithoutThreadIDIsNoOp(t *testing.T) {
	session, connector, _, _ := newTestSession(t, "")
	require.NoError(t, session.Mount(context.Background()))
	assert.Empty(t, connector.runs)
	assert.False(t, session.Loading())
}

func TestStopIsIdempotent(t *testing.T) {
	session, connector, _, _ := newTestSession(t, "t-1")

	// No run yet.
	require.NoError(t, session.Stop(context.Background()))

	require.NoError(t, session.Submit(context.Background(), "go", stream.SubmitOptions{}))
	require.NoError(t, session.Stop(context.Background()))
	require.NoError(t, session.Stop(context.Background()))
	assert.Equal(t, 2, connector.lastRun().stops)
}

func TestErrorEventEndsLoading(t *testing.T) {
	session, connector, _, _ := newTestSession(t, "t-1")
	require.NoError(t, session.Submit(context.Background(), "go", stream.SubmitOptions{}))

	run := connector.lastRun()
	run.emit(runtime.ErrorEvent{Err: assert.AnError})
	run.finish()

	waitFinished(t, session)
	assert.False(t, session.Loading())
}

func TestNotificationPreview(t *testing.T) {
	assert.Equal(t, "", stream.NotificationPreview(runtime.ThreadValues{}))

	short := runtime.ThreadValues{Messages: []chat.Message{
		{Role: chat.RoleHuman, Content: "question"},
		{Role: chat.RoleAssistant, Content: "  short answer  "},
	}}
	assert.Equal(t, "short answer", stream.NotificationPreview(short))

	long := runtime.ThreadValues{Messages: []chat.Message{
		{Role: chat.RoleAssistant, Content: strings.Repeat("x", 450)},
	}}
	preview := stream.NotificationPreview(long)
	assert.Equal(t, 201, len([]rune(preview)))
	assert.True(t, strings.HasSuffix(preview, "…"))
}
