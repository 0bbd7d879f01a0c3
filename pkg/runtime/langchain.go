package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/coralogyx/loom/pkg/chat"
)

// LocalConnector runs the agent in-process against a langchaingo model.
// It exists for development and headless use without a runtime server;
// threads live only as long as the process.
type LocalConnector struct {
	llm llms.Model

	mu      sync.Mutex
	threads map[string]*localThread
}

type localThread struct {
	values  ThreadValues
	history []ThreadValues
}

func NewLocalConnector(llm llms.Model) *LocalConnector {
	return &LocalConnector{
		llm:     llm,
		threads: make(map[string]*localThread),
	}
}

func (lc *LocalConnector) NewRun(_ context.Context, threadID string) (Run, error) {
	return &localRun{
		connector: lc,
		threadID:  threadID,
		events:    make(chan StreamEvent, 100),
	}, nil
}

// Attach has nothing to rejoin locally: in-process runs die with their
// submit call. Returns a finished run so callers fall back to state fetch.
func (lc *LocalConnector) Attach(_ context.Context, threadID string) (Run, error) {
	run := &localRun{
		connector: lc,
		threadID:  threadID,
		events:    make(chan StreamEvent, 100),
	}
	close(run.events)
	return run, nil
}

func (lc *LocalConnector) State(_ context.Context, threadID string) (ThreadValues, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	t, ok := lc.threads[threadID]
	if !ok {
		return ThreadValues{}, fmt.Errorf("unknown thread %q", threadID)
	}
	return t.values, nil
}

func (lc *LocalConnector) History(_ context.Context, threadID string) ([]ThreadValues, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	t, ok := lc.threads[threadID]
	if !ok {
		return nil, nil
	}
	history := make([]ThreadValues, len(t.history))
	copy(history, t.history)
	return history, nil
}

func (lc *LocalConnector) thread(threadID string) *localThread {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	t, ok := lc.threads[threadID]
	if !ok {
		t = &localThread{values: ThreadValues{ThreadID: threadID}}
		lc.threads[threadID] = t
	}
	return t
}

type localRun struct {
	connector *LocalConnector
	threadID  string
	events    chan StreamEvent

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (r *localRun) Submit(ctx context.Context, text string, opts SubmitOptions) error {
	threadID := opts.ThreadID
	if threadID == "" {
		threadID = r.threadID
	}
	if threadID == "" {
		threadID = uuid.NewString()
	}
	r.threadID = threadID

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	go r.generate(runCtx, threadID, text)
	return nil
}

func (r *localRun) Stop(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	return nil
}

func (r *localRun) Events() <-chan StreamEvent {
	return r.events
}

func (r *localRun) generate(ctx context.Context, threadID, text string) {
	defer close(r.events)

	t := r.connector.thread(threadID)

	human := chat.NewHumanMessage(uuid.NewString(), text)
	r.connector.mu.Lock()
	t.values.Messages = append(t.values.Messages, human)
	lcMessages := toLangchainMessages(t.values.Messages)
	r.connector.mu.Unlock()
	r.events <- MessageEvent{Message: human}

	assistantID := uuid.NewString()
	var content strings.Builder

	streamFunc := func(ctx context.Context, chunk []byte) error {
		content.Write(chunk)
		partial := chat.NewAssistantMessage(assistantID, content.String())
		select {
		case r.events <- MessageEvent{Message: partial}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	resp, err := r.connector.llm.GenerateContent(ctx, lcMessages, llms.WithStreamingFunc(streamFunc))
	if err != nil {
		if ctx.Err() == nil {
			r.events <- ErrorEvent{Err: fmt.Errorf("generation failed: %w", err)}
		}
		return
	}

	final := content.String()
	if final == "" && len(resp.Choices) > 0 {
		final = resp.Choices[0].Content
	}

	assistant := chat.NewAssistantMessage(assistantID, final)

	r.connector.mu.Lock()
	t.values.Messages = append(t.values.Messages, assistant)
	if len(resp.Choices) > 0 {
		if in, ok := resp.Choices[0].GenerationInfo["PromptTokens"].(int); ok {
			t.values.TokenUsage.InputTokens += in
		}
		if out, ok := resp.Choices[0].GenerationInfo["CompletionTokens"].(int); ok {
			t.values.TokenUsage.OutputTokens += out
		}
	}
	snapshot := t.values
	t.history = append([]ThreadValues{snapshot}, t.history...)
	r.connector.mu.Unlock()

	r.events <- MessageEvent{Message: assistant}
	r.events <- ValuesEvent{Values: snapshot}
	r.events <- DoneEvent{ThreadID: threadID, Values: &snapshot}
}

func toLangchainMessages(messages []chat.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		messageType := schema.ChatMessageTypeHuman
		switch m.Role {
		case chat.RoleSystem:
			messageType = schema.ChatMessageTypeSystem
		case chat.RoleAssistant:
			messageType = schema.ChatMessageTypeAI
		case chat.RoleHuman:
			messageType = schema.ChatMessageTypeHuman
		case chat.RoleTool:
			// langchaingo v0.1.7 predates the named ChatMessageTypeTool
			// constant; later versions define it as "tool".
			messageType = schema.ChatMessageType("tool")
		}
		out = append(out, llms.TextParts(messageType, m.VisibleText()))
	}
	return out
}
