// Package runtime talks to the agent runtime: the remote service that
// accepts a message plus context and emits a stream of state deltas.
package runtime

import (
	"context"

	"github.com/coralogyx/loom/pkg/chat"
)

// Checkpoint is an opaque pointer into the runtime's persisted state graph,
// used to resume or branch history.
type Checkpoint struct {
	ID        string         `json:"checkpoint_id"`
	Namespace string         `json:"checkpoint_ns,omitempty"`
	Map       map[string]any `json:"checkpoint_map,omitempty"`
}

// TokenUsage is the cumulative, server-reported usage for a thread.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TodoItem is one entry of the agent's working plan.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// ThreadValues is a per-thread state snapshot.
type ThreadValues struct {
	ThreadID   string         `json:"thread_id"`
	Title      string         `json:"title,omitempty"`
	Messages   []chat.Message `json:"messages"`
	Artifacts  []string       `json:"artifacts,omitempty"`
	Todos      []TodoItem     `json:"todos,omitempty"`
	TokenUsage TokenUsage     `json:"token_usage"`
}

// MergeArtifacts appends incoming artifacts to existing, deduplicating
// while preserving first-seen order.
func MergeArtifacts(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, lists := range [][]string{existing, incoming} {
		for _, a := range lists {
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			merged = append(merged, a)
		}
	}
	return merged
}

// SubmitOptions control a run submission.
type SubmitOptions struct {
	ThreadID string
	// Resumable asks the runtime to keep the event feed reattachable after
	// a disconnect. Resubmissions after an edit force it off so a clean new
	// stream starts instead of continuing a stale one.
	Resumable      bool
	Checkpoint     *Checkpoint
	StreamModes    []string
	RecursionLimit int
}

// Run is one live subscription to an agent run. Events is closed when the
// run finishes or fails; Stop is idempotent.
type Run interface {
	Submit(ctx context.Context, text string, opts SubmitOptions) error
	Stop(ctx context.Context) error
	Events() <-chan StreamEvent
}

// Connector creates and reattaches runs for threads.
type Connector interface {
	// NewRun prepares a run for the given thread. An empty threadID means
	// a new provisional thread; the server-assigned id arrives with the
	// done event.
	NewRun(ctx context.Context, threadID string) (Run, error)
	// Attach rejoins an in-progress resumable run without losing already
	// emitted events.
	Attach(ctx context.Context, threadID string) (Run, error)
	// State fetches the current value snapshot for a thread.
	State(ctx context.Context, threadID string) (ThreadValues, error)
	// History fetches prior state snapshots, most recent first.
	History(ctx context.Context, threadID string) ([]ThreadValues, error)
}
