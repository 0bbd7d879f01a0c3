// Package subtasks tracks dispatched sub-agent work for conversation
// rendering. Entries are never deleted; they live for the thread's lifetime.
package subtasks

import (
	"sync"

	"github.com/coralogyx/loom/pkg/chat"
)

// Status of a dispatched sub-agent task.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Subtask is the latest known state of one dispatched sub-agent task.
type Subtask struct {
	ID           string
	SubagentType string
	Description  string
	Prompt       string
	Status       Status
	Result       string
	Error        string
	// Message is the latest partial assistant message attached by a
	// task_running progress event.
	Message *chat.Message
}

// Registry is the process-wide task id → subtask map.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tasks map[string]*Subtask
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Subtask)}
}

// Dispatch records a new in-progress task from an assistant "task" tool
// call. Re-dispatching an existing id is a no-op.
func (r *Registry) Dispatch(call chat.ToolCall) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[call.ID]; exists {
		return
	}

	task := &Subtask{
		ID:     call.ID,
		Status: StatusInProgress,
	}
	if s, ok := call.Arguments["subagent_type"].(string); ok {
		task.SubagentType = s
	}
	if s, ok := call.Arguments["description"].(string); ok {
		task.Description = s
	}
	if s, ok := call.Arguments["prompt"].(string); ok {
		task.Prompt = s
	}

	r.tasks[call.ID] = task
	r.order = append(r.order, call.ID)
}

// AttachMessage stores the latest partial assistant message for a task.
// Progress events can arrive before the dispatching tool call has been
// observed, so an unknown id creates an in-progress entry.
func (r *Registry) AttachMessage(taskID string, msg *chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task := r.ensureLocked(taskID)
	task.Message = msg
}

// Complete marks the task done with its result text.
func (r *Registry) Complete(taskID, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task := r.ensureLocked(taskID)
	task.Status = StatusCompleted
	task.Result = result
}

// Fail marks the task failed.
func (r *Registry) Fail(taskID, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task := r.ensureLocked(taskID)
	task.Status = StatusFailed
	task.Error = errMsg
}

// Get returns a copy of the task state.
func (r *Registry) Get(taskID string) (Subtask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return Subtask{}, false
	}
	return *task, true
}

// All returns every task in dispatch order.
func (r *Registry) All() []Subtask {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subtask, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.tasks[id])
	}
	return out
}

func (r *Registry) ensureLocked(taskID string) *Subtask {
	task, ok := r.tasks[taskID]
	if !ok {
		task = &Subtask{ID: taskID, Status: StatusInProgress}
		r.tasks[taskID] = task
		r.order = append(r.order, taskID)
	}
	return task
}
