package chat

// GroupKind classifies a message group for display.
type GroupKind string

const (
	// GroupHuman is a single human turn.
	GroupHuman GroupKind = "human"
	// GroupAssistant is a plain, directly visible assistant reply.
	GroupAssistant GroupKind = "assistant"
	// GroupProcessing is a burst of reasoning/tool-call assistant messages
	// with no standalone visible reply, plus their tool results.
	GroupProcessing GroupKind = "processing"
	// GroupClarification is a clarification-request tool result surfaced
	// prominently on its own.
	GroupClarification GroupKind = "clarification"
	// GroupPresentFiles is a present_files tool call plus its results.
	GroupPresentFiles GroupKind = "present_files"
	// GroupSubagent is a sub-agent dispatch plus its status fan-out.
	GroupSubagent GroupKind = "subagent"
)

// Aggregable reports whether tool results may attach to a group of this
// kind.
func (k GroupKind) Aggregable() bool {
	switch k {
	case GroupProcessing, GroupPresentFiles, GroupSubagent:
		return true
	}
	return false
}

// MessageGroup is a display-oriented aggregate of consecutive messages.
// Group order mirrors source message order.
type MessageGroup struct {
	ID       string
	Kind     GroupKind
	Messages []Message

	// Files is the aggregated file list for present_files groups.
	Files []string
	// TaskIDs holds the dispatched sub-agent task ids for subagent groups.
	TaskIDs []string
}

// newGroup derives the group id from its anchor (first) message.
func newGroup(kind GroupKind, anchor Message) *MessageGroup {
	return &MessageGroup{
		ID:       string(kind) + ":" + anchor.ID,
		Kind:     kind,
		Messages: []Message{anchor},
	}
}
