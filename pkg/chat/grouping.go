package chat

import (
	"errors"
	"fmt"

	"github.com/coralogyx/loom/pkg/logger"
)

// ErrOrderingViolation is returned when a tool result arrives with no
// preceding assistant message bearing the matching tool call. It is fatal
// for the grouping pass; callers degrade to FlattenMessages.
var ErrOrderingViolation = errors.New("tool result has no matching open group")

// GroupMapFunc lets callers transform or drop groups during grouping.
// Returning false drops the group from the output.
type GroupMapFunc func(MessageGroup) (MessageGroup, bool)

// GroupMessages turns an ordered message sequence into an ordered sequence
// of typed groups in a single left-to-right pass.
//
//   - A human message always starts its own group.
//   - A tool result attaches to the open aggregable group; clarification
//     results additionally get a dedicated group of their own.
//   - An assistant message with reasoning or tool calls joins or opens a
//     processing/present-files/subagent group; if it also carries visible
//     content and no tool calls, it opens a separate assistant group too.
//   - An assistant message with only visible content opens a plain
//     assistant group. One with nothing produces no group.
//
// mapFn may be nil, in which case every group is kept.
func GroupMessages(messages []Message, mapFn GroupMapFunc) ([]MessageGroup, error) {
	groups := make([]*MessageGroup, 0, len(messages))

	// openAggregable finds the group tool results may still attach to:
	// scan right-to-left, skipping plain assistant and clarification
	// groups, stopping at the last human turn.
	openAggregable := func() *MessageGroup {
		for i := len(groups) - 1; i >= 0; i-- {
			g := groups[i]
			if g.Kind == GroupHuman {
				return nil
			}
			if g.Kind.Aggregable() {
				return g
			}
		}
		return nil
	}

	for i, m := range messages {
		switch {
		case m.IsHuman():
			groups = append(groups, newGroup(GroupHuman, m))

		case m.IsTool():
			call, found := FindToolCall(m.ToolCallID, messages[:i])
			if !found {
				return nil, fmt.Errorf("%w: tool_call_id %q (message %s)", ErrOrderingViolation, m.ToolCallID, m.ID)
			}
			open := openAggregable()
			if open == nil {
				return nil, fmt.Errorf("%w: message %s", ErrOrderingViolation, m.ID)
			}
			open.Messages = append(open.Messages, m)
			if call.Name == ToolAskClarification {
				// Surfaced on its own in addition to the bookkeeping
				// attachment above.
				groups = append(groups, newGroup(GroupClarification, m))
			}

		case m.IsAssistant():
			hasReasoning := m.HasReasoning()
			if m.HasToolCalls() || hasReasoning {
				switch {
				case m.HasPresentFilesCall():
					g := newGroup(GroupPresentFiles, m)
					g.Files = PresentFilePaths(m)
					groups = append(groups, g)
				case m.HasSubagentCall():
					g := newGroup(GroupSubagent, m)
					for _, tc := range SubagentCalls(m) {
						g.TaskIDs = append(g.TaskIDs, tc.ID)
					}
					groups = append(groups, g)
				default:
					if open := openAggregable(); open != nil && open.Kind == GroupProcessing {
						open.Messages = append(open.Messages, m)
					} else {
						groups = append(groups, newGroup(GroupProcessing, m))
					}
				}
				// Text renders standalone only when there are no tool
				// calls; a tool-call-bearing message stays internal even
				// if it also has visible text.
				if m.HasVisibleContent() && !m.HasToolCalls() {
					groups = append(groups, newGroup(GroupAssistant, m))
				}
			} else if m.HasVisibleContent() {
				groups = append(groups, newGroup(GroupAssistant, m))
			}
		}
	}

	out := make([]MessageGroup, 0, len(groups))
	for _, g := range groups {
		if mapFn == nil {
			out = append(out, *g)
			continue
		}
		mapped, keep := mapFn(*g)
		if keep {
			out = append(out, mapped)
		}
	}
	return out, nil
}

// FlattenMessages is the degraded fallback used when grouping fails: one
// group per human/assistant message with visible content, tool and internal
// messages dropped.
func FlattenMessages(messages []Message) []MessageGroup {
	groups := make([]MessageGroup, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.IsHuman():
			groups = append(groups, *newGroup(GroupHuman, m))
		case m.IsAssistant() && m.HasVisibleContent():
			groups = append(groups, *newGroup(GroupAssistant, m))
		}
	}
	return groups
}

// GroupOrFlatten runs GroupMessages and falls back to naive flat rendering
// on a classification error. Grouping failures never propagate to the view.
func GroupOrFlatten(messages []Message, mapFn GroupMapFunc, log *logger.Logger) []MessageGroup {
	groups, err := GroupMessages(messages, mapFn)
	if err != nil {
		if log != nil {
			log.Error("message grouping failed, rendering flat: %v", err)
		}
		return FlattenMessages(messages)
	}
	return groups
}
