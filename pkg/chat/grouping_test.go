package chat_test

import (
	"github.com/coralogyx/loom/pkg/chat"
	"github.com/coralogyx/loom/pkg/logger"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func toolCallMsg(id string, calls ...chat.ToolCall) chat.Message {
	return chat.NewAssistantMessageWithToolCalls(id, calls)
}

var _ = Describe("GroupMessages", func() {
	It("should group a tool-calling turn into human plus processing", func() {
		messages := []chat.Message{
			chat.NewHumanMessage("h-1", "list the files"),
			toolCallMsg("a-1", chat.ToolCall{ID: "call-1", Name: "bash", Arguments: map[string]any{"command": "ls"}}),
			chat.NewToolResultMessage("t-1", "call-1", "bash", "main.go"),
		}

		groups, err := chat.GroupMessages(messages, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(HaveLen(2))

		Expect(groups[0].Kind).To(Equal(chat.GroupHuman))
		Expect(groups[0].Messages).To(HaveLen(1))

		Expect(groups[1].Kind).To(Equal(chat.GroupProcessing))
		Expect(groups[1].Messages).To(HaveLen(2))
		Expect(groups[1].Messages[0].ID).To(Equal("a-1"))
		Expect(groups[1].Messages[1].ID).To(Equal("t-1"))
	})

	It("should aggregate consecutive tool-call rounds into one processing group", func() {
		messages := []chat.Message{
			chat.NewHumanMessage("h-1", "investigate"),
			toolCallMsg("a-1", chat.ToolCall{ID: "c-1", Name: "bash"}),
			chat.NewToolResultMessage("t-1", "c-1", "bash", "round one"),
			toolCallMsg("a-2", chat.ToolCall{ID: "c-2", Name: "bash"}),
			chat.NewToolResultMessage("t-2", "c-2", "bash", "round two"),
			chat.NewAssistantMessage("a-3", "here is what I found"),
		}

		groups, err := chat.GroupMessages(messages, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(HaveLen(3))
		Expect(groups[1].Kind).To(Equal(chat.GroupProcessing))
		Expect(groups[1].Messages).To(HaveLen(4))
		Expect(groups[2].Kind).To(Equal(chat.GroupAssistant))
	})

	It("should start a fresh processing group after each human turn", func() {
		messages := []chat.Message{
			chat.NewHumanMessage("h-1", "first"),
			toolCallMsg("a-1", chat.ToolCall{ID: "c-1", Name: "bash"}),
			chat.NewToolResultMessage("t-1", "c-1", "bash", "ok"),
			chat.NewHumanMessage("h-2", "second"),
			toolCallMsg("a-2", chat.ToolCall{ID: "c-2", Name: "bash"}),
			chat.NewToolResultMessage("t-2", "c-2", "bash", "ok"),
		}

		groups, err := chat.GroupMessages(messages, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(HaveLen(4))
		Expect(groups[1].ID).NotTo(Equal(groups[3].ID))
		Expect(groups[3].Messages[0].ID).To(Equal("a-2"))
	})

	It("should collect file paths on a present_files group", func() {
		messages := []chat.Message{
			chat.NewHumanMessage("h-1", "show me"),
			toolCallMsg("a-1", chat.ToolCall{
				ID:        "c-1",
				Name:      chat.ToolPresentFiles,
				Arguments: map[string]any{"filepaths": []any{"main.go", "util.go"}},
			}),
			chat.NewToolResultMessage("t-1", "c-1", chat.ToolPresentFiles, "presented"),
		}

		groups, err := chat.GroupMessages(messages, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(HaveLen(2))
		Expect(groups[1].Kind).To(Equal(chat.GroupPresentFiles))
		Expect(groups[1].Files).To(Equal([]string{"main.go", "util.go"}))
		Expect(groups[1].Messages).To(HaveLen(2))
	})

	It("should record dispatched task ids on a subagent group", func() {
		messages := []chat.Message{
			chat.NewHumanMessage("h-1", "delegate"),
			toolCallMsg("a-1",
				chat.ToolCall{ID: "task-1", Name: chat.ToolTask, Arguments: map[string]any{"description": "dig"}},
				chat.ToolCall{ID: "task-2", Name: chat.ToolTask, Arguments: map[string]any{"description": "scan"}},
			),
		}

		groups, err := chat.GroupMessages(messages, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(groups[1].Kind).To(Equal(chat.GroupSubagent))
		Expect(groups[1].TaskIDs).To(Equal([]string{"task-1", "task-2"}))
	})

	It("should give clarification results a dedicated group and keep the attachment", func() {
		messages := []chat.Message{
			chat.NewHumanMessage("h-1", "do the thing"),
			toolCallMsg("a-1", chat.ToolCall{ID: "c-1", Name: chat.ToolAskClarification, Arguments: map[string]any{"question": "which thing?"}}),
			chat.NewToolResultMessage("t-1", "c-1", chat.ToolAskClarification, "which thing?"),
		}

		groups, err := chat.GroupMessages(messages, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(HaveLen(3))
		Expect(groups[1].Kind).To(Equal(chat.GroupProcessing))
		Expect(groups[1].Messages).To(ContainElement(HaveField("ID", "t-1")))
		Expect(groups[2].Kind).To(Equal(chat.GroupClarification))
		Expect(groups[2].Messages).To(HaveLen(1))
	})

	It("should split a reasoning message with visible text into processing and assistant groups", func() {
		messages := []chat.Message{
			chat.NewHumanMessage("h-1", "explain"),
			{
				ID:       "a-1",
				Role:     chat.RoleAssistant,
				Content:  "the answer",
				Metadata: map[string]any{"reasoning_content": "considered carefully"},
			},
		}

		groups, err := chat.GroupMessages(messages, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(HaveLen(3))
		Expect(groups[1].Kind).To(Equal(chat.GroupProcessing))
		Expect(groups[2].Kind).To(Equal(chat.GroupAssistant))
		Expect(groups[2].Messages[0].ID).To(Equal("a-1"))
	})

	It("should keep tool-call-bearing text internal", func() {
		messages := []chat.Message{
			chat.NewHumanMessage("h-1", "go"),
			{
				ID:        "a-1",
				Role:      chat.RoleAssistant,
				Content:   "let me check",
				ToolCalls: []chat.ToolCall{{ID: "c-1", Name: "bash"}},
			},
			chat.NewToolResultMessage("t-1", "c-1", "bash", "checked"),
		}

		groups, err := chat.GroupMessages(messages, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(HaveLen(2))
		Expect(groups[1].Kind).To(Equal(chat.GroupProcessing))
	})

	It("should drop assistant messages with nothing to show", func() {
		messages := []chat.Message{
			chat.NewHumanMessage("h-1", "hello"),
			chat.NewAssistantMessage("a-1", ""),
		}

		groups, err := chat.GroupMessages(messages, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(HaveLen(1))
	})

	It("should fail on a tool result with no matching call", func() {
		messages := []chat.Message{
			chat.NewHumanMessage("h-1", "hello"),
			chat.NewToolResultMessage("t-1", "ghost-call", "bash", "orphan"),
		}

		_, err := chat.GroupMessages(messages, nil)
		Expect(err).To(MatchError(chat.ErrOrderingViolation))
	})

	It("should fail on a tool result arriving after a bare human turn", func() {
		messages := []chat.Message{
			chat.NewHumanMessage("h-1", "first"),
			toolCallMsg("a-1", chat.ToolCall{ID: "c-1", Name: "bash"}),
			chat.NewHumanMessage("h-2", "second"),
			chat.NewToolResultMessage("t-1", "c-1", "bash", "late"),
		}

		_, err := chat.GroupMessages(messages, nil)
		Expect(err).To(MatchError(chat.ErrOrderingViolation))
	})

	It("should apply the map function after grouping", func() {
		messages := []chat.Message{
			chat.NewHumanMessage("h-1", "run"),
			toolCallMsg("a-1", chat.ToolCall{ID: "c-1", Name: "bash"}),
			chat.NewToolResultMessage("t-1", "c-1", "bash", "ok"),
		}

		groups, err := chat.GroupMessages(messages, func(g chat.MessageGroup) (chat.MessageGroup, bool) {
			return g, g.Kind != chat.GroupProcessing
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(HaveLen(1))
		Expect(groups[0].Kind).To(Equal(chat.GroupHuman))
	})

	It("should preserve source order across group kinds", func() {
		messages := []chat.Message{
			chat.NewHumanMessage("h-1", "mix it up"),
			toolCallMsg("a-1", chat.ToolCall{ID: "c-1", Name: "bash"}),
			chat.NewToolResultMessage("t-1", "c-1", "bash", "ok"),
			chat.NewAssistantMessage("a-2", "done"),
			chat.NewHumanMessage("h-2", "more"),
		}

		groups, err := chat.GroupMessages(messages, nil)
		Expect(err).NotTo(HaveOccurred())

		kinds := make([]chat.GroupKind, len(groups))
		for i, g := range groups {
			kinds[i] = g.Kind
		}
		Expect(kinds).To(Equal([]chat.GroupKind{
			chat.GroupHuman, chat.GroupProcessing, chat.GroupAssistant, chat.GroupHuman,
		}))
	})
})

var _ = Describe("FlattenMessages", func() {
	It("should keep only visible human and assistant turns", func() {
		messages := []chat.Message{
			chat.NewHumanMessage("h-1", "hi"),
			toolCallMsg("a-1", chat.ToolCall{ID: "c-1", Name: "bash"}),
			chat.NewToolResultMessage("t-1", "c-1", "bash", "ok"),
			chat.NewAssistantMessage("a-2", "hello"),
		}

		groups := chat.FlattenMessages(messages)
		Expect(groups).To(HaveLen(2))
		Expect(groups[0].Kind).To(Equal(chat.GroupHuman))
		Expect(groups[1].Kind).To(Equal(chat.GroupAssistant))
	})
})

var _ = Describe("GroupOrFlatten", func() {
	It("should degrade to flat rendering when grouping fails", func() {
		messages := []chat.Message{
			chat.NewHumanMessage("h-1", "hi"),
			chat.NewToolResultMessage("t-1", "ghost", "bash", "orphan"),
			chat.NewAssistantMessage("a-1", "reply"),
		}

		groups := chat.GroupOrFlatten(messages, nil, logger.Discard())
		Expect(groups).To(HaveLen(2))
		Expect(groups[0].Kind).To(Equal(chat.GroupHuman))
		Expect(groups[1].Kind).To(Equal(chat.GroupAssistant))
	})

	It("should pass grouped output through untouched on success", func() {
		messages := []chat.Message{
			chat.NewHumanMessage("h-1", "hi"),
			chat.NewAssistantMessage("a-1", "hello"),
		}

		groups := chat.GroupOrFlatten(messages, nil, logger.Discard())
		Expect(groups).To(HaveLen(2))
	})
})
