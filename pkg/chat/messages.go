package chat

import (
	"strings"
	"time"
)

// Message is the atomic unit of the agent feed. Content may be plain text,
// an ordered list of typed blocks, or both (blocks win for display).
type Message struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ContentBlock is one typed element of a message's structured content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// ToolCall is a single tool invocation carried by an assistant message.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

const (
	RoleHuman     = "human"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

const (
	BlockText      = "text"
	BlockImage     = "image"
	BlockThinking  = "thinking"
	BlockReasoning = "reasoning"
)

// Builtin tool names the classifier routes on.
const (
	ToolPresentFiles     = "present_files"
	ToolTask             = "task"
	ToolAskClarification = "ask_clarification"
)

func NewHumanMessage(id, content string) Message {
	return Message{
		ID:        id,
		Role:      RoleHuman,
		Content:   strings.TrimSpace(content),
		Timestamp: time.Now(),
	}
}

func NewAssistantMessage(id, content string) Message {
	return Message{
		ID:        id,
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func NewAssistantMessageWithToolCalls(id string, toolCalls []ToolCall) Message {
	return Message{
		ID:        id,
		Role:      RoleAssistant,
		ToolCalls: toolCalls,
		Timestamp: time.Now(),
	}
}

func NewToolResultMessage(id, toolCallID, toolName, content string) Message {
	return Message{
		ID:         id,
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Timestamp:  time.Now(),
	}
}

func (m Message) IsHuman() bool {
	return m.Role == RoleHuman
}

func (m Message) IsAssistant() bool {
	return m.Role == RoleAssistant
}

func (m Message) IsTool() bool {
	return m.Role == RoleTool
}

func (m Message) IsSystem() bool {
	return m.Role == RoleSystem
}

func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// HasToolCall reports whether any tool call on the message matches name.
func (m Message) HasToolCall(name string) bool {
	for _, tc := range m.ToolCalls {
		if tc.Name == name {
			return true
		}
	}
	return false
}

func (m Message) HasPresentFilesCall() bool {
	return m.HasToolCall(ToolPresentFiles)
}

func (m Message) HasSubagentCall() bool {
	return m.HasToolCall(ToolTask)
}

func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Content) == "" && len(m.Blocks) == 0
}

// VisibleText returns the user-visible text of the message: the plain
// content plus any text blocks, in order.
func (m Message) VisibleText() string {
	parts := make([]string, 0, 1+len(m.Blocks))
	if strings.TrimSpace(m.Content) != "" {
		parts = append(parts, m.Content)
	}
	for _, b := range m.Blocks {
		if b.Type == BlockText && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
