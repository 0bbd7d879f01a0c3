package chat

import "strings"

// HasVisibleContent reports whether the message carries anything a user
// would see directly: non-empty plain text, or a text/image block.
func (m Message) HasVisibleContent() bool {
	if strings.TrimSpace(m.Content) != "" {
		return true
	}
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockText:
			if strings.TrimSpace(b.Text) != "" {
				return true
			}
		case BlockImage:
			return true
		}
	}
	return false
}

// HasReasoning reports whether a reasoning payload is present anywhere on
// the message.
func (m Message) HasReasoning() bool {
	_, ok := ExtractReasoning(m)
	return ok
}

// ExtractReasoning pulls the reasoning/thinking text out of a message.
// Provider payloads differ, so it checks in priority order:
//
//  1. metadata "reasoning_content" (plain string)
//  2. metadata "summary" (string, or list of {text} items joined by newline)
//  3. metadata "reasoning" (plain string)
//  4. thinking/reasoning typed content blocks, joined by a blank line
//
// The first non-empty match wins. If nothing matches, ok is false.
func ExtractReasoning(m Message) (string, bool) {
	if s, ok := stringMeta(m.Metadata, "reasoning_content"); ok {
		return s, true
	}
	if s, ok := summaryMeta(m.Metadata); ok {
		return s, true
	}
	if s, ok := stringMeta(m.Metadata, "reasoning"); ok {
		return s, true
	}

	var parts []string
	for _, b := range m.Blocks {
		if b.Type == BlockThinking || b.Type == BlockReasoning {
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n\n"), true
	}

	return "", false
}

func stringMeta(meta map[string]any, key string) (string, bool) {
	if meta == nil {
		return "", false
	}
	s, ok := meta[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// summaryMeta handles the structured "summary" reasoning field: either a
// plain string or an ordered list of {text: ...} items.
func summaryMeta(meta map[string]any) (string, bool) {
	if meta == nil {
		return "", false
	}
	switch v := meta["summary"].(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			return v, true
		}
	case []any:
		var parts []string
		for _, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := entry["text"].(string); ok && strings.TrimSpace(text) != "" {
				parts = append(parts, text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n"), true
		}
	}
	return "", false
}

// PresentFilePaths flattens the "filepaths" arguments of every present_files
// tool call on the message.
func PresentFilePaths(m Message) []string {
	var paths []string
	for _, tc := range m.ToolCalls {
		if tc.Name != ToolPresentFiles {
			continue
		}
		raw, ok := tc.Arguments["filepaths"].([]any)
		if !ok {
			continue
		}
		for _, p := range raw {
			if s, ok := p.(string); ok {
				paths = append(paths, s)
			}
		}
	}
	return paths
}

// SubagentCalls returns every "task" dispatch carried by the message.
func SubagentCalls(m Message) []ToolCall {
	var calls []ToolCall
	for _, tc := range m.ToolCalls {
		if tc.Name == ToolTask {
			calls = append(calls, tc)
		}
	}
	return calls
}

// FindToolCall scans assistant messages for the tool call with the given id.
func FindToolCall(toolCallID string, messages []Message) (ToolCall, bool) {
	for _, m := range messages {
		if !m.IsAssistant() {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == toolCallID {
				return tc, true
			}
		}
	}
	return ToolCall{}, false
}

// FindToolResult returns the extracted text of the first tool-role message
// whose tool_call_id matches.
func FindToolResult(toolCallID string, messages []Message) (string, bool) {
	for _, m := range messages {
		if m.IsTool() && m.ToolCallID == toolCallID {
			return m.VisibleText(), true
		}
	}
	return "", false
}
