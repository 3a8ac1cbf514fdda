// Package llm speaks the OpenAI-compatible chat-completion protocol:
// message model, streamed-event decoding and tool-call reassembly.
package llm

import (
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
	RoleTool      = openai.ChatMessageRoleTool
)

// FinishToolCalls is the finish_reason a backend sends when it wants the
// accumulated tool calls executed before it continues.
const FinishToolCalls = string(openai.FinishReasonToolCalls)

// Message is one entry of a conversation sent to the backend.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model. Arguments holds
// the raw JSON text as the backend produced it and is not guaranteed to
// be valid until the response has finished.
type ToolCall struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResultMessage builds the tool-role message answering call.
func ToolResultMessage(call ToolCall, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: call.ID}
}

// toWire converts messages to the go-openai representation used on the wire.
func toWire(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if len(m.ToolCalls) > 0 {
			wm.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				typ := openai.ToolType(tc.Type)
				if typ == "" {
					typ = openai.ToolTypeFunction
				}
				wm.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: typ,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				}
			}
		}
		out = append(out, wm)
	}
	return out
}

// fromWire converts a complete (non-streamed) assistant message.
func fromWire(m openai.ChatCompletionMessage) Message {
	msg := Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
	for i, tc := range m.ToolCalls {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			Index:     idx,
			ID:        tc.ID,
			Type:      string(tc.Type),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return msg
}
