package llm

import openai "github.com/sashabaranov/go-openai"

// Assembler reconstructs complete tool calls from the fragments a
// backend streams across many events. Fragments are keyed by their
// index; calls are reported in first-seen order.
//
// An Assembler is used by a single response loop and is not safe for
// concurrent use.
type Assembler struct {
	calls []ToolCall
}

// Add merges one streamed fragment. A non-empty name replaces the
// current one, argument text is appended, and the ID and type keep the
// first non-empty value seen. Fragments without an index count as index 0.
func (a *Assembler) Add(delta openai.ToolCall) {
	idx := 0
	if delta.Index != nil {
		idx = *delta.Index
	}

	call := a.find(idx)
	if call == nil {
		a.calls = append(a.calls, ToolCall{Index: idx})
		call = &a.calls[len(a.calls)-1]
	}

	if delta.ID != "" && call.ID == "" {
		call.ID = delta.ID
	}
	if delta.Type != "" && call.Type == "" {
		call.Type = string(delta.Type)
	}
	if delta.Function.Name != "" {
		call.Name = delta.Function.Name
	}
	call.Arguments += delta.Function.Arguments
}

func (a *Assembler) find(idx int) *ToolCall {
	for i := range a.calls {
		if a.calls[i].Index == idx {
			return &a.calls[i]
		}
	}
	return nil
}

// Len reports how many distinct calls have been seen.
func (a *Assembler) Len() int { return len(a.calls) }

// Calls returns a copy of the assembled calls in first-seen order.
func (a *Assembler) Calls() []ToolCall {
	out := make([]ToolCall, len(a.calls))
	copy(out, a.calls)
	return out
}

