package llm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	openai "github.com/sashabaranov/go-openai"
)

func idx(i int) *int { return &i }

func frag(index int, id, name, args string) openai.ToolCall {
	return openai.ToolCall{
		Index:    idx(index),
		ID:       id,
		Function: openai.FunctionCall{Name: name, Arguments: args},
	}
}

func TestAssembler_WeatherExample(t *testing.T) {
	var a Assembler
	a.Add(frag(0, "c1", "Weather", ""))
	a.Add(frag(0, "", "", `{"city":`))
	a.Add(frag(0, "", "", `"Paris"}`))

	want := []ToolCall{{Index: 0, ID: "c1", Name: "Weather", Arguments: `{"city":"Paris"}`}}
	if diff := cmp.Diff(want, a.Calls()); diff != "" {
		t.Errorf("Calls() mismatch (-want +got):\n%s", diff)
	}
}

func TestAssembler_InterleavedIndices(t *testing.T) {
	var a Assembler
	a.Add(frag(0, "a", "Search", `{"q":`))
	a.Add(frag(1, "b", "Clock", `{}`))
	a.Add(frag(0, "", "", `"go"}`))

	want := []ToolCall{
		{Index: 0, ID: "a", Name: "Search", Arguments: `{"q":"go"}`},
		{Index: 1, ID: "b", Name: "Clock", Arguments: `{}`},
	}
	if diff := cmp.Diff(want, a.Calls()); diff != "" {
		t.Errorf("Calls() mismatch (-want +got):\n%s", diff)
	}
}

func TestAssembler_FieldRules(t *testing.T) {
	tests := []struct {
		name  string
		frags []openai.ToolCall
		want  ToolCall
	}{
		{
			name:  "last non-empty name wins",
			frags: []openai.ToolCall{frag(0, "x", "First", ""), frag(0, "", "", "{"), frag(0, "", "Second", "}")},
			want:  ToolCall{ID: "x", Name: "Second", Arguments: "{}"},
		},
		{
			name:  "empty name never clears",
			frags: []openai.ToolCall{frag(0, "", "Keep", ""), frag(0, "", "", "")},
			want:  ToolCall{Name: "Keep"},
		},
		{
			name:  "first id kept",
			frags: []openai.ToolCall{frag(0, "", "", ""), frag(0, "id-1", "", ""), frag(0, "id-2", "", "")},
			want:  ToolCall{ID: "id-1"},
		},
		{
			name:  "missing index is zero",
			frags: []openai.ToolCall{{ID: "n", Function: openai.FunctionCall{Name: "NoIndex", Arguments: "[]"}}},
			want:  ToolCall{ID: "n", Name: "NoIndex", Arguments: "[]"},
		},
		{
			name: "type kept from first fragment",
			frags: []openai.ToolCall{
				{Index: idx(0), Type: openai.ToolTypeFunction},
				{Index: idx(0), Type: "other"},
			},
			want: ToolCall{Type: "function"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a Assembler
			for _, f := range tt.frags {
				a.Add(f)
			}
			got := a.Calls()
			if len(got) != 1 {
				t.Fatalf("len(Calls()) = %d, want 1", len(got))
			}
			if diff := cmp.Diff(tt.want, got[0]); diff != "" {
				t.Errorf("call mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// Splitting the same argument text at any boundary yields the same result.
func TestAssembler_ArgumentSplitInvariance(t *testing.T) {
	const args = `{"city":"Paris","units":"metric"}`
	for cut := 0; cut <= len(args); cut++ {
		var a Assembler
		a.Add(frag(0, "c", "Weather", args[:cut]))
		a.Add(frag(0, "", "", args[cut:]))
		if got := a.Calls()[0].Arguments; got != args {
			t.Fatalf("cut %d: Arguments = %q, want %q", cut, got, args)
		}
	}
}

func TestAssembler_SparseIndices(t *testing.T) {
	var a Assembler
	a.Add(frag(2, "late", "B", ""))
	a.Add(frag(0, "early", "A", ""))
	if a.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", a.Len())
	}
	got := a.Calls()
	if got[0].ID != "late" || got[1].ID != "early" {
		t.Errorf("order = %q, %q; want first-seen order", got[0].ID, got[1].ID)
	}

	got[0].Name = "mutated"
	if a.Calls()[0].Name != "B" {
		t.Error("Calls() exposed internal state")
	}

	var fresh Assembler
	if fresh.Len() != 0 || len(fresh.Calls()) != 0 {
		t.Errorf("zero Assembler holds %d calls", fresh.Len())
	}
}
