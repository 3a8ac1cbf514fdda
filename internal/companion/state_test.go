package companion

import (
	"sync"
	"testing"

	"github.com/nugget/furina/internal/llm"
)

func TestState_AppendOrder(t *testing.T) {
	var s State
	s.Append("u1", "a1")
	s.Append("u2", "a2")

	snap := s.Snapshot()
	want := []string{"u1", "a1", "u2", "a2"}
	for i, m := range snap {
		if m.Content != want[i] {
			t.Errorf("history[%d] = %q, want %q", i, m.Content, want[i])
		}
	}
	if snap[0].Role != llm.RoleUser || snap[1].Role != llm.RoleAssistant {
		t.Errorf("roles = %s, %s", snap[0].Role, snap[1].Role)
	}
}

func TestState_AdvanceMonotoneAndClamped(t *testing.T) {
	var s State
	s.Append("u", "a")
	s.Append("u", "a")

	s.Advance(2)
	s.Advance(1)
	if s.Processed() != 2 {
		t.Errorf("cursor moved backwards: %d", s.Processed())
	}
	s.Advance(99)
	if s.Processed() != 4 {
		t.Errorf("cursor = %d, want clamp to 4", s.Processed())
	}
	if pending, end := s.Unprocessed(); len(pending) != 0 || end != 4 {
		t.Errorf("Unprocessed = %d msgs, end %d", len(pending), end)
	}
}

func TestState_SelfHeal(t *testing.T) {
	s := State{processed: 7}
	s.Append("u", "a")
	if got := s.Processed(); got != 0 {
		t.Errorf("processed = %d, want reset to 0", got)
	}
	if pending, _ := s.Unprocessed(); len(pending) != 2 {
		t.Errorf("pending = %d, want 2", len(pending))
	}
}

func TestState_CopiesAreIndependent(t *testing.T) {
	var s State
	s.Append("u", "a")
	pending, _ := s.Unprocessed()
	pending[0].Content = "mutated"
	recent := s.Recent(1)
	recent[0].Content = "mutated"

	if snap := s.Snapshot(); snap[0].Content != "u" || snap[1].Content != "a" {
		t.Errorf("state changed through a copy: %+v", snap)
	}
}

func TestState_Recent(t *testing.T) {
	var s State
	s.Append("u1", "a1")
	s.Append("u2", "a2")

	if got := s.Recent(3); len(got) != 3 || got[0].Content != "a1" {
		t.Errorf("Recent(3) = %+v", got)
	}
	if got := s.Recent(10); len(got) != 4 {
		t.Errorf("Recent(10) len = %d", len(got))
	}
	if got := s.Recent(0); got != nil {
		t.Errorf("Recent(0) = %+v", got)
	}
}

func TestState_ConcurrentAppendAndAdvance(t *testing.T) {
	var s State
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Append("u", "a")
		}()
		go func() {
			defer wg.Done()
			before := s.Processed()
			_, end := s.Unprocessed()
			s.Advance(end)
			if after := s.Processed(); after < before {
				t.Errorf("cursor decreased %d -> %d", before, after)
			}
		}()
	}
	wg.Wait()

	if s.Len() != 100 {
		t.Errorf("len = %d, want 100", s.Len())
	}
	if p := s.Processed(); p > s.Len() || p%2 != 0 {
		t.Errorf("processed = %d", p)
	}
}
