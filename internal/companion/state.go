package companion

import (
	"slices"
	"sync"

	"github.com/nugget/furina/internal/llm"
)

// State is a companion's conversation history plus the cursor marking
// how much of it reflection has already consolidated. History only
// grows; the cursor only moves forward except when it is found beyond
// the end of the history, in which case it resets to zero.
type State struct {
	mu        sync.Mutex
	history   []llm.Message
	processed int
}

// heal must be called with mu held.
func (s *State) heal() {
	if s.processed < 0 || s.processed > len(s.history) {
		s.processed = 0
	}
}

// Append records one completed exchange, user turn first.
func (s *State) Append(user, assistant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history,
		llm.Message{Role: llm.RoleUser, Content: user},
		llm.Message{Role: llm.RoleAssistant, Content: assistant},
	)
}

// Unprocessed returns a copy of the turns reflection has not seen and
// the history length they end at. Pass end to Advance once they have
// been consolidated.
func (s *State) Unprocessed() ([]llm.Message, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heal()
	return slices.Clone(s.history[s.processed:]), len(s.history)
}

// Backlog returns how many turns are waiting for reflection.
func (s *State) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heal()
	return len(s.history) - s.processed
}

// Advance moves the cursor to end. It never moves backwards and never
// past the history.
func (s *State) Advance(end int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heal()
	end = min(end, len(s.history))
	if end > s.processed {
		s.processed = end
	}
}

// Recent returns a copy of the last n turns.
func (s *State) Recent(n int) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return nil
	}
	start := max(len(s.history)-n, 0)
	return slices.Clone(s.history[start:])
}

// Snapshot returns a copy of the whole history.
func (s *State) Snapshot() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Len returns the number of recorded turns.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Processed returns the reflection cursor.
func (s *State) Processed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heal()
	return s.processed
}
