// Package memory provides each companion's long-term memory: a
// collection of short documents retrievable by semantic similarity.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nugget/furina/internal/embeddings"
)

// Entry is one stored memory.
type Entry struct {
	ID       string            `json:"id" yaml:"id"`
	Document string            `json:"document" yaml:"document"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Result is an Entry ranked against a query. Smaller Distance is closer.
type Result struct {
	Entry
	Distance float64 `json:"distance"`
}

// Store is a single collection of memories.
type Store interface {
	// Upsert inserts entries, replacing any with the same ID. Replaced
	// entries keep their original insertion position.
	Upsert(ctx context.Context, entries []Entry) error

	// Query returns up to k entries ordered by ascending distance to text.
	Query(ctx context.Context, text string, k int) ([]Result, error)

	// Get returns entries whose metadata contains every key/value pair
	// in where, in insertion order. A nil filter matches everything.
	Get(ctx context.Context, where map[string]string) ([]Entry, error)

	// Delete removes entries by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids []string) error

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)
}

// StoreError wraps a failure from the backing store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("memory %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

func matches(meta, where map[string]string) bool {
	for k, v := range where {
		if got, ok := meta[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// rank sorts candidates by distance to query and keeps the k closest.
func rank(query []float32, entries []Entry, vectors [][]float32, k int) []Result {
	results := make([]Result, len(entries))
	for i, e := range entries {
		results[i] = Result{Entry: e, Distance: embeddings.Distance(query, vectors[i])}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if k >= 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

type memEntry struct {
	Entry
	vector []float32
}

// MemStore is an in-process Store. It is safe for concurrent use and
// loses its contents when the process exits.
type MemStore struct {
	mu       sync.RWMutex
	embedder embeddings.Embedder
	entries  []memEntry
	index    map[string]int
}

// NewMemStore creates an empty in-process store.
func NewMemStore(embedder embeddings.Embedder) *MemStore {
	if embedder == nil {
		embedder = embeddings.NewHashing(0)
	}
	return &MemStore{
		embedder: embedder,
		index:    make(map[string]int),
	}
}

// Upsert implements Store.
func (s *MemStore) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]string, len(entries))
	for i, e := range entries {
		docs[i] = e.Document
	}
	vectors, err := s.embedder.Embed(ctx, docs)
	if err != nil {
		return storeErr("upsert", fmt.Errorf("embed documents: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range entries {
		me := memEntry{
			Entry:  Entry{ID: e.ID, Document: e.Document, Metadata: copyMeta(e.Metadata)},
			vector: vectors[i],
		}
		if pos, ok := s.index[e.ID]; ok {
			s.entries[pos] = me
			continue
		}
		s.index[e.ID] = len(s.entries)
		s.entries = append(s.entries, me)
	}
	return nil
}

// Query implements Store.
func (s *MemStore) Query(ctx context.Context, text string, k int) ([]Result, error) {
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, storeErr("query", fmt.Errorf("embed query: %w", err))
	}

	s.mu.RLock()
	entries := make([]Entry, len(s.entries))
	candidates := make([][]float32, len(s.entries))
	for i, e := range s.entries {
		entries[i] = Entry{ID: e.ID, Document: e.Document, Metadata: copyMeta(e.Metadata)}
		candidates[i] = e.vector
	}
	s.mu.RUnlock()

	return rank(vectors[0], entries, candidates, k), nil
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, where map[string]string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if matches(e.Metadata, where) {
			out = append(out, Entry{ID: e.ID, Document: e.Document, Metadata: copyMeta(e.Metadata)})
		}
	}
	return out, nil
}

// Delete implements Store.
func (s *MemStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	s.entries = kept

	s.index = make(map[string]int, len(s.entries))
	for i, e := range s.entries {
		s.index[e.ID] = i
	}
	return nil
}

// Count implements Store.
func (s *MemStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}
