package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Memory types recorded in entry metadata under the "type" key.
const (
	TypeShortTerm = "short-term"
	TypeActivity  = "activity"
)

// ListLimit caps how many ranked memories Memories returns for a query.
const ListLimit = 15

// Recall is a listed memory. Distance is nil when the listing was not
// ranked against a query.
type Recall struct {
	ID       string            `json:"id"`
	Document string            `json:"document"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Distance *float64          `json:"distance,omitempty"`
}

// Collection is one companion's view of its memory store.
type Collection struct {
	store  Store
	name   string
	logger *slog.Logger
	newID  func() string
}

// NewCollection wraps store for the companion whose collection is name.
func NewCollection(store Store, name string, logger *slog.Logger) *Collection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collection{
		store:  store,
		name:   name,
		logger: logger.With("collection", name),
		newID:  newEntryID,
	}
}

func newEntryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Seed imports base memories if the collection is empty and reports
// how many were written.
func (c *Collection) Seed(ctx context.Context, base []Entry) (int, error) {
	n, err := c.store.Count(ctx)
	if err != nil {
		return 0, err
	}
	c.logger.Info("memory collection opened", "memories", n)
	if n > 0 || len(base) == 0 {
		return 0, nil
	}

	entries := make([]Entry, len(base))
	for i, e := range base {
		if e.ID == "" {
			e.ID = c.newID()
		}
		entries[i] = e
	}
	if err := c.store.Upsert(ctx, entries); err != nil {
		return 0, fmt.Errorf("seed base memories: %w", err)
	}
	c.logger.Info("imported base memories", "count", len(entries))
	return len(entries), nil
}

// Create stores each document as a new short-term memory.
func (c *Collection) Create(ctx context.Context, docs ...string) ([]Entry, error) {
	return c.create(ctx, TypeShortTerm, docs)
}

// CreateActivities stores each document as an activity memory.
func (c *Collection) CreateActivities(ctx context.Context, docs ...string) ([]Entry, error) {
	return c.create(ctx, TypeActivity, docs)
}

func (c *Collection) create(ctx context.Context, typ string, docs []string) ([]Entry, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	entries := make([]Entry, len(docs))
	for i, d := range docs {
		entries[i] = Entry{
			ID:       c.newID(),
			Document: d,
			Metadata: map[string]string{"type": typ},
		}
	}
	if err := c.store.Upsert(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ClearType deletes every memory of the given type and reports how
// many were removed.
func (c *Collection) ClearType(ctx context.Context, typ string) (int, error) {
	entries, err := c.store.Get(ctx, map[string]string{"type": typ})
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := c.store.Delete(ctx, ids); err != nil {
		return 0, err
	}
	c.logger.Info("cleared memories", "type", typ, "count", len(ids))
	return len(ids), nil
}

// Memories lists stored memories. An empty query returns everything in
// insertion order without distances; otherwise up to ListLimit entries
// ranked by ascending distance to query.
func (c *Collection) Memories(ctx context.Context, query string) ([]Recall, error) {
	if query == "" {
		entries, err := c.store.Get(ctx, nil)
		if err != nil {
			return nil, err
		}
		out := make([]Recall, len(entries))
		for i, e := range entries {
			out[i] = Recall{ID: e.ID, Document: e.Document, Metadata: e.Metadata}
		}
		return out, nil
	}

	results, err := c.store.Query(ctx, query, ListLimit)
	if err != nil {
		return nil, err
	}
	out := make([]Recall, len(results))
	for i, r := range results {
		d := r.Distance
		out[i] = Recall{ID: r.ID, Document: r.Document, Metadata: r.Metadata, Distance: &d}
	}
	return out, nil
}

// Recall returns the k memories closest to text.
func (c *Collection) Recall(ctx context.Context, text string, k int) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	return c.store.Query(ctx, text, k)
}

// Count returns the number of stored memories.
func (c *Collection) Count(ctx context.Context) (int, error) {
	return c.store.Count(ctx)
}
