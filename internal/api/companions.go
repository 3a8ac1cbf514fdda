package api

import (
	"net/http"

	"github.com/nugget/furina/internal/companion"
	"github.com/nugget/furina/internal/memory"
)

// CompanionSummary describes one companion for GET /v1/companions.
type CompanionSummary struct {
	Name       string `json:"name"`
	Collection string `json:"collection"`
	History    int    `json:"history"`
	Processed  int    `json:"processed"`
	Backlog    int    `json:"backlog"`
	Memories   int    `json:"memories"`
}

// lookupCompanion looks up the companion named in the request path, writing
// a 404 when there is none.
func (s *Server) lookupCompanion(w http.ResponseWriter, r *http.Request) (*companion.Companion, bool) {
	name := r.PathValue("name")
	c, err := s.companions.Find(name)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return c, true
}

func (s *Server) handleCompanionList(w http.ResponseWriter, r *http.Request) {
	all := s.companions.All()
	out := make([]CompanionSummary, 0, len(all))
	for _, c := range all {
		n, err := c.MemoryCount(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		st := c.State()
		out = append(out, CompanionSummary{
			Name:       c.Name(),
			Collection: c.Config().CollectionName,
			History:    st.Len(),
			Processed:  st.Processed(),
			Backlog:    st.Backlog(),
			Memories:   n,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"companions": out}, s.logger)
}

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCompanion(w, r)
	if !ok {
		return
	}

	mems, err := c.Memories(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if mems == nil {
		mems = []memory.Recall{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"companion": c.Name(), "memories": mems}, s.logger)
}

func (s *Server) handleMemoryClear(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCompanion(w, r)
	if !ok {
		return
	}

	typ := r.URL.Query().Get("type")
	if typ == "" {
		s.writeError(w, &companion.ValidationError{Field: "type", Reason: "is required"})
		return
	}

	n, err := c.ClearMemories(r.Context(), typ)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("memories cleared", "companion", c.Name(), "type", typ, "deleted", n)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"companion": c.Name(), "deleted": n}, s.logger)
}

func (s *Server) handleReflect(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCompanion(w, r)
	if !ok {
		return
	}

	n, err := c.Reflect(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"companion": c.Name(),
		"created":   n,
		"backlog":   c.State().Backlog(),
	}, s.logger)
}

func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCompanion(w, r)
	if !ok {
		return
	}

	text, err := c.KnowledgeSection(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"companion": c.Name(), "knowledge": text}, s.logger)
}
