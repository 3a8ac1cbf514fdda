package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/furina/internal/companion"
)

// AskResponse is the non-streaming reply to POST /v1/ask.
type AskResponse struct {
	Companion string `json:"companion"`
	Response  string `json:"response"`
}

// StreamChunk is one server-sent event of a streamed reply.
type StreamChunk struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"`
	Created   int64          `json:"created"`
	Companion string         `json:"companion"`
	Choices   []StreamChoice `json:"choices"`
}

// StreamChoice carries the delta of a streamed reply.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamDelta is the incremental content of a streamed reply.
type StreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	c, req, err := s.companions.Resolve(body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("prompt received",
		"companion", c.Name(),
		"source", req.Source,
		"stream", req.Stream,
		"memory_lookup", req.AllowMemoryLookup,
		"memory_insertion", req.AllowMemoryInsertion,
	)

	if req.Stream {
		s.handleStreamingAsk(w, r, c, req)
		return
	}

	reply, err := c.Ask(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, AskResponse{Companion: c.Name(), Response: reply}, s.logger)
}

func (s *Server) handleStreamingAsk(w http.ResponseWriter, r *http.Request, c *companion.Companion, req *companion.PromptRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := "ask-" + uuid.NewString()
	created := time.Now().Unix()
	chunk := func(delta StreamDelta, finish *string) StreamChunk {
		return StreamChunk{
			ID:        id,
			Object:    "chat.completion.chunk",
			Created:   created,
			Companion: c.Name(),
			Choices:   []StreamChoice{{Delta: delta, FinishReason: finish}},
		}
	}

	s.writeSSE(w, chunk(StreamDelta{Role: "assistant"}, nil))
	flusher.Flush()

	// Long replies outlive the server's WriteTimeout; extend the
	// deadline as tokens arrive.
	rc := http.NewResponseController(w)
	_, err := c.AskStream(r.Context(), req, func(token string) {
		_ = rc.SetWriteDeadline(time.Now().Add(2 * time.Minute))
		s.writeSSE(w, chunk(StreamDelta{Content: token}, nil))
		flusher.Flush()
	})

	finish := "stop"
	if err != nil {
		s.logger.Error("streaming reply failed", "companion", c.Name(), "error", err)
		finish = "error"
		s.writeSSE(w, map[string]any{
			"error": map[string]any{
				"message": err.Error(),
				"type":    errorType(statusFor(err)),
				"code":    statusFor(err),
			},
		})
	}
	s.writeSSE(w, chunk(StreamDelta{}, &finish))
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
