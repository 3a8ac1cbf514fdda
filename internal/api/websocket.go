package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Companions are reached from bots and local tools, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSFrame is a server-to-client WebSocket message. Type is "token" for
// a streamed fragment, "done" for the finished reply and "error" when
// the request failed.
type WSFrame struct {
	Type      string `json:"type"`
	Companion string `json:"companion,omitempty"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      int    `json:"code,omitempty"`
}

// handleWebSocket serves prompt requests over a WebSocket. Each text
// frame carries one prompt request; requests on a connection are
// handled in order.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBytes)

	ctx := r.Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		if err := s.serveFrame(conn, r, raw); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// serveFrame answers one prompt request. The returned error is a write
// failure; request failures are reported to the client as error frames.
func (s *Server) serveFrame(conn *websocket.Conn, r *http.Request, raw []byte) error {
	c, req, err := s.companions.Resolve(raw)
	if err != nil {
		return conn.WriteJSON(WSFrame{Type: "error", Error: err.Error(), Code: statusFor(err)})
	}

	var writeErr error
	onToken := func(token string) {
		if writeErr != nil {
			return
		}
		writeErr = conn.WriteJSON(WSFrame{Type: "token", Companion: c.Name(), Content: token})
	}

	var reply string
	if req.Stream {
		reply, err = c.AskStream(r.Context(), req, onToken)
	} else {
		reply, err = c.Ask(r.Context(), req)
	}
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		s.logger.Error("websocket request failed", "companion", c.Name(), "error", err)
		return conn.WriteJSON(WSFrame{Type: "error", Companion: c.Name(), Error: err.Error(), Code: statusFor(err)})
	}
	return conn.WriteJSON(WSFrame{Type: "done", Companion: c.Name(), Content: reply})
}
