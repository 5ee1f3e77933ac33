package server

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

// handleShellWS upgrades an HTTP request to a WebSocket and serves the
// exact same byte protocol over it: the binary messages carry the framed
// stream, so framing, handshake, and envelopes are untouched. This gives
// clients behind HTTP-only paths a second transport.
func (s *Server) handleShellWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		// Accept has already written its own error response.
		s.log.Debugw("accepting WebSocket conn", "Error", err)
		return
	}
	wsConn.SetReadLimit(32 << 20)

	nc := websocket.NetConn(s.ctx, wsConn, websocket.MessageBinary)
	s.handleConn(nc, r.RemoteAddr)
}
