package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Tyrowin/presence-chat/internal/model"
	"github.com/Tyrowin/presence-chat/internal/session"
)

// WebSocketHandler admits a session into the presence broadcaster. The
// session is checked before the upgrade so rejected clients get a plain 401.
// A userId query parameter, when present, must name the session's user.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	id, _, err := s.gate.Admit(r.Context(), tokenFromRequest(r))
	if err != nil {
		if errors.Is(err, session.ErrRejected) {
			s.logger.Info("websocket admission rejected", "addr", r.RemoteAddr)
			writeMessage(w, http.StatusUnauthorized, "Unauthorized - invalid or missing session")
			return
		}
		s.writeError(w, r, err)
		return
	}
	if claimed := r.URL.Query().Get("userId"); claimed != "" && claimed != id.UserID {
		s.logger.Warn("websocket identity mismatch", "addr", r.RemoteAddr, "user_id", id.UserID, "claimed", claimed)
		writeMessage(w, http.StatusForbidden, "userId does not match session")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	c := s.presence.NewConnection(conn, id.UserID, id.SessionID, r.RemoteAddr)
	if err := s.presence.Connect(c); err != nil {
		s.logger.Warn("presence rejected connection", "user_id", id.UserID, "error", err)
		_ = conn.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Presence chat server is running!")
}

func (s *Server) handleOnline(w http.ResponseWriter, _ *http.Request, _ session.Identity, _ model.User) {
	writeJSON(w, http.StatusOK, map[string][]string{"onlineUsers": s.presence.Online()})
}
