package server

import (
	"net/http"

	"github.com/Tyrowin/presence-chat/internal/model"
	"github.com/Tyrowin/presence-chat/internal/session"
)

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var creds model.Credentials
	if err := decodeJSON(w, r, "signup", &creds); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	token, user, err := s.gate.Signup(r.Context(), creds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.setSessionCookie(w, token)
	writeJSON(w, http.StatusCreated, user.Public())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds model.Credentials
	if err := decodeJSON(w, r, "login", &creds); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	token, user, err := s.gate.Login(r.Context(), creds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, user.Public())
}

// handleLogout revokes the caller's session, closes the connections admitted
// under that session and clears the cookie. Connections opened with other
// sessions of the same user stay open. It succeeds even without a valid
// session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if id, _, err := s.gate.Admit(r.Context(), token); err == nil {
		s.presence.DisconnectSession(id.SessionID)
	}
	if err := s.gate.Logout(r.Context(), token); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.clearSessionCookie(w)
	writeMessage(w, http.StatusOK, "Logged out successfully")
}

func (s *Server) handleCheck(w http.ResponseWriter, _ *http.Request, _ session.Identity, user model.User) {
	writeJSON(w, http.StatusOK, user.Public())
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, id session.Identity, _ model.User) {
	var update model.ProfileUpdate
	if err := decodeJSON(w, r, "profile", &update); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.gate.UpdateProfile(r.Context(), id, update)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user.Public())
}
