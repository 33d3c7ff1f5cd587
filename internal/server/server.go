package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/presence-chat/internal/model"
	"github.com/Tyrowin/presence-chat/internal/presence"
	"github.com/Tyrowin/presence-chat/internal/session"
	"github.com/Tyrowin/presence-chat/internal/store"
)

// SessionCookie is the cookie carrying the session token.
const SessionCookie = "jwt"

// Deps are the collaborators a Server routes requests to.
type Deps struct {
	Gate           *session.Gate
	Presence       *presence.Broadcaster
	Foods          store.Repository[model.FoodItem]
	Orders         store.Repository[model.Order]
	Logger         *slog.Logger
	AllowedOrigins []string
	SecureCookies  bool
	SessionTTL     time.Duration
}

// Server holds the HTTP handlers of the chat backend.
type Server struct {
	gate       *session.Gate
	presence   *presence.Broadcaster
	foods      store.Repository[model.FoodItem]
	orders     store.Repository[model.Order]
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	secure     bool
	sessionTTL time.Duration
}

// New returns a Server wired to deps.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	origins := newOriginPolicy(deps.AllowedOrigins, logger)
	return &Server{
		gate:     deps.Gate,
		presence: deps.Presence,
		foods:    deps.Foods,
		orders:   deps.Orders,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		secure:     deps.SecureCookies,
		sessionTTL: deps.SessionTTL,
	}
}

// tokenFromRequest returns the session token from the session cookie, an
// Authorization bearer header or the token query parameter, in that order.
func tokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.sessionTTL / time.Second),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// requireSession admits the request's session before calling next. Requests
// without a valid session get 401.
func (s *Server) requireSession(next func(http.ResponseWriter, *http.Request, session.Identity, model.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, user, err := s.gate.Admit(r.Context(), tokenFromRequest(r))
		if err != nil {
			if errors.Is(err, session.ErrRejected) {
				writeMessage(w, http.StatusUnauthorized, "Unauthorized - invalid or missing session")
				return
			}
			s.writeError(w, r, err)
			return
		}
		next(w, r, id, user)
	}
}
